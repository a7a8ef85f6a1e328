// Package health provides HTTP liveness and readiness handlers for the
// operational endpoint.
//
//   - /healthz reports that the process is serving, plus the current talk
//     state when a status source is configured.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name appears as a key in the /readyz response, e.g. "history".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is satisfied by storage backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts p into a [Checker].
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status  string            `json:"status"`
	Session string            `json:"session,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check.
func WithChecker(c Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c) }
}

// WithSessionState makes /healthz include the string returned by fn.
func WithSessionState(fn func() string) Option {
	return func(h *Handler) { h.sessionState = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers     []Checker
	sessionState func() string
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.sessionState != nil {
		res.Session = h.sessionState()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs all checkers concurrently, each under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
