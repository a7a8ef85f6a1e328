// Package app wires the livetalk subsystems into a running application.
//
// [New] opens the history store and the audio devices, builds the
// [SessionManager] and the operational HTTP handler. [App.Shutdown] ends any
// running live talk and tears everything down in reverse order.
//
// For testing, inject doubles through functional options (WithHistory,
// WithDevices, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/health"
	"github.com/MrWong99/livetalk/internal/history"
	"github.com/MrWong99/livetalk/internal/livetalk"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	"github.com/MrWong99/livetalk/pkg/audio/device"
	"github.com/MrWong99/livetalk/pkg/provider/live"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
	"github.com/MrWong99/livetalk/pkg/transcript"
)

// Providers holds one interface value per provider slot. LLM may be nil,
// which disables assessments. Populated by main via the config registry.
type Providers struct {
	Live live.Provider
	LLM  llm.Provider
}

// Devices opens the local microphone and speaker.
type Devices interface {
	capture.Opener
	livetalk.OutputOpener
	Close() error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers Providers

	history  history.Store
	devices  Devices
	metrics  *observe.Metrics
	level    *slog.LevelVar
	logger   *slog.Logger
	onEntry  func(transcript.Entry)
	onState  func(livetalk.Snapshot)
	manager  *SessionManager
	health   *health.Handler
	shutdown func(context.Context) error

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of opening the configured one.
// The caller keeps ownership and closes it.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithDevices injects audio devices instead of opening miniaudio.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] change the log level at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithEntryHandler receives every finalized transcript entry.
func WithEntryHandler(fn func(transcript.Entry)) Option {
	return func(a *App) { a.onEntry = fn }
}

// WithStateHandler receives every live talk state change.
func WithStateHandler(fn func(livetalk.Snapshot)) Option {
	return func(a *App) { a.onState = fn }
}

// WithTelemetryShutdown registers the telemetry flush to run last during
// Shutdown.
func WithTelemetryShutdown(fn func(context.Context) error) Option {
	return func(a *App) { a.shutdown = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by main.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initDevices(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio devices: %w", err)
	}

	var micOpts []capture.Option
	micOpts = append(micOpts, capture.WithLogger(a.logger))
	if r := cfg.Session.InputSampleRate; r > 0 {
		micOpts = append(micOpts, capture.WithSampleRate(r))
	}
	if n := cfg.Session.BufferFrames; n > 0 {
		micOpts = append(micOpts, capture.WithBuffer(n))
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Microphone: capture.NewMicrophone(a.devices, micOpts...),
		Speaker:    a.devices,
		Providers:  providers,
		History:    a.history,
		Session:    cfg.Session,
		Assessment: cfg.Assessment,
		Metrics:    a.metrics,
		Logger:     a.logger,
		OnEntry:    a.onEntry,
		OnState:    a.onState,
	})

	a.health = health.New(
		health.WithChecker(health.PingCheck("history", a.history)),
		health.WithChecker(health.Checker{Name: "providers", Check: a.checkProviders}),
		health.WithSessionState(a.manager.StateString),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	store, err := history.Open(ctx, a.cfg.History.Backend, a.cfg.History.DSN)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	a.logger.Info("history store opened", "backend", a.cfg.History.Backend)
	return nil
}

func (a *App) initDevices() error {
	if a.devices != nil {
		return nil
	}
	b, err := device.New(device.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.devices = b
	a.closers = append(a.closers, b.Close)
	return nil
}

func (a *App) checkProviders(context.Context) error {
	if a.providers.Live == nil {
		return errors.New("live provider not configured")
	}
	if a.providers.LLM == nil && !a.cfg.Assessment.Disabled {
		return errors.New("assessment enabled but no llm provider configured")
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the live talk manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Handler returns the operational HTTP handler serving /metrics, /healthz
// and /readyz, instrumented by observe.Middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux)
}

// Reload applies the hot-reloadable part of a config change. It is the
// callback for config.Watcher.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	a.manager.ApplyConfig(d)
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends a running live talk, then closes subsystems in reverse
// init order and flushes telemetry. If ctx expires, the remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if _, err := a.manager.End(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		if a.shutdown != nil {
			if err := a.shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: telemetry shutdown: %w", err))
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
