package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was skipped by its breaker. The last member error stays in the chain.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each member's breaker; Name is
	// replaced by the member name.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover decisions. Default: slog.Default().
	Logger *slog.Logger
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of one provider
// type, each behind its own breaker. Members are added before use; the
// group is safe for concurrent calls afterwards.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CircuitBreaker.Logger == nil {
		cfg.CircuitBreaker.Logger = cfg.Logger
	}
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Len returns the number of members including the primary.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// Breaker returns the breaker state of member i.
func (fg *FallbackGroup[T]) Breaker(i int) State { return fg.members[i].breaker.State() }

// Execute tries fn against each member in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each member of fg in order and returns
// the first successful result. Members with an open breaker are skipped. A
// cancelled ctx stops the walk and is returned as is, so the caller ending
// an operation never cascades into the fallbacks.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		m := &fg.members[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var result R
		err := m.breaker.Execute(func() error {
			var err error
			result, err = fn(m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				fg.log.Info("served by fallback provider", "provider", m.name)
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		if i < len(fg.members)-1 {
			fg.log.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
