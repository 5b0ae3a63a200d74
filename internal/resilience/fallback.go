package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. The per-entry errors are joined to it.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to every entry of a
// [FallbackGroup]; each entry gets its own breaker named after the entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order. Add all
// entries before sharing the group between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends v as the next entry to try.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the entries in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		names = append(names, m.name)
	}
	return names
}

// States maps each entry to its breaker state.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		states[m.name] = m.breaker.State()
	}
	return states
}

// Available reports whether any entry's breaker would admit a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, m := range fg.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each entry in turn and returns the first
// success. Entries with an open breaker are skipped. Once ctx is done no
// further entry is tried and ctx's error is returned unwrapped.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i, m := range fg.members {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("served by fallback provider", "provider", m.name)
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		default:
			slog.Warn("provider failed", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, errors.Join(append([]error{ErrAllFailed}, errs...)...)
}
