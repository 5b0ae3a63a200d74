package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func ok() error   { return nil }
func fail() error { return errBackend }

// run executes each call in order and returns the breaker state afterwards.
func run(cb *CircuitBreaker, calls ...func() error) State {
	for _, c := range calls {
		_ = cb.Execute(c)
	}
	return cb.State()
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.Name() != "whisper" || cb.State() != StateClosed {
		t.Errorf("name %q state %v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_Closed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		calls []func() error
		want  State
	}{
		{"success passes", []func() error{ok, ok}, StateClosed},
		{"threshold opens", []func() error{fail, fail, fail}, StateOpen},
		{"below threshold stays closed", []func() error{fail, fail}, StateClosed},
		{"success resets streak", []func() error{fail, fail, ok, fail, fail}, StateClosed},
		{
			"caller errors are ignored",
			[]func() error{
				func() error { return context.Canceled },
				func() error { return fmt.Errorf("batch: %w", context.DeadlineExceeded) },
				func() error { return context.Canceled },
				func() error { return context.Canceled },
			},
			StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
			if got := run(cb, tt.calls...); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	run(cb, fail)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("err = %v, called = %v; want ErrCircuitOpen without a call", err, called)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{"enough successes close", []func() error{ok, ok}, StateClosed},
		{"one success keeps probing", []func() error{ok}, StateHalfOpen},
		{"failure reopens", []func() error{ok, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cb := NewCircuitBreaker(CircuitBreakerConfig{
				MaxFailures:  2,
				ResetTimeout: 20 * time.Millisecond,
				HalfOpenMax:  2,
			})
			if got := run(cb, fail, fail); got != StateOpen {
				t.Fatalf("state = %v, want open", got)
			}
			time.Sleep(30 * time.Millisecond)
			if got := cb.State(); got != StateHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", got)
			}
			// Checked right away so a reopened breaker has not timed out yet.
			if got := run(cb, tt.probes...); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	run(cb, fail)
	time.Sleep(15 * time.Millisecond)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancelledProbeFreesSlot(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	run(cb, fail)
	time.Sleep(15 * time.Millisecond)

	_ = cb.Execute(func() error { return context.Canceled })
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe after cancelled probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	run(cb, fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(ok); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
	// Resetting a closed breaker is a no-op.
	cb.Reset()
}

func TestCircuitBreaker_CustomIsFailure(t *testing.T) {
	t.Parallel()

	badInput := errors.New("unsupported sample rate")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		IsFailure:    func(err error) bool { return err != nil && !errors.Is(err, badInput) },
	})
	if got := run(cb, func() error { return badInput }); got != StateClosed {
		t.Fatalf("ignored error moved breaker to %v", got)
	}
	if got := run(cb, fail); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "primary",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			seen = append(seen, fmt.Sprintf("%s:%v>%v", name, from, to))
			mu.Unlock()
		},
	})
	run(cb, fail)
	time.Sleep(15 * time.Millisecond)
	run(cb, ok)

	want := []string{"primary:closed>open", "primary:open>half-open", "primary:half-open>closed"}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
		if s != State(99) && parseState(want) != s {
			t.Errorf("parseState(%q) = %v", want, parseState(want))
		}
	}
}
