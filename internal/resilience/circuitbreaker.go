// Package resilience keeps a failing recognition backend from being hit by
// every batch.
//
// [CircuitBreaker] guards a single backend with a closed/open/half-open state
// machine. [FallbackGroup] chains several backends, each behind its own
// breaker, and [ASRFallback] specialises the group for [asr.Provider].
// Everything here is safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast until the reset timeout elapses
	StateHalfOpen              // a limited number of probe calls decide the next state
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Breaker events.
const (
	evTrip    = "trip"
	evProbe   = "probe"
	evRecover = "recover"
	evReset   = "reset"
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds concurrent probes and is also the number of
	// successful probes that close the breaker. Default 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend.
	// Default [DefaultIsFailure].
	IsFailure func(error) bool

	// OnStateChange runs after every transition while the breaker's lock is
	// held; it must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultIsFailure counts every error except context cancellation and
// deadline expiry, which belong to the caller.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	cfg     CircuitBreakerConfig
	machine *fsm.FSM

	mu       sync.Mutex
	failures int // consecutive, while closed
	failedAt time.Time
	probes   int // admitted while half-open
	passed   int // successful probes
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	cb := &CircuitBreaker{cfg: cfg}
	cb.machine = fsm.NewFSM(StateClosed.String(), fsm.Events{
		{Name: evTrip, Src: []string{StateClosed.String(), StateHalfOpen.String()}, Dst: StateOpen.String()},
		{Name: evProbe, Src: []string{StateOpen.String()}, Dst: StateHalfOpen.String()},
		{Name: evRecover, Src: []string{StateHalfOpen.String()}, Dst: StateClosed.String()},
		{Name: evReset, Src: []string{StateOpen.String(), StateHalfOpen.String()}, Dst: StateClosed.String()},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			cb.entered(parseState(e.Src), parseState(e.Dst))
		},
	})
	return cb
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker is open. While half-open at most
// HalfOpenMax calls run at once; the rest get [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch parseState(cb.machine.Current()) {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(cb.failedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.fire(evProbe)
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case cb.cfg.IsFailure(err):
		cb.failedAt = time.Now()
		if probe {
			cb.fire(evTrip)
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.fire(evTrip)
		}
	case err == nil && probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.fire(evRecover)
		}
	case err == nil:
		cb.failures = 0
	case probe:
		// The caller gave up; the probe proved nothing.
		cb.probes--
	}
}

// fire applies ev if the current state allows it. Calls finishing after the
// state already moved on make stale events, which are dropped. cb.mu must be
// held.
func (cb *CircuitBreaker) fire(ev string) {
	if !cb.machine.Can(ev) {
		return
	}
	if err := cb.machine.Event(context.Background(), ev); err != nil {
		slog.Debug("circuit breaker event rejected", "name", cb.cfg.Name, "event", ev, "err", err)
	}
}

// entered runs inside fire, so cb.mu is held.
func (cb *CircuitBreaker) entered(from, to State) {
	cb.probes, cb.passed = 0, 0
	if to == StateClosed {
		cb.failures = 0
	}
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.failures)
	} else {
		slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := parseState(cb.machine.Current())
	if s == StateOpen && time.Since(cb.failedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.fire(evReset)
}
