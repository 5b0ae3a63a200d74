// Package health serves the liveness and readiness probes.
//
// GET /healthz always answers 200 with {"status":"ok"} plus whatever the
// optional details function reports (model status, breaker states).
// GET /readyz runs every registered [Checker] concurrently and answers 200
// only when all of them pass; otherwise 503 with "status":"fail". Both bodies
// are flat JSON objects; /readyz nests per-check results under "checks".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. Its checkers are fixed at construction.
type Handler struct {
	checkers []Checker
	details  func() map[string]string
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithDetails merges fn's entries into every /healthz body. Call it before
// serving.
func (h *Handler) WithDetails(fn func() map[string]string) *Handler {
	h.details = fn
	return h
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{}
	if h.details != nil {
		maps.Copy(body, h.details())
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcome := "ok"
			if err := c.Check(ctx); err != nil {
				outcome = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = outcome
			if outcome != "ok" {
				failed = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if failed {
		writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, readiness{Status: "ok", Checks: checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Pinger is implemented by dependencies that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks p.Ping.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// FlagChecker fails with msg whenever ok reports false.
func FlagChecker(name string, ok func() bool, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}}
}
