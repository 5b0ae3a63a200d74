package history

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes all operations non-fatal. If the
// underlying store fails, operations return defaults and log warnings
// instead of propagating errors, so transcription keeps working while the
// database is unavailable.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

// NewGuard creates a new [Guard] wrapping the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Record writes entries to the underlying store. On failure the error is
// logged and swallowed; the store is marked as degraded.
func (g *Guard) Record(ctx context.Context, entries []Entry) error {
	if err := g.store.Record(ctx, entries); err != nil {
		g.degraded.Store(true)
		slog.Warn("history guard: Record failed, swallowing error",
			"entries", len(entries),
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent reads from the underlying store. On failure an empty slice is
// returned and the store is marked as degraded.
func (g *Guard) Recent(ctx context.Context, q Query) ([]Entry, error) {
	entries, err := g.store.Recent(ctx, q)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("history guard: Recent failed, returning empty", "err", err)
		return []Entry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Ping delegates to the underlying store when it implements [Pinger]. Unlike
// the other methods the error is returned, since readiness probes need it.
func (g *Guard) Ping(ctx context.Context) error {
	if p, ok := g.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

var (
	_ Store  = (*Guard)(nil)
	_ Pinger = (*Guard)(nil)
)
