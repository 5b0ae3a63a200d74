package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of one work item.
type Result struct {
	ID   uuid.UUID
	Text string

	// Err is non-nil when the item failed. It wraps [ErrBatchFailed] or
	// [ErrShutdown].
	Err error

	published time.Time
}

// Results is the shared result channel between the dispatcher and the
// submitters. Every entry can be taken exactly once. All methods are safe for
// concurrent use.
type Results struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Result
	wake    chan struct{}
}

// NewResults returns an empty result channel.
func NewResults() *Results {
	return &Results{
		entries: make(map[uuid.UUID]Result),
		wake:    make(chan struct{}),
	}
}

// PublishAll stores every result in res and wakes all waiters once.
func (r *Results) PublishAll(res map[uuid.UUID]Result) {
	if len(res) == 0 {
		return
	}
	now := time.Now()
	r.mu.Lock()
	for id, v := range res {
		v.ID = id
		v.published = now
		r.entries[id] = v
	}
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

// Publish stores a single result and wakes all waiters.
func (r *Results) Publish(res Result) {
	r.PublishAll(map[uuid.UUID]Result{res.ID: res})
}

// Take removes and returns the result for id if it has been published.
func (r *Results) Take(id uuid.UUID) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return res, ok
}

// Drain removes and returns every published result among ids.
func (r *Results) Drain(ids []uuid.UUID) map[uuid.UUID]Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out map[uuid.UUID]Result
	for _, id := range ids {
		res, ok := r.entries[id]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[uuid.UUID]Result)
		}
		out[id] = res
		delete(r.entries, id)
	}
	return out
}

// Wait returns a channel that is closed on the next publish. Callers re-check
// with [Results.Take] or [Results.Drain] after it fires; a wakeup does not
// imply that the result they want has arrived.
func (r *Results) Wait() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wake
}

// Await blocks until the result for id is published and takes it, or until
// ctx is done.
func (r *Results) Await(ctx context.Context, id uuid.UUID) (Result, error) {
	for {
		r.mu.Lock()
		res, ok := r.entries[id]
		if ok {
			delete(r.entries, id)
			r.mu.Unlock()
			return res, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Len returns the number of results waiting to be taken.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops results that were published more than maxAge ago and nobody
// took. It returns how many were dropped.
func (r *Results) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, res := range r.entries {
		if res.published.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}
