package history

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRecorderBuffer = 64
	flushTimeout          = 5 * time.Second
)

// Recorder writes entries to a [Store] from a single background goroutine.
// [Recorder.Enqueue] never blocks: when the buffer is full the entries are
// dropped and a warning is logged.
type Recorder struct {
	store Store
	ch    chan []Entry
}

// NewRecorder returns a Recorder with room for buffer pending writes. A
// non-positive buffer uses a default of 64.
func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	return &Recorder{store: store, ch: make(chan []Entry, buffer)}
}

// Enqueue schedules entries for writing. It reports false if they were
// dropped.
func (r *Recorder) Enqueue(entries []Entry) bool {
	if len(entries) == 0 {
		return true
	}
	select {
	case r.ch <- entries:
		return true
	default:
		slog.Warn("history recorder: buffer full, dropping entries", "entries", len(entries))
		return false
	}
}

// Run writes queued entries until ctx is cancelled, then flushes whatever is
// still buffered using a fresh context with a short timeout.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case entries := <-r.ch:
			r.write(ctx, entries)
		case <-ctx.Done():
			fc, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			defer cancel()
			for {
				select {
				case entries := <-r.ch:
					r.write(fc, entries)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, entries []Entry) {
	if err := r.store.Record(ctx, entries); err != nil {
		slog.Warn("history recorder: write failed", "entries", len(entries), "err", err)
	}
}
