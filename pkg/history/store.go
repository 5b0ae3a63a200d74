// Package history defines the transcript log: every work item that completed
// successfully is recorded with its text and batch metadata so recent
// transcripts can be listed and searched later.
//
// [Store] is the storage contract. [Guard] makes a store non-fatal and
// [Recorder] moves writes off the dispatch path.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded transcript.
type Entry struct {
	// ID is the work item identity assigned at submission.
	ID uuid.UUID

	// Text is the recognised text. Empty texts are recorded too.
	Text string

	// BatchSeq is the sequence number of the batch the item was dispatched in.
	BatchSeq uint64

	// QueueWait is the time between submission and dispatch.
	QueueWait time.Duration

	// CreatedAt is when the result was published.
	CreatedAt time.Time
}

// Query filters [Store.Recent].
type Query struct {
	// Limit caps the number of entries. Zero means the store's default.
	Limit int

	// Contains, if non-empty, restricts results to entries whose text matches
	// the words in Contains.
	Contains string

	// After, if non-zero, restricts results to entries created after it.
	After time.Time
}

// DefaultLimit is used when [Query.Limit] is zero.
const DefaultLimit = 50

// EffectiveLimit returns q.Limit or [DefaultLimit].
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Store persists transcript entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Record appends entries to the log.
	Record(ctx context.Context, entries []Entry) error

	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, q Query) ([]Entry, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
