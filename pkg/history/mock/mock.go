// Package mock provides an in-memory test double for history.Store.
//
// Store keeps every recorded entry and answers Recent from them. Setting
// RecordErr or RecentErr makes the corresponding method fail.
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/batchscribe/pkg/history"
)

// Store is a mock implementation of history.Store.
type Store struct {
	mu sync.Mutex

	// Entries holds everything recorded so far, oldest first.
	Entries []history.Entry

	// RecordErr, if non-nil, is returned from Record and nothing is stored.
	RecordErr error

	// RecentErr, if non-nil, is returned from Recent.
	RecentErr error

	// PingErr, if non-nil, is returned from Ping.
	PingErr error

	// RecordCalls counts Record invocations.
	RecordCalls int

	// RecentCalls records the query of every Recent invocation.
	RecentCalls []history.Query
}

// Record implements history.Store.
func (s *Store) Record(_ context.Context, entries []history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordCalls++
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.Entries = append(s.Entries, entries...)
	return nil
}

// Recent implements history.Store. Contains is matched case-insensitively
// as a plain substring.
func (s *Store) Recent(_ context.Context, q history.Query) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecentCalls = append(s.RecentCalls, q)
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := []history.Entry{}
	for _, e := range slices.Backward(s.Entries) {
		if q.Contains != "" && !strings.Contains(strings.ToLower(e.Text), strings.ToLower(q.Contains)) {
			continue
		}
		if !q.After.IsZero() && !e.CreatedAt.After(q.After) {
			continue
		}
		out = append(out, e)
		if len(out) == q.EffectiveLimit() {
			break
		}
	}
	return out, nil
}

// Ping implements history.Pinger.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Snapshot returns a copy of the recorded entries.
func (s *Store) Snapshot() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Entries)
}

var (
	_ history.Store  = (*Store)(nil)
	_ history.Pinger = (*Store)(nil)
)
