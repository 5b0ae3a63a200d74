package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/batchscribe/pkg/history"
)

var (
	_ history.Store  = (*Store)(nil)
	_ history.Pinger = (*Store)(nil)
)

// transcriptColumns is the column order used by Record.
var transcriptColumns = []string{"id", "text", "batch_seq", "queue_wait_ns", "created_at"}

// Store is a transcript log backed by a single [pgxpool.Pool].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [history.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Record implements [history.Store] using the COPY protocol. Entries with a
// zero CreatedAt are stamped with the current time.
func (s *Store) Record(ctx context.Context, entries []history.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows[i] = []any{e.ID, e.Text, int64(e.BatchSeq), e.QueueWait.Nanoseconds(), created}
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"transcripts"}, transcriptColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres store: record: %w", err)
	}
	return nil
}

// Recent implements [history.Store]. Contains is passed to plainto_tsquery,
// so no operator syntax is required.
func (s *Store) Recent(ctx context.Context, q history.Query) ([]history.Entry, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Contains != "" {
		conditions = append(conditions, "to_tsvector('simple', text) @@ plainto_tsquery('simple', "+next(q.Contains)+")")
	}
	if !q.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(q.After))
	}

	sql := "SELECT id, text, batch_seq, queue_wait_ns, created_at\nFROM   transcripts\n"
	if len(conditions) > 0 {
		sql += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	sql += "ORDER  BY created_at DESC\nLIMIT  " + next(q.EffectiveLimit())

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into history entries.
func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e      history.Entry
			id     uuid.UUID
			seq    int64
			waitNS int64
		)
		if err := row.Scan(&id, &e.Text, &seq, &waitNS, &e.CreatedAt); err != nil {
			return history.Entry{}, err
		}
		e.ID = id
		e.BatchSeq = uint64(seq)
		e.QueueWait = time.Duration(waitNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}
