// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Record(ctx, entries)
//	recent, _ := store.Recent(ctx, history.Query{Limit: 20})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id            UUID         PRIMARY KEY,
    text          TEXT         NOT NULL,
    batch_seq     BIGINT       NOT NULL DEFAULT 0,
    queue_wait_ns BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_created_at
    ON transcripts (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('simple', text));
`

// Migrate creates the transcripts table and its indexes. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
