package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/batchscribe/pkg/history"
	"github.com/MrWong99/batchscribe/pkg/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if BATCHSCRIBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("BATCHSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BATCHSCRIBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on an empty transcripts table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcripts CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	entries := []history.Entry{
		{ID: uuid.New(), Text: "the quick brown fox", BatchSeq: 1, QueueWait: 3 * time.Millisecond, CreatedAt: base},
		{ID: uuid.New(), Text: "jumps over", BatchSeq: 1, CreatedAt: base.Add(time.Second)},
		{ID: uuid.New(), Text: "the lazy dog", BatchSeq: 2, CreatedAt: base.Add(2 * time.Second)},
	}
	if err := store.Record(ctx, entries); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Recent(ctx, history.Query{Limit: 2})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].ID != entries[2].ID || got[1].ID != entries[1].ID {
		t.Errorf("Recent not newest first: %+v", got)
	}
	if got[0].BatchSeq != 2 {
		t.Errorf("BatchSeq = %d, want 2", got[0].BatchSeq)
	}

	found, err := store.Recent(ctx, history.Query{Contains: "fox"})
	if err != nil {
		t.Fatalf("Recent(fox): %v", err)
	}
	if len(found) != 1 || found[0].ID != entries[0].ID {
		t.Errorf("search = %+v, want the fox entry", found)
	}
	if found[0].QueueWait != 3*time.Millisecond {
		t.Errorf("QueueWait = %v, want 3ms", found[0].QueueWait)
	}

	after, err := store.Recent(ctx, history.Query{After: base.Add(500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Recent(after): %v", err)
	}
	if len(after) != 2 {
		t.Errorf("after filter returned %d entries, want 2", len(after))
	}
}

func TestStore_RecordEmpty(t *testing.T) {
	store := newTestStore(t)
	if err := store.Record(context.Background(), nil); err != nil {
		t.Fatalf("Record(nil): %v", err)
	}
	got, err := store.Recent(context.Background(), history.Query{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Recent = %v, want empty non-nil slice", got)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
