package batch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/batchscribe/internal/batch"
	"github.com/MrWong99/batchscribe/internal/segment"
)

// recorder is an InferFunc double that records every batch it receives.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
	called  time.Time

	// gate, if set, blocks the first call until closed.
	gate chan struct{}
	err  error
	// short drops the last output when set.
	short bool
}

func (r *recorder) infer(ctx context.Context, paths []string) ([]string, error) {
	r.mu.Lock()
	first := len(r.batches) == 0
	if first {
		r.called = time.Now()
	}
	r.batches = append(r.batches, slices.Clone(paths))
	gate, err, short := r.gate, r.err, r.short
	r.mu.Unlock()

	if first && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = "text:" + p
	}
	if short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (r *recorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

// run starts s in the background and stops it when the test ends.
func run(t *testing.T, s *batch.Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := s.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-s.Stopped()
	})
	return cancel
}

func submitN(t *testing.T, s *batch.Scheduler, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	for i := range n {
		id, err := s.Submit(context.Background(), batch.Payload{Path: fmt.Sprintf("item-%d", i+1)})
		if err != nil {
			t.Fatalf("Submit %d: %v", i+1, err)
		}
		ids[i] = id
	}
	return ids
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduler_SizeLimitBeatsWindow(t *testing.T) {
	t.Parallel()

	rec := &recorder{gate: make(chan struct{})}
	s := batch.New(rec.infer, batch.WithWindow(time.Second), batch.WithMaxBatch(4))

	ids := submitN(t, s, 6)
	started := time.Now()
	run(t, s)

	// The first batch is full, so it must not wait for the window.
	deadline := time.After(3 * time.Second)
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first batch never dispatched")
		case <-time.After(time.Millisecond):
		}
	}
	rec.mu.Lock()
	firstAfter := rec.called.Sub(started)
	rec.mu.Unlock()
	if firstAfter >= 500*time.Millisecond {
		t.Errorf("first batch dispatched after %v, want well before the 1s window", firstAfter)
	}

	// Items 5 and 6 are collected meanwhile but wait for the busy worker.
	time.Sleep(1200 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("%d batches dispatched while the first was running, want 1", n)
	}
	close(rec.gate)

	ctx := awaitCtx(t)
	for i, id := range ids {
		text, err := s.Await(ctx, id)
		if err != nil {
			t.Fatalf("Await item %d: %v", i+1, err)
		}
		if want := fmt.Sprintf("text:item-%d", i+1); text != want {
			t.Errorf("item %d text = %q, want %q", i+1, text, want)
		}
	}

	want := [][]string{
		{"item-1", "item-2", "item-3", "item-4"},
		{"item-5", "item-6"},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("batches = %v, want %v", got, want)
	}
	for i := range want {
		if !slices.Equal(got[i], want[i]) {
			t.Errorf("batch %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScheduler_WindowClosesPartialBatch(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := batch.New(rec.infer, batch.WithWindow(20*time.Millisecond), batch.WithMaxBatch(4))
	run(t, s)

	ids := submitN(t, s, 1)
	text, err := s.Await(awaitCtx(t), ids[0])
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if text != "text:item-1" {
		t.Errorf("text = %q", text)
	}
	if got := rec.snapshot(); len(got) != 1 || len(got[0]) != 1 {
		t.Errorf("batches = %v, want a single batch of one", got)
	}
}

func TestScheduler_BatchFailureReachesEveryItem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  *recorder
	}{
		{"inference error", &recorder{err: errors.New("model exploded")}},
		{"output count mismatch", &recorder{short: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var reports []batch.BatchReport
			var mu sync.Mutex
			s := batch.New(tc.rec.infer,
				batch.WithWindow(50*time.Millisecond),
				batch.WithMaxBatch(3),
				batch.WithOnBatch(func(r batch.BatchReport) {
					mu.Lock()
					reports = append(reports, r)
					mu.Unlock()
				}),
			)
			ids := submitN(t, s, 3)
			run(t, s)

			ctx := awaitCtx(t)
			for i, id := range ids {
				_, err := s.Await(ctx, id)
				if !errors.Is(err, batch.ErrBatchFailed) {
					t.Errorf("item %d err = %v, want ErrBatchFailed", i+1, err)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if len(reports) != 1 || reports[0].Err == nil || len(reports[0].Items) != 3 {
				t.Errorf("reports = %+v, want one failed report with 3 items", reports)
			}
		})
	}
}

func TestScheduler_PanickingInferenceFailsBatch(t *testing.T) {
	t.Parallel()

	s := batch.New(func(context.Context, []string) ([]string, error) {
		panic("boom")
	}, batch.WithWindow(5*time.Millisecond))
	run(t, s)

	ids := submitN(t, s, 1)
	if _, err := s.Await(awaitCtx(t), ids[0]); !errors.Is(err, batch.ErrBatchFailed) {
		t.Errorf("err = %v, want ErrBatchFailed", err)
	}
}

func TestScheduler_AtMostOnceDelivery(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := batch.New(rec.infer, batch.WithWindow(5*time.Millisecond))
	run(t, s)

	ids := submitN(t, s, 1)
	if _, err := s.Await(awaitCtx(t), ids[0]); err != nil {
		t.Fatalf("first Await: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Await(ctx, ids[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Await err = %v, want DeadlineExceeded", err)
	}
	if _, ok := s.Results().Take(ids[0]); ok {
		t.Error("result still present after it was delivered")
	}
}

func TestScheduler_ConcurrentAwaitersGetOneDelivery(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := batch.New(rec.infer, batch.WithWindow(5*time.Millisecond))
	run(t, s)
	ids := submitN(t, s, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Await(ctx, ids[0]); err == nil {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if delivered != 1 {
		t.Errorf("result delivered %d times, want 1", delivered)
	}
}

func TestScheduler_BatchBoundsAndOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := batch.New(rec.infer, batch.WithWindow(2*time.Millisecond), batch.WithMaxBatch(3))
	run(t, s)

	ids := make([]uuid.UUID, 0, 40)
	for i := range 40 {
		id, err := s.Submit(context.Background(), batch.Payload{Path: fmt.Sprintf("item-%d", i+1)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		if i%7 == 0 {
			time.Sleep(3 * time.Millisecond)
		}
	}
	ctx := awaitCtx(t)
	for _, id := range ids {
		if _, err := s.Await(ctx, id); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	var flat []string
	for i, b := range rec.snapshot() {
		if len(b) < 1 || len(b) > 3 {
			t.Errorf("batch %d has %d items, want 1..3", i, len(b))
		}
		flat = append(flat, b...)
	}
	for i, p := range flat {
		if want := fmt.Sprintf("item-%d", i+1); p != want {
			t.Fatalf("dispatch order broken at %d: got %s, want %s", i, p, want)
		}
	}
}

func TestScheduler_ShutdownResolvesPendingItems(t *testing.T) {
	t.Parallel()

	rec := &recorder{gate: make(chan struct{})}
	s := batch.New(rec.infer, batch.WithWindow(5*time.Millisecond), batch.WithMaxBatch(2))
	cancel := run(t, s)

	ids := submitN(t, s, 5)
	for len(rec.snapshot()) == 0 {
		time.Sleep(time.Millisecond)
	}
	// Let the collector pick up the next batch and block on the busy worker.
	time.Sleep(50 * time.Millisecond)
	cancel()

	ctx := awaitCtx(t)
	for i, id := range ids[2:] {
		if _, err := s.Await(ctx, id); !errors.Is(err, batch.ErrShutdown) {
			t.Errorf("pending item %d err = %v, want ErrShutdown", i+3, err)
		}
	}

	// The in-flight batch still completes.
	close(rec.gate)
	for i, id := range ids[:2] {
		if _, err := s.Await(ctx, id); err != nil {
			t.Errorf("in-flight item %d err = %v, want success", i+1, err)
		}
	}

	<-s.Stopped()
	if _, err := s.Submit(context.Background(), batch.Payload{Path: "late"}); !errors.Is(err, batch.ErrClosed) {
		t.Errorf("Submit after shutdown err = %v, want ErrClosed", err)
	}
	if s.Running() {
		t.Error("Running() = true after shutdown")
	}
	if st := s.State(); st != batch.StateIdle {
		t.Errorf("State() = %q after shutdown, want idle", st)
	}
}

func TestScheduler_RemovesOwnedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.wav")
	owned := filepath.Join(dir, "owned.wav")
	for _, p := range []string{keep, owned} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	var seen []string
	var mu sync.Mutex
	s := batch.New(func(_ context.Context, paths []string) ([]string, error) {
		mu.Lock()
		seen = append(seen, paths...)
		mu.Unlock()
		for _, p := range paths {
			if _, err := os.Stat(p); err != nil {
				return nil, err
			}
		}
		return make([]string, len(paths)), nil
	}, batch.WithWindow(20*time.Millisecond), batch.WithMaterializer(segment.TempWAV{Dir: dir}))

	ctx := context.Background()
	var ids []uuid.UUID
	for _, p := range []batch.Payload{
		{Path: keep},
		{Path: owned, Owned: true},
		{Data: make([]byte, 3200)},
	} {
		id, err := s.Submit(ctx, p)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}
	run(t, s)

	for _, id := range ids {
		if _, err := s.Await(awaitCtx(t), id); err != nil {
			t.Fatalf("Await: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "keep.wav" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("files after dispatch = %v, want only keep.wav", names)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || filepath.Ext(seen[2]) != ".wav" {
		t.Errorf("inference saw %v, want three paths with a materialized wav last", seen)
	}
}

func TestScheduler_SubmitValidation(t *testing.T) {
	t.Parallel()

	s := batch.New((&recorder{}).infer, batch.WithQueueSize(1))
	if _, err := s.Submit(context.Background(), batch.Payload{}); err == nil {
		t.Error("empty payload accepted")
	}

	// Queue is full and nothing drains it.
	submitN(t, s, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Submit(ctx, batch.Payload{Path: "overflow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit on full queue err = %v, want DeadlineExceeded", err)
	}
	if n := s.QueueLen(); n != 1 {
		t.Errorf("QueueLen() = %d, want 1", n)
	}
}

func TestScheduler_SetLimits(t *testing.T) {
	t.Parallel()

	s := batch.New((&recorder{}).infer)
	if w, n := s.Limits(); w != batch.DefaultWindow || n != batch.DefaultMaxBatch {
		t.Fatalf("default limits = %v, %d", w, n)
	}
	s.SetLimits(40*time.Millisecond, 0)
	if w, n := s.Limits(); w != 40*time.Millisecond || n != batch.DefaultMaxBatch {
		t.Errorf("limits = %v, %d; want 40ms, %d", w, n, batch.DefaultMaxBatch)
	}
	s.SetLimits(0, 8)
	if _, n := s.Limits(); n != 8 {
		t.Errorf("max batch = %d, want 8", n)
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	t.Parallel()

	s := batch.New((&recorder{}).infer)
	run(t, s)
	for !s.Running() {
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(context.Background()); !errors.Is(err, batch.ErrAlreadyRunning) {
		t.Errorf("second Run err = %v, want ErrAlreadyRunning", err)
	}
}

func TestScheduler_StateCoversInference(t *testing.T) {
	t.Parallel()

	rec := &recorder{gate: make(chan struct{})}
	s := batch.New(rec.infer, batch.WithWindow(time.Millisecond))
	run(t, s)

	if got := s.State(); got != batch.StateIdle {
		t.Fatalf("State before submit = %q", got)
	}
	ids := submitN(t, s, 1)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inference never started")
		}
		time.Sleep(time.Millisecond)
	}
	if got := s.State(); got != batch.StateDispatching || s.InFlight() != 1 {
		t.Errorf("during inference: State = %q, InFlight = %d; want dispatching, 1", got, s.InFlight())
	}

	close(rec.gate)
	if _, err := s.Await(awaitCtx(t), ids[0]); err != nil {
		t.Fatalf("Await: %v", err)
	}
	for s.State() != batch.StateIdle || s.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("after inference: State = %q, InFlight = %d", s.State(), s.InFlight())
		}
		time.Sleep(time.Millisecond)
	}
}
