package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/batchscribe/internal/batch"
)

func TestResults_TakeRemoves(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	id := uuid.New()
	r.Publish(batch.Result{ID: id, Text: "hello"})

	res, ok := r.Take(id)
	if !ok || res.Text != "hello" || res.ID != id {
		t.Fatalf("Take = %+v, %v", res, ok)
	}
	if _, ok := r.Take(id); ok {
		t.Error("second Take returned the result again")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestResults_DrainOnlyRequested(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r.PublishAll(map[uuid.UUID]batch.Result{
		a: {Text: "a"},
		b: {Text: "b"},
		c: {Text: "c"},
	})

	got := r.Drain([]uuid.UUID{a, c, uuid.New()})
	if len(got) != 2 || got[a].Text != "a" || got[c].Text != "c" {
		t.Errorf("Drain = %+v, want a and c", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after drain, want 1", r.Len())
	}
	if got := r.Drain([]uuid.UUID{a}); got != nil {
		t.Errorf("second Drain = %+v, want nil", got)
	}
}

func TestResults_WaitFiresOncePerPublish(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	w := r.Wait()
	select {
	case <-w:
		t.Fatal("wake channel closed before any publish")
	default:
	}

	r.PublishAll(map[uuid.UUID]batch.Result{uuid.New(): {}, uuid.New(): {}})
	select {
	case <-w:
	default:
		t.Fatal("wake channel not closed after publish")
	}
	if r.Wait() == w {
		t.Error("wake channel was not replaced")
	}

	// Publishing nothing does not wake anyone.
	w = r.Wait()
	r.PublishAll(nil)
	select {
	case <-w:
		t.Error("empty publish woke waiters")
	default:
	}
}

func TestResults_AwaitIgnoresOtherPublishes(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	want := uuid.New()

	done := make(chan batch.Result, 1)
	go func() {
		res, err := r.Await(context.Background(), want)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- res
	}()

	// Unrelated results wake the waiter but must not satisfy it.
	for range 3 {
		r.Publish(batch.Result{ID: uuid.New(), Text: "other"})
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case res := <-done:
		t.Fatalf("Await returned early with %+v", res)
	default:
	}

	r.Publish(batch.Result{ID: want, Text: "mine"})
	select {
	case res := <-done:
		if res.Text != "mine" {
			t.Errorf("Await text = %q, want mine", res.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after its result was published")
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want the 3 unrelated results", r.Len())
	}
}

func TestResults_AwaitCarriesItemError(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	id := uuid.New()
	r.Publish(batch.Result{ID: id, Err: batch.ErrShutdown})

	res, err := r.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !errors.Is(res.Err, batch.ErrShutdown) {
		t.Errorf("res.Err = %v, want ErrShutdown", res.Err)
	}
}

func TestResults_Sweep(t *testing.T) {
	t.Parallel()

	r := batch.NewResults()
	r.Publish(batch.Result{ID: uuid.New()})
	time.Sleep(20 * time.Millisecond)
	fresh := uuid.New()
	r.Publish(batch.Result{ID: fresh})

	if n := r.Sweep(10 * time.Millisecond); n != 1 {
		t.Errorf("Sweep dropped %d, want 1", n)
	}
	if _, ok := r.Take(fresh); !ok {
		t.Error("fresh result was swept")
	}
}
