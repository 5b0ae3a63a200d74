// Package batch implements the micro-batch scheduler that groups independent
// transcription requests into bounded batches for a single inference call.
//
// A [Scheduler] owns a FIFO queue and a [Results] channel. Producers
// [Scheduler.Submit] payloads and later [Scheduler.Await] their text; one
// [Scheduler.Run] loop collects items for at most one window (or until the
// batch is full) and hands each batch to a dispatch worker.
//
// Lifecycle states:
//
//	idle ──first item──► collecting ──full or window elapsed──► dispatching ──► idle
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/internal/segment"
)

// Defaults.
const (
	DefaultWindow          = 15 * time.Millisecond
	DefaultMaxBatch        = 4
	DefaultQueueSize       = 256
	DefaultWorkers         = 1
	DefaultDispatchTimeout = 2 * time.Minute
	DefaultResultTTL       = 10 * time.Minute
)

// Scheduler states as reported by [Scheduler.State].
const (
	StateIdle        = "idle"
	StateCollecting  = "collecting"
	StateDispatching = "dispatching"
)

const (
	evCollect  = "collect"
	evDispatch = "dispatch"
	evRelease  = "release"
)

var (
	// ErrClosed is returned by Submit once the scheduler has shut down.
	ErrClosed = errors.New("batch: scheduler closed")

	// ErrShutdown resolves items that were still queued or being collected
	// when the scheduler stopped.
	ErrShutdown = errors.New("batch: scheduler shut down before dispatch")

	// ErrBatchFailed resolves every item of a batch whose inference call
	// failed.
	ErrBatchFailed = errors.New("batch: inference failed")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("batch: scheduler already running")
)

// InferFunc transcribes a batch of audio files. It must return exactly one
// output per path, in the same order.
type InferFunc func(ctx context.Context, paths []string) ([]string, error)

// Payload is the audio of one work item. Exactly one of Path or Data is set.
type Payload struct {
	// Path references an audio file readable by the inference function.
	Path string

	// Data is raw 16 kHz mono 16-bit PCM. It is written to a temporary WAV
	// file owned by the scheduler.
	Data []byte

	// Owned hands the file at Path to the scheduler, which removes it after
	// dispatch.
	Owned bool
}

type item struct {
	id       uuid.UUID
	path     string
	owned    bool
	enqueued time.Time
}

// ItemReport describes one item of a dispatched batch.
type ItemReport struct {
	ID     uuid.UUID
	Path   string
	Waited time.Duration
	Text   string
}

// BatchReport is passed to the [WithOnBatch] hook after every dispatch.
type BatchReport struct {
	Seq   uint64
	Items []ItemReport
	Took  time.Duration
	Err   error
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithWindow sets the collection window.
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) { s.window.Store(int64(d)) }
}

// WithMaxBatch sets the maximum number of items per batch.
func WithMaxBatch(n int) Option {
	return func(s *Scheduler) { s.maxBatch.Store(int64(n)) }
}

// WithQueueSize sets the capacity of the submission queue.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) { s.queueSize = n }
}

// WithWorkers sets the number of concurrent dispatch workers. With one worker
// batches are dispatched strictly in order.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithDispatchTimeout bounds each inference call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.dispatchTimeout = d }
}

// WithResultTTL sets how long an untaken result is kept. Non-positive values
// keep the default.
func WithResultTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resultTTL = d
		}
	}
}

// WithMaterializer sets how in-memory payloads are written to disk.
func WithMaterializer(m segment.Materializer) Option {
	return func(s *Scheduler) { s.materializer = m }
}

// WithMetrics records queue and batch metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithOnBatch registers fn to be called after each batch's results are
// published. fn runs on the dispatch worker and should not block for long.
func WithOnBatch(fn func(BatchReport)) Option {
	return func(s *Scheduler) { s.onBatch = fn }
}

// Scheduler is the micro-batch scheduler. Submit, Await, State and SetLimits
// are safe for concurrent use; Run must be called once.
type Scheduler struct {
	infer   InferFunc
	results *Results
	queue   chan *item
	state   *fsm.FSM

	window          atomic.Int64
	maxBatch        atomic.Int64
	queueSize       int
	workers         int
	dispatchTimeout time.Duration
	resultTTL       time.Duration
	materializer    segment.Materializer
	metrics         *observe.Metrics
	onBatch         func(BatchReport)

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	running atomic.Bool
	stopped chan struct{}
	seq     atomic.Uint64

	inflight atomic.Int64 // batches handed to a worker and not yet published
}

// New creates a Scheduler that dispatches batches to infer.
func New(infer InferFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		infer:           infer,
		results:         NewResults(),
		queueSize:       DefaultQueueSize,
		workers:         DefaultWorkers,
		dispatchTimeout: DefaultDispatchTimeout,
		resultTTL:       DefaultResultTTL,
		materializer:    segment.TempWAV{},
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	s.window.Store(int64(DefaultWindow))
	s.maxBatch.Store(DefaultMaxBatch)
	for _, o := range opts {
		o(s)
	}
	if s.queueSize <= 0 {
		s.queueSize = DefaultQueueSize
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.maxBatch.Load() <= 0 {
		s.maxBatch.Store(DefaultMaxBatch)
	}
	if s.window.Load() <= 0 {
		s.window.Store(int64(DefaultWindow))
	}
	s.queue = make(chan *item, s.queueSize)
	s.state = fsm.NewFSM(StateIdle, fsm.Events{
		{Name: evCollect, Src: []string{StateIdle}, Dst: StateCollecting},
		{Name: evDispatch, Src: []string{StateCollecting}, Dst: StateDispatching},
		{Name: evRelease, Src: []string{StateCollecting, StateDispatching}, Dst: StateIdle},
	}, fsm.Callbacks{})
	return s
}

// Results returns the scheduler's result channel.
func (s *Scheduler) Results() *Results { return s.results }

// State returns the current lifecycle state. It is [StateDispatching] from the
// moment a batch is handed off until its results are published, unless the
// loop is already collecting the next batch.
func (s *Scheduler) State() string {
	st := s.state.Current()
	if st == StateIdle && s.inflight.Load() > 0 {
		return StateDispatching
	}
	return st
}

// InFlight returns the number of batches whose inference has not finished.
func (s *Scheduler) InFlight() int { return int(s.inflight.Load()) }

// Limits returns the current collection window and maximum batch size.
func (s *Scheduler) Limits() (time.Duration, int) {
	return time.Duration(s.window.Load()), int(s.maxBatch.Load())
}

// SetLimits changes the collection window and maximum batch size. Non-positive
// values leave the current setting unchanged. The next batch picks them up.
func (s *Scheduler) SetLimits(window time.Duration, maxBatch int) {
	if window > 0 {
		s.window.Store(int64(window))
	}
	if maxBatch > 0 {
		s.maxBatch.Store(int64(maxBatch))
	}
}

// QueueLen returns the number of items waiting for collection.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// Running reports whether Run is active and has not shut down.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running.Load() && !s.closed
}

// Submit enqueues p and returns the id under which its result will be
// published. It blocks while the queue is full until ctx is done.
func (s *Scheduler) Submit(ctx context.Context, p Payload) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return uuid.Nil, ErrClosed
	}

	it := &item{id: uuid.New(), path: p.Path, owned: p.Owned}
	if p.Data != nil {
		path, err := s.materializer.Materialize(p.Data)
		if err != nil {
			return uuid.Nil, fmt.Errorf("batch: materialize payload: %w", err)
		}
		it.path = path
		it.owned = true
	}
	if it.path == "" {
		return uuid.Nil, errors.New("batch: empty payload")
	}
	it.enqueued = time.Now()

	select {
	case s.queue <- it:
	case <-ctx.Done():
		s.discard(it, p)
		return uuid.Nil, ctx.Err()
	case <-s.done:
		s.discard(it, p)
		return uuid.Nil, ErrClosed
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	return it.id, nil
}

// Await blocks until the result for id is available and returns its text.
// A failed item returns its error. Each id can be awaited successfully once.
func (s *Scheduler) Await(ctx context.Context, id uuid.UUID) (string, error) {
	res, err := s.results.Await(ctx, id)
	if err != nil {
		return "", err
	}
	return res.Text, res.Err
}

// Run collects and dispatches batches until ctx is done. On return every
// item that was queued or being collected has been resolved with
// [ErrShutdown], and in-flight batches have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)

	window, maxBatch := s.Limits()
	slog.Info("batch: scheduler started",
		"window", window,
		"max_batch", maxBatch,
		"workers", s.workers,
		"queue_size", s.queueSize,
	)

	batches := make(chan []*item)
	var wg sync.WaitGroup
	for range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range batches {
				s.dispatch(ctx, b)
				s.inflight.Add(-1)
			}
		}()
	}

	sweep := time.NewTicker(max(s.resultTTL/2, time.Second))
	defer sweep.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				if n := s.results.Sweep(s.resultTTL); n > 0 {
					slog.Warn("batch: dropped results nobody collected", "count", n, "ttl", s.resultTTL)
				}
			}
		}
	}()

loop:
	for {
		b, err := s.collect(ctx)
		if err != nil {
			s.fail(b, ErrShutdown)
			break
		}
		s.transition(evDispatch)
		s.inflight.Add(1)
		select {
		case batches <- b:
			s.transition(evRelease)
		case <-ctx.Done():
			s.inflight.Add(-1)
			s.fail(b, ErrShutdown)
			break loop
		}
	}

	s.shutdown()
	close(batches)
	wg.Wait()
	if s.state.Current() != StateIdle {
		s.transition(evRelease)
	}
	slog.Info("batch: scheduler stopped")
	return nil
}

// Stopped is closed after Run has returned.
func (s *Scheduler) Stopped() <-chan struct{} { return s.stopped }

// collect blocks for the first item and then gathers more until the batch is
// full or the window elapses. It returns ctx.Err() together with whatever was
// gathered when ctx ends first.
func (s *Scheduler) collect(ctx context.Context) ([]*item, error) {
	var first *item
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first = <-s.queue:
	}
	s.transition(evCollect)

	window, maxBatch := s.Limits()
	b := make([]*item, 1, maxBatch)
	b[0] = first

	timer := time.NewTimer(window)
	defer timer.Stop()
	for len(b) < maxBatch {
		select {
		case it := <-s.queue:
			b = append(b, it)
		case <-timer.C:
			return s.collected(ctx, b), nil
		case <-ctx.Done():
			return s.collected(ctx, b), ctx.Err()
		}
	}
	return s.collected(ctx, b), nil
}

func (s *Scheduler) collected(ctx context.Context, b []*item) []*item {
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, -int64(len(b)))
	}
	return b
}

// dispatch runs one inference call and publishes its results.
func (s *Scheduler) dispatch(parent context.Context, b []*item) {
	seq := s.seq.Add(1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.dispatchTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "batch.dispatch",
		trace.WithAttributes(
			attribute.Int("batch.size", len(b)),
			attribute.Int64("batch.seq", int64(seq)),
		),
	)

	start := time.Now()
	paths := make([]string, len(b))
	for i, it := range b {
		paths[i] = it.path
	}
	texts, err := s.safeInfer(ctx, paths)
	if err == nil && len(texts) != len(b) {
		err = fmt.Errorf("got %d outputs for %d inputs", len(texts), len(b))
	}
	took := time.Since(start)
	observe.EndSpan(span, err)

	res := make(map[uuid.UUID]Result, len(b))
	report := BatchReport{Seq: seq, Items: make([]ItemReport, len(b)), Took: took}
	for i, it := range b {
		report.Items[i] = ItemReport{ID: it.id, Path: it.path, Waited: start.Sub(it.enqueued)}
		if err != nil {
			res[it.id] = Result{Err: fmt.Errorf("%w: %w", ErrBatchFailed, err)}
			continue
		}
		res[it.id] = Result{Text: texts[i]}
		report.Items[i].Text = texts[i]
	}
	if err != nil {
		report.Err = err
		observe.Logger(ctx).Error("batch: inference failed", "seq", seq, "batch_size", len(b), "err", err)
	} else {
		observe.Logger(ctx).Debug("batch: dispatched", "seq", seq, "batch_size", len(b), "took", took)
	}
	for _, it := range b {
		s.release(it)
	}
	s.results.PublishAll(res)

	if s.metrics != nil {
		s.metrics.RecordBatch(ctx, len(b), took, err != nil)
		for _, ir := range report.Items {
			s.metrics.QueueWait.Record(ctx, ir.Waited.Seconds())
		}
	}
	if s.onBatch != nil {
		s.onBatch(report)
	}
}

func (s *Scheduler) safeInfer(ctx context.Context, paths []string) (texts []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference panicked: %v", r)
		}
	}()
	return s.infer(ctx, paths)
}

// fail resolves every item in b with cause and releases its file.
func (s *Scheduler) fail(b []*item, cause error) {
	if len(b) == 0 {
		return
	}
	res := make(map[uuid.UUID]Result, len(b))
	for _, it := range b {
		res[it.id] = Result{Err: cause}
		s.release(it)
	}
	s.results.PublishAll(res)
	if s.metrics != nil {
		s.metrics.ItemsFailed.Add(context.Background(), int64(len(b)),
			metric.WithAttributes(observe.Attr("cause", "shutdown")))
	}
	slog.Warn("batch: resolved undispatched items", "count", len(b), "err", cause)
}

// shutdown rejects new submissions and fails everything still queued.
func (s *Scheduler) shutdown() {
	close(s.done)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var rest []*item
	for {
		select {
		case it := <-s.queue:
			rest = append(rest, it)
		default:
			if s.metrics != nil && len(rest) > 0 {
				s.metrics.QueueDepth.Add(context.Background(), -int64(len(rest)))
			}
			s.fail(rest, ErrShutdown)
			return
		}
	}
}

// discard undoes a rejected Submit. Caller-provided files stay with the
// caller.
func (s *Scheduler) discard(it *item, p Payload) {
	if p.Data != nil {
		segment.Remove(it.path)
	}
}

func (s *Scheduler) release(it *item) {
	if it.owned {
		segment.Remove(it.path)
	}
}

func (s *Scheduler) transition(ev string) {
	if err := s.state.Event(context.Background(), ev); err != nil {
		var noop fsm.NoTransitionError
		if !errors.As(err, &noop) {
			slog.Debug("batch: state transition rejected", "event", ev, "state", s.state.Current(), "err", err)
		}
	}
}
