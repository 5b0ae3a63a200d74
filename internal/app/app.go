// Package app wires the batchscribe subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the scheduler until the context is
// cancelled, and Shutdown releases what New acquired.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/batchscribe/internal/batch"
	"github.com/MrWong99/batchscribe/internal/config"
	"github.com/MrWong99/batchscribe/internal/health"
	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/internal/resilience"
	"github.com/MrWong99/batchscribe/internal/segment"
	"github.com/MrWong99/batchscribe/internal/server"
	"github.com/MrWong99/batchscribe/internal/transcode"
	"github.com/MrWong99/batchscribe/pkg/history"
	"github.com/MrWong99/batchscribe/pkg/history/postgres"
	"github.com/MrWong99/batchscribe/pkg/provider/asr"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// NamedASR is a recognition backend with the name it was configured under.
type NamedASR struct {
	Name     string
	Provider asr.Provider
}

// Providers holds the instantiated backends. Populated by main.go via the
// config registry.
type Providers struct {
	// ASR lists the primary backend first, then the fallbacks in order. At
	// least one entry is required.
	ASR []NamedASR

	// VAD classifies frames for streaming and stripe chunking. Nil disables
	// voice detection.
	VAD vad.Engine

	// SpanVAD serves the timestamps chunking strategy. Optional.
	SpanVAD vad.SpanDetector
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	level     *slog.LevelVar

	metrics   *observe.Metrics
	telemetry *observe.Provider
	asr       *resilience.ASRFallback
	sched     *batch.Scheduler
	store     history.Store
	guard     *history.Guard
	recorder  *history.Recorder
	health    *health.Handler
	srv       *server.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once

	listening chan struct{}
	addr      atomic.Value // net.Addr
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a transcript store instead of connecting to
// PostgreSQL.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments and skips installing the global
// OpenTelemetry providers. No scrape endpoint is mounted.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || len(providers.ASR) == 0 {
		return nil, errors.New("app: at least one asr provider is required")
	}
	a := &App{
		providers: providers,
		listening: make(chan struct{}),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initHistory(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	a.initASR()
	a.initScheduler()
	a.initServer()

	slog.Info("app: initialised",
		"asr", strings.Join(a.asr.Names(), ","),
		"vad", providers.VAD != nil,
		"span_vad", providers.SpanVAD != nil,
		"history", a.guard != nil,
	)
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	cfg := a.cfg.Load()
	tp, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	m, err := observe.NewMetrics(tp.MeterProvider())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return err
	}
	a.telemetry = tp
	a.metrics = m
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	return nil
}

// initHistory connects the transcript store. Without a DSN or an injected
// store no history is kept.
func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Load().History.PostgresDSN
		if dsn == "" {
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	a.guard = history.NewGuard(a.store)
	a.recorder = history.NewRecorder(a.guard, 0)
	return nil
}

func (a *App) initASR() {
	primary := a.providers.ASR[0]
	a.asr = resilience.NewASRFallback(
		resilience.Instrument(primary.Name, primary.Provider, a.metrics), primary.Name, resilience.FallbackConfig{})
	for _, fb := range a.providers.ASR[1:] {
		a.asr.AddFallback(fb.Name, resilience.Instrument(fb.Name, fb.Provider, a.metrics))
	}
}

func (a *App) initScheduler() {
	cfg := a.cfg.Load()
	a.sched = batch.New(a.asr.Transcribe,
		batch.WithWindow(cfg.Batch.Window()),
		batch.WithMaxBatch(cfg.Batch.MaxBatch),
		batch.WithQueueSize(cfg.Batch.QueueSize),
		batch.WithWorkers(cfg.Batch.Workers),
		batch.WithDispatchTimeout(cfg.Batch.DispatchTimeout),
		batch.WithResultTTL(cfg.Batch.ResultTTL),
		batch.WithMaterializer(segment.TempWAV{Dir: cfg.Server.TempDir}),
		batch.WithMetrics(a.metrics),
		batch.WithOnBatch(a.recordBatch),
	)
}

// recordBatch hands the items of a successful batch to the history recorder.
func (a *App) recordBatch(r batch.BatchReport) {
	if a.recorder == nil || r.Err != nil {
		return
	}
	now := time.Now()
	entries := make([]history.Entry, len(r.Items))
	for i, it := range r.Items {
		entries[i] = history.Entry{
			ID:        it.ID,
			Text:      it.Text,
			BatchSeq:  r.Seq,
			QueueWait: it.Waited,
			CreatedAt: now,
		}
	}
	a.recorder.Enqueue(entries)
}

func (a *App) initServer() {
	cfg := a.cfg.Load()

	checkers := []health.Checker{
		health.FlagChecker("scheduler", a.sched.Running, "scheduler is not running"),
		health.FlagChecker("asr", a.asr.Available, "every asr backend has an open circuit"),
	}
	if a.guard != nil {
		checkers = append(checkers, health.PingChecker("history", a.guard))
	}
	a.health = health.New(checkers...).WithDetails(a.healthDetails)

	opts := []server.Option{
		server.WithSettings(a.settings),
		server.WithConverter(transcode.New(cfg.Server.FFmpegPath, transcode.WithTempDir(cfg.Server.TempDir))),
		server.WithMetrics(a.metrics),
		server.WithHealth(a.health),
		server.WithMaxUpload(int64(cfg.Server.MaxUploadMB) << 20),
		server.WithTempDir(cfg.Server.TempDir),
	}
	if a.providers.SpanVAD != nil {
		opts = append(opts, server.WithSpanDetector(a.providers.SpanVAD))
	}
	if a.guard != nil {
		opts = append(opts, server.WithHistory(a.guard))
	}
	if a.telemetry != nil {
		opts = append(opts, server.WithMetricsHandler(cfg.Telemetry.MetricsPath, a.telemetry.Handler()))
	}
	a.srv = server.New(a.sched, a.providers.VAD, opts...)
}

// settings returns the segmentation settings of the current config.
func (a *App) settings() server.Settings {
	cfg := a.cfg.Load()
	return server.Settings{
		Streamer: cfg.StreamerSettings(),
		Chunker:  cfg.ChunkerSettings(),
	}
}

func (a *App) healthDetails() map[string]string {
	status := "loaded"
	if !a.asr.Available() {
		status = "unavailable"
	}
	details := map[string]string{
		"model_status": status,
		"scheduler":    a.sched.State(),
		"in_flight":    strconv.Itoa(a.sched.InFlight()),
	}
	for name, st := range a.asr.States() {
		details["asr_"+name] = st.String()
	}
	if a.guard != nil && a.guard.IsDegraded() {
		details["history"] = "degraded"
	}
	return details
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Scheduler returns the batch scheduler.
func (a *App) Scheduler() *batch.Scheduler { return a.sched }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Addr returns the listening address once Run has bound the socket, or nil.
func (a *App) Addr() net.Addr {
	addr, _ := a.addr.Load().(net.Addr)
	return addr
}

// Listening is closed once Run has bound the socket.
func (a *App) Listening() <-chan struct{} { return a.listening }

// Run serves HTTP and drives the scheduler until ctx is cancelled. In-flight
// requests get a grace period; queued items are failed with
// [batch.ErrShutdown].
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()

	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", cfg.Server.ListenAddr, err)
	}
	a.addr.Store(lis.Addr())
	close(a.listening)

	httpSrv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sched.Run(gctx) })
	if a.recorder != nil {
		// Batches still in flight at shutdown report after gctx is done; keep
		// the recorder draining until the scheduler has stopped.
		rctx, stopRecorder := context.WithCancel(context.WithoutCancel(gctx))
		g.Go(func() error {
			<-a.sched.Stopped()
			stopRecorder()
			return nil
		})
		g.Go(func() error { return a.recorder.Run(rctx) })
	}
	g.Go(func() error {
		slog.Info("app: listening", "addr", lis.Addr().String(), "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ServeTLS(lis, tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.Serve(lis)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable part of a changed configuration.
// It is the callback for [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.BatchLimitsChanged {
		a.sched.SetLimits(d.NewBatch.Window(), d.NewBatch.MaxBatch)
		slog.Info("app: batch limits changed", "window_ms", d.NewBatch.WindowMs, "max_batch", d.NewBatch.MaxBatch)
	}
	if d.SegmenterChanged || d.ChunkerChanged {
		slog.Info("app: segmentation settings changed", "segmenter", d.SegmenterChanged, "chunker", d.ChunkerChanged)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
	a.cfg.Store(new)
}

// Shutdown releases the resources acquired by New. Call it after Run has
// returned. If ctx expires before all closers finish, the remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// close runs the closers collected so far after a failed New.
func (a *App) close() {
	for _, c := range a.closers {
		_ = c()
	}
}
