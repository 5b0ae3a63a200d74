// Package server exposes the segmenter and the batch scheduler over HTTP.
//
// Routes:
//
//	POST /transcribe, POST /audio/transcriptions  multipart upload, offline chunking
//	GET  /ws                                      live PCM or Opus stream
//	GET  /debug/cfg                               effective segmentation and batch settings
//	GET  /transcripts                             recent history (when a store is configured)
//	GET  /healthz, /readyz, /metrics              probes and scrape endpoint
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/batchscribe/internal/batch"
	"github.com/MrWong99/batchscribe/internal/health"
	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/internal/segment"
	"github.com/MrWong99/batchscribe/internal/transcode"
	"github.com/MrWong99/batchscribe/pkg/history"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// DefaultMaxUpload is the request body limit when none is configured.
const DefaultMaxUpload = 512 << 20

// Scheduler is the part of [batch.Scheduler] the transport needs.
type Scheduler interface {
	Submit(ctx context.Context, p batch.Payload) (uuid.UUID, error)
	Await(ctx context.Context, id uuid.UUID) (string, error)
	Results() *batch.Results
	Limits() (time.Duration, int)
	State() string
}

var _ Scheduler = (*batch.Scheduler)(nil)

// Settings are the segmentation parameters read at the start of every
// request or stream.
type Settings struct {
	Streamer segment.StreamerConfig
	Chunker  segment.ChunkerConfig
}

// Option configures a [Server].
type Option func(*Server)

// WithSettings sets the source of segmentation settings. fn is called once per
// request so reloaded values apply to new requests.
func WithSettings(fn func() Settings) Option {
	return func(s *Server) { s.settings = fn }
}

// WithSpanDetector sets the whole-file detector for the timestamps strategy.
func WithSpanDetector(d vad.SpanDetector) Option {
	return func(s *Server) { s.spans = d }
}

// WithConverter sets the upload converter.
func WithConverter(c *transcode.Converter) Option {
	return func(s *Server) { s.conv = c }
}

// WithHistory enables GET /transcripts backed by store.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithMetrics records request and segment metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts the probe handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts the scrape handler at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.scrape = h
	}
}

// WithMaxUpload limits request bodies to n bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// WithTempDir sets where uploads and segments are written.
func WithTempDir(dir string) Option {
	return func(s *Server) { s.tempDir = dir }
}

// Server is the HTTP and WebSocket front end. It is safe for concurrent use.
type Server struct {
	sched    Scheduler
	engine   vad.Engine
	spans    vad.SpanDetector
	conv     *transcode.Converter
	settings func() Settings
	history  history.Store
	metrics  *observe.Metrics
	health   *health.Handler

	scrape      http.Handler
	metricsPath string
	maxUpload   int64
	tempDir     string
}

// New creates a Server that submits segments to sched and classifies frames
// with engine. A nil engine disables voice detection: uploads are cut into
// fixed slices and /ws is unavailable.
func New(sched Scheduler, engine vad.Engine, opts ...Option) *Server {
	s := &Server{
		sched:     sched,
		engine:    engine,
		maxUpload: DefaultMaxUpload,
	}
	for _, o := range opts {
		o(s)
	}
	if s.settings == nil {
		s.settings = func() Settings { return Settings{} }
	}
	if s.conv == nil {
		s.conv = transcode.New("", transcode.WithTempDir(s.tempDir))
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUpload
	}
	return s
}

// Handler returns the routed handler wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /audio/transcriptions", s.handleTranscribe)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /debug/cfg", s.handleDebugCfg)
	if s.history != nil {
		mux.HandleFunc("GET /transcripts", s.handleTranscripts)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.scrape != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.scrape)
	}
	return observe.Middleware(s.metrics)(mux)
}

type debugConfig struct {
	Streaming streamingConfig `json:"streaming"`
	Offline   offlineConfig   `json:"offline"`
	Batch     batchConfig     `json:"batch"`
	VAD       bool            `json:"vad"`
	SpanVAD   bool            `json:"span_vad"`
}

type streamingConfig struct {
	Threshold    float64 `json:"threshold"`
	MinSilenceMs int     `json:"min_silence_ms"`
	SpeechPadMs  int     `json:"speech_pad_ms"`
	MaxSpeechMs  int     `json:"max_speech_ms"`
	SkipUnvoiced bool    `json:"skip_unvoiced"`
}

type offlineConfig struct {
	Strategy     string  `json:"strategy"`
	Threshold    float64 `json:"threshold"`
	MinSilenceMs int     `json:"min_silence_ms"`
	TargetSec    int     `json:"target_sec"`
	MaxSec       int     `json:"max_sec"`
	StripeSec    int     `json:"stripe_sec"`
}

type batchConfig struct {
	WindowMs int    `json:"window_ms"`
	MaxBatch int    `json:"max_batch"`
	State    string `json:"state"`
}

func (s *Server) handleDebugCfg(w http.ResponseWriter, _ *http.Request) {
	st := s.settings()
	ch := segment.NewChunker(nil, st.Chunker).Config()
	window, maxBatch := s.sched.Limits()
	writeJSON(w, http.StatusOK, debugConfig{
		Streaming: streamingConfig{
			Threshold:    st.Streamer.Detector.Threshold,
			MinSilenceMs: st.Streamer.Detector.MinSilenceMs,
			SpeechPadMs:  st.Streamer.Detector.SpeechPadMs,
			MaxSpeechMs:  st.Streamer.MaxSpeechMs,
			SkipUnvoiced: st.Streamer.SkipUnvoiced,
		},
		Offline: offlineConfig{
			Strategy:     string(ch.Strategy),
			Threshold:    ch.Detector.Threshold,
			MinSilenceMs: ch.Detector.MinSilenceMs,
			TargetSec:    ch.TargetSec,
			MaxSec:       ch.MaxSec,
			StripeSec:    ch.StripeSec,
		},
		Batch: batchConfig{
			WindowMs: int(window / time.Millisecond),
			MaxBatch: maxBatch,
			State:    s.sched.State(),
		},
		VAD:     s.engine != nil,
		SpanVAD: s.spans != nil,
	})
}

type transcriptEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	BatchSeq  uint64    `json:"batch_seq"`
	QueueWait float64   `json:"queue_wait_ms"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	q := history.Query{Contains: r.URL.Query().Get("q")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := parsePositive(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an RFC 3339 timestamp")
			return
		}
		q.After = t
	}

	entries, err := s.history.Recent(r.Context(), q)
	if err != nil {
		observe.Logger(r.Context()).Error("server: list transcripts", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	out := make([]transcriptEntry, len(entries))
	for i, e := range entries {
		out[i] = transcriptEntry{
			ID:        e.ID.String(),
			Text:      e.Text,
			BatchSeq:  e.BatchSeq,
			QueueWait: float64(e.QueueWait) / float64(time.Millisecond),
			CreatedAt: e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": out})
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transcode.ErrUnsupportedFormat), errors.Is(err, segment.ErrUnexpectedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, batch.ErrClosed), errors.Is(err, batch.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, batch.ErrBatchFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
