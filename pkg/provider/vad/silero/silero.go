// Package silero provides a whole-file speech span detector backed by the
// Silero VAD ONNX model through github.com/streamer45/silero-vad-go.
//
// The ONNX runtime shared library must be discoverable at run time (see the
// silero-vad-go documentation). The model file is loaded once in New.
package silero

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

const (
	defaultSampleRate   = 16000
	defaultThreshold    = 0.6
	defaultMinSilenceMs = 300
	defaultSpeechPadMs  = 120
)

// Option is a functional option for configuring a Detector.
type Option func(*speech.DetectorConfig)

// WithThreshold sets the speech probability threshold. Defaults to 0.6.
func WithThreshold(t float64) Option {
	return func(c *speech.DetectorConfig) { c.Threshold = float32(t) }
}

// WithMinSilenceMs sets the trailing silence required to close a span.
// Defaults to 300 ms.
func WithMinSilenceMs(ms int) Option {
	return func(c *speech.DetectorConfig) { c.MinSilenceDurationMs = ms }
}

// WithSpeechPadMs sets the padding added on both sides of a span.
// Defaults to 120 ms.
func WithSpeechPadMs(ms int) Option {
	return func(c *speech.DetectorConfig) { c.SpeechPadMs = ms }
}

// Detector implements vad.SpanDetector. The underlying model session is not
// reentrant, so calls are serialised.
type Detector struct {
	mu         sync.Mutex
	det        *speech.Detector
	sampleRate int
}

var _ vad.SpanDetector = (*Detector)(nil)

// New loads the Silero model at modelPath.
func New(modelPath string, opts ...Option) (*Detector, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	cfg := speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           defaultSampleRate,
		Threshold:            defaultThreshold,
		MinSilenceDurationMs: defaultMinSilenceMs,
		SpeechPadMs:          defaultSpeechPadMs,
	}
	for _, o := range opts {
		o(&cfg)
	}
	det, err := speech.NewDetector(cfg)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	return &Detector{det: det, sampleRate: cfg.SampleRate}, nil
}

// DetectSpans runs the model over samples and converts the reported segments
// (in seconds) to sample offsets. A span still open at the end of the input
// is closed at len(samples).
func (d *Detector) DetectSpans(samples []float32) ([]vad.Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.det.Reset(); err != nil {
		return nil, fmt.Errorf("silero: reset: %w", err)
	}
	segs, err := d.det.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}
	return toSpans(segs, d.sampleRate, len(samples)), nil
}

// Close releases the model session.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.det == nil {
		return nil
	}
	err := d.det.Destroy()
	d.det = nil
	return err
}

func toSpans(segs []speech.Segment, sampleRate, total int) []vad.Span {
	spans := make([]vad.Span, 0, len(segs))
	for _, s := range segs {
		start := clamp(int(s.SpeechStartAt*float64(sampleRate)), 0, total)
		end := total
		if s.SpeechEndAt > s.SpeechStartAt {
			end = clamp(int(s.SpeechEndAt*float64(sampleRate)), start, total)
		}
		if end > start {
			spans = append(spans, vad.Span{Start: start, End: end})
		}
	}
	return spans
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
