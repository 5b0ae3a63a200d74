// Package vad defines the contracts for Voice Activity Detection backends.
//
// Two shapes of detector are supported:
//
//   - Engine / SessionHandle: a per-frame speech probability classifier. A
//     session owns the model's recurrent state for exactly one audio stream and
//     is wrapped by the hysteresis state machine in internal/segment.
//   - SpanDetector: a whole-file detector that returns speech spans for a
//     finite buffer of samples in one call. Used by the offline chunker's
//     timestamp strategy.
//
// Engines must be safe for concurrent use across sessions. A SessionHandle has
// a single owner and is not safe for concurrent use.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. The segmenter always uses 16000.
	SampleRate int

	// FrameSamples is the number of samples per frame. ProcessFrame returns an
	// error if the supplied frame does not hold exactly this many samples.
	FrameSamples int
}

// FrameBytes returns the size in bytes of one 16-bit mono frame.
func (c Config) FrameBytes() int { return c.FrameSamples * 2 }

// SessionHandle classifies frames of a single audio stream.
type SessionHandle interface {
	// ProcessFrame returns the probability in [0, 1] that frame contains speech.
	// The frame is raw 16-bit little-endian mono PCM of exactly
	// Config.FrameSamples samples. Implementations may return values outside
	// [0, 1] or NaN on internal failure; callers treat those as silence.
	ProcessFrame(frame []byte) (float64, error)

	// Reset discards the recurrent model state without closing the session.
	Reset()

	// Close releases resources held by the session. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is unsupported by the backend.
	NewSession(cfg Config) (SessionHandle, error)
}

// SpanDetector finds speech spans in a complete buffer of 16 kHz mono samples.
type SpanDetector interface {
	// DetectSpans returns the speech spans in samples, ordered by start. An
	// empty result with a nil error means no speech was found.
	DetectSpans(samples []float32) ([]Span, error)
}
