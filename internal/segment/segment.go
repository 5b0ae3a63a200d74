// Package segment turns audio into speech-bounded segments ready for batched
// inference.
//
// A [Detector] layers hysteresis over a per-frame speech classifier and emits
// start/end boundaries. A [Streamer] consumes pushed PCM of a live stream and
// flushes a segment whenever speech ends or the accumulated audio reaches a
// hard ceiling. A [Chunker] cuts a finite WAV file into long chunks, either in
// fixed stripes through the same streaming rules or by grouping whole-file
// speech spans.
//
// All PCM is 16 kHz mono 16-bit little-endian; frames are 512 samples (32 ms).
// Every type in this package has a single owner and is not safe for concurrent
// use.
package segment

import (
	"time"
)

// Frame geometry.
const (
	SampleRate   = 16000
	FrameSamples = 512
	FrameBytes   = FrameSamples * 2
	FrameMs      = FrameSamples * 1000 / SampleRate
)

// Streaming defaults.
const (
	DefaultThreshold    = 0.60
	DefaultMinSilenceMs = 250
	DefaultSpeechPadMs  = 120
	DefaultMaxSpeechMs  = 8000
)

// Offline defaults.
const (
	DefaultTargetSec           = 60
	DefaultMaxSec              = 70
	DefaultOfflineMinSilenceMs = 300
	DefaultStripeSec           = 2
)

// Reason says why a segment was flushed.
type Reason string

const (
	// ReasonSilence is a flush on a detected end of speech.
	ReasonSilence Reason = "silence"

	// ReasonCeiling is a forced flush at the duration ceiling.
	ReasonCeiling Reason = "ceiling"

	// ReasonEOS is the final flush of a closed stream or finished file.
	ReasonEOS Reason = "eos"
)

// Segment is a flushed, materialized span of audio.
type Segment struct {
	// Path is the WAV file holding the segment. The receiver owns it and must
	// remove it when done.
	Path string

	// Offset is the position of the first sample relative to the start of the
	// stream or file.
	Offset time.Duration

	// Duration is the playback length of the segment.
	Duration time.Duration

	// SpeechMs is the accumulator value at flush time.
	SpeechMs int

	// StartedAt is the wall-clock time the first frame was appended.
	StartedAt time.Time

	// Reason is the flush trigger.
	Reason Reason

	// Voiced reports whether the detector triggered at least once while the
	// segment accumulated.
	Voiced bool
}

// End returns Offset + Duration.
func (s Segment) End() time.Duration { return s.Offset + s.Duration }

func samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
