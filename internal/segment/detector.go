package segment

import (
	"log/slog"
	"math"

	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// Event is a speech boundary emitted by the [Detector].
type Event int

const (
	// EventNone means the frame did not cross a boundary.
	EventNone Event = iota

	// EventStart marks the beginning of a speech region.
	EventStart

	// EventEnd marks the end of a speech region after sustained silence.
	EventEnd
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	default:
		return "none"
	}
}

// hysteresisBand is the gap between the speech threshold and the level a frame
// must fall below to open a silence run.
const hysteresisBand = 0.15

// DetectorConfig tunes the hysteresis layered over the frame classifier.
type DetectorConfig struct {
	// Threshold is the speech probability at or above which a frame is speech.
	Threshold float64

	// MinSilenceMs is the trailing silence needed before EventEnd.
	MinSilenceMs int

	// SpeechPadMs is reported around boundaries in the event positions.
	SpeechPadMs int
}

// Boundary is an event together with its padded sample position.
type Boundary struct {
	Event Event

	// Sample is the padded boundary position, counted from the last Reset.
	Sample int
}

// Detector is the per-stream voice activity state machine. It owns one
// classifier session and must not be shared across streams.
type Detector struct {
	sess   vad.SessionHandle
	cfg    DetectorConfig
	negThr float64

	triggered    bool
	speechRunMs  int
	silenceRunMs int
	silenceStart int
	pos          int

	// errors counts classifier failures since construction.
	errors int
}

// NewDetector wraps sess with the hysteresis rules in cfg. Zero fields in cfg
// take the streaming defaults.
func NewDetector(sess vad.SessionHandle, cfg DetectorConfig) *Detector {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = DefaultMinSilenceMs
	}
	if cfg.SpeechPadMs < 0 {
		cfg.SpeechPadMs = 0
	}
	return &Detector{
		sess:   sess,
		cfg:    cfg,
		negThr: max(cfg.Threshold-hysteresisBand, 0.01),
	}
}

// Classify runs one frame through the classifier and returns the boundary it
// produced, if any. frame must hold exactly [FrameSamples] samples.
func (d *Detector) Classify(frame []byte) (Boundary, bool) {
	p, err := d.sess.ProcessFrame(frame)
	if err != nil {
		d.errors++
		slog.Debug("segment: classifier failed, treating frame as silence", "err", err)
		p = 0
	} else if math.IsNaN(p) || p < 0 || p > 1 {
		d.errors++
		slog.Debug("segment: classifier returned invalid probability, treating frame as silence", "p", p)
		p = 0
	}

	d.pos += FrameSamples
	padSamples := d.cfg.SpeechPadMs * SampleRate / 1000

	if p >= d.cfg.Threshold {
		d.silenceRunMs = 0
		d.speechRunMs += FrameMs
		if !d.triggered {
			d.triggered = true
			start := max(0, d.pos-padSamples-FrameSamples)
			return Boundary{Event: EventStart, Sample: start}, true
		}
		return Boundary{}, false
	}

	if !d.triggered {
		return Boundary{}, false
	}
	if p >= d.negThr && d.silenceRunMs == 0 {
		// Inside the hysteresis band with no silence run open: still speech.
		d.speechRunMs += FrameMs
		return Boundary{}, false
	}

	if d.silenceRunMs == 0 {
		d.silenceStart = d.pos - FrameSamples
	}
	d.silenceRunMs += FrameMs
	if d.silenceRunMs < d.cfg.MinSilenceMs {
		return Boundary{}, false
	}

	end := min(d.pos, d.silenceStart+padSamples)
	d.triggered = false
	d.speechRunMs = 0
	d.silenceRunMs = 0
	return Boundary{Event: EventEnd, Sample: end}, true
}

// Reset clears the run counters, the trigger flag, the sample position and the
// classifier's recurrent state.
func (d *Detector) Reset() {
	d.triggered = false
	d.speechRunMs = 0
	d.silenceRunMs = 0
	d.silenceStart = 0
	d.pos = 0
	d.sess.Reset()
}

// Triggered reports whether the detector is inside a speech region.
func (d *Detector) Triggered() bool { return d.triggered }

// SpeechRunMs is the speech time accumulated in the current region.
func (d *Detector) SpeechRunMs() int { return d.speechRunMs }

// SilenceRunMs is the length of the open trailing silence run.
func (d *Detector) SilenceRunMs() int { return d.silenceRunMs }

// Errors returns how many frames were degraded to silence because the
// classifier failed.
func (d *Detector) Errors() int { return d.errors }

// Close releases the classifier session.
func (d *Detector) Close() error { return d.sess.Close() }
