// Package energy provides a model-free VAD engine that scores frames by their
// root-mean-square energy.
//
// The RMS of a frame is mapped to a pseudo-probability with
//
//	p = rms / (rms + floor)
//
// so that a frame at the noise floor scores 0.5, digital silence scores 0 and
// loud speech approaches 1. With the default floor of 300 (16-bit units) and a
// speech threshold of 0.6, a frame needs an RMS of at least 450 to count as
// speech.
//
// The engine keeps no recurrent state, so Reset is a no-op. It is the default
// engine when no model-backed classifier is configured.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// DefaultFloor is the RMS level (16-bit PCM units) that maps to probability 0.5.
const DefaultFloor = 300.0

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithFloor overrides the RMS noise floor. Non-positive values are ignored.
func WithFloor(floor float64) Option {
	return func(e *Engine) {
		if floor > 0 {
			e.floor = floor
		}
	}
}

// Engine implements vad.Engine using frame energy.
type Engine struct {
	floor float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{floor: DefaultFloor}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession returns a session for frames of cfg.FrameSamples samples.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", cfg.FrameSamples)
	}
	return &session{floor: e.floor, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	floor      float64
	frameBytes int
}

func (s *session) ProcessFrame(frame []byte) (float64, error) {
	if len(frame) != s.frameBytes {
		return 0, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	rms := RMS(frame)
	return rms / (rms + s.floor), nil
}

func (s *session) Reset() {}

func (s *session) Close() error { return nil }

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in sample units (0–32 767). Returns 0 for buffers shorter than
// one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
