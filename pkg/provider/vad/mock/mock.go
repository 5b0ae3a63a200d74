// Package mock has scripted stand-ins for the vad interfaces.
//
//	sess := &mock.Session{Script: []float64{0.9, 0.9, 0.1}}
//	det := segment.NewDetector(sess, cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// Engine hands out Session, or a fresh default [Session] when Session is
// nil, and remembers the config of every request.
type Engine struct {
	Session vad.SessionHandle
	Err     error // returned instead of a session when set

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs of all NewSession calls so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the probabilities returned by successive ProcessFrame calls.
	Script []float64

	// Default is returned after Script is exhausted.
	Default float64

	// Errs maps a zero-based call index to the error returned for that call.
	Errs map[int]error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	calls int
}

// ProcessFrame records the frame and returns the next scripted probability.
func (s *Session) ProcessFrame(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)

	i := s.calls
	s.calls++
	if err, ok := s.Errs[i]; ok {
		return 0, err
	}
	if i < len(s.Script) {
		return s.Script[i], nil
	}
	return s.Default, nil
}

// Reset increments ResetCallCount. The script position is not rewound.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns the number of ProcessFrame calls so far.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ vad.SessionHandle = (*Session)(nil)

// SpanDetector is a mock implementation of vad.SpanDetector.
type SpanDetector struct {
	mu sync.Mutex

	// Spans is returned by every DetectSpans call.
	Spans []vad.Span

	// Err, if non-nil, is returned by DetectSpans.
	Err error

	// Calls records the number of samples passed to each call.
	Calls []int
}

// DetectSpans records the call and returns Spans, Err.
func (d *SpanDetector) DetectSpans(samples []float32) ([]vad.Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, len(samples))
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]vad.Span, len(d.Spans))
	copy(out, d.Spans)
	return out, nil
}

var _ vad.SpanDetector = (*SpanDetector)(nil)
