package segment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// holdFrames is the capacity of the sub-frame holdback buffer, in frames.
const holdFrames = 4

// StreamerConfig configures a [Streamer].
type StreamerConfig struct {
	// Detector tunes the hysteresis rules.
	Detector DetectorConfig

	// MaxSpeechMs is the accumulator ceiling that forces a flush.
	// Defaults to [DefaultMaxSpeechMs].
	MaxSpeechMs int

	// SkipUnvoiced drops segments during which speech never started instead
	// of returning them.
	SkipUnvoiced bool

	// Materializer writes flushed buffers. Defaults to TempWAV{}.
	Materializer Materializer

	// OnFlush, if set, is called for every segment returned to the caller.
	OnFlush func(Segment)
}

// Streamer segments a pushed PCM stream. Every 32 ms frame is appended to the
// current segment regardless of its classification; a segment is flushed when
// the detector reports the end of speech or the accumulated time reaches the
// ceiling.
type Streamer struct {
	det    *Detector
	cfg    StreamerConfig
	hold   *ringbuffer.RingBuffer
	window []byte

	buf       []byte
	speechMs  int
	voiced    bool
	startedAt time.Time
	offset    int
	processed int
	dropped   int
}

// NewStreamer creates a Streamer that classifies frames with sess. The
// Streamer owns sess from then on and closes it in [Streamer.Close].
func NewStreamer(sess vad.SessionHandle, cfg StreamerConfig) *Streamer {
	if cfg.MaxSpeechMs <= 0 {
		cfg.MaxSpeechMs = DefaultMaxSpeechMs
	}
	if cfg.Materializer == nil {
		cfg.Materializer = TempWAV{}
	}
	return &Streamer{
		det:    NewDetector(sess, cfg.Detector),
		cfg:    cfg,
		hold:   ringbuffer.New(holdFrames * FrameBytes).SetBlocking(false),
		window: make([]byte, FrameBytes),
	}
}

// Feed appends pcm to the stream and returns the segments it completed, in
// order. Bytes that do not fill a whole frame are held back until a later
// Feed completes the frame.
func (s *Streamer) Feed(pcm []byte) ([]Segment, error) {
	var out []Segment
	for len(pcm) > 0 {
		n := min(len(pcm), s.hold.Free())
		if _, err := s.hold.Write(pcm[:n]); err != nil {
			return out, fmt.Errorf("segment: hold pcm: %w", err)
		}
		pcm = pcm[n:]

		for s.hold.Length() >= FrameBytes {
			if _, err := s.hold.Read(s.window); err != nil {
				return out, fmt.Errorf("segment: read frame: %w", err)
			}
			seg, ok, err := s.process(s.window)
			if err != nil {
				return out, err
			}
			if ok {
				out = append(out, seg)
			}
		}
	}
	return out, nil
}

func (s *Streamer) process(frame []byte) (Segment, bool, error) {
	b, crossed := s.det.Classify(frame)

	if len(s.buf) == 0 {
		s.startedAt = time.Now()
		s.offset = s.processed
	}
	s.buf = append(s.buf, frame...)
	s.processed += FrameSamples
	s.speechMs += FrameMs
	if s.det.Triggered() || crossed {
		s.voiced = true
	}

	switch {
	case crossed && b.Event == EventEnd:
		return s.flush(ReasonSilence)
	case s.speechMs >= s.cfg.MaxSpeechMs:
		slog.Info("segment: ceiling reached, forcing flush",
			"speech_ms", s.speechMs,
			"max_speech_ms", s.cfg.MaxSpeechMs,
		)
		return s.flush(ReasonCeiling)
	}
	return Segment{}, false, nil
}

// flush materializes the accumulator and resets it together with the
// detector. It reports ok=false when there was nothing to return.
func (s *Streamer) flush(reason Reason) (Segment, bool, error) {
	pcm := s.buf
	speechMs := s.speechMs
	voiced := s.voiced

	s.buf = nil
	s.speechMs = 0
	s.voiced = false
	s.det.Reset()

	if len(pcm) == 0 {
		return Segment{}, false, nil
	}
	if !voiced && s.cfg.SkipUnvoiced {
		s.dropped++
		slog.Debug("segment: dropping unvoiced segment", "ms", speechMs, "reason", reason)
		return Segment{}, false, nil
	}

	path, err := s.cfg.Materializer.Materialize(pcm)
	if err != nil {
		return Segment{}, false, err
	}
	seg := Segment{
		Path:      path,
		Offset:    samplesToDuration(s.offset),
		Duration:  samplesToDuration(len(pcm) / 2),
		SpeechMs:  speechMs,
		StartedAt: s.startedAt,
		Reason:    reason,
		Voiced:    voiced,
	}
	if s.cfg.OnFlush != nil {
		s.cfg.OnFlush(seg)
	}
	return seg, true, nil
}

// Close ends the stream. A held-back partial frame is discarded; anything
// accumulated is flushed with [ReasonEOS]. The classifier session is closed.
func (s *Streamer) Close() ([]Segment, error) {
	if n := s.hold.Length(); n > 0 {
		slog.Debug("segment: discarding partial frame at end of stream", "bytes", n)
		s.hold.Reset()
	}
	seg, ok, err := s.flush(ReasonEOS)
	if cerr := s.det.Close(); cerr != nil {
		slog.Warn("segment: close classifier session", "err", cerr)
	}
	if err != nil || !ok {
		return nil, err
	}
	return []Segment{seg}, nil
}

// SpeechMs returns the accumulator of the segment in progress.
func (s *Streamer) SpeechMs() int { return s.speechMs }

// Dropped returns how many unvoiced segments were discarded.
func (s *Streamer) Dropped() int { return s.dropped }

// ClassifierErrors returns how many frames were degraded to silence.
func (s *Streamer) ClassifierErrors() int { return s.det.Errors() }
