package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/batchscribe/pkg/audio"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// Strategy selects how a [Chunker] finds its cut points.
type Strategy string

const (
	// StrategyStripes decodes the file in short stripes and runs the streaming
	// rules over them. Memory use is bounded by the chunk ceiling.
	StrategyStripes Strategy = "stripes"

	// StrategyTimestamps detects speech spans over the whole file first and
	// groups them into chunks near the target length.
	StrategyTimestamps Strategy = "timestamps"
)

// ErrUnexpectedFormat is returned when the input is not 16 kHz mono.
var ErrUnexpectedFormat = errors.New("segment: input is not 16 kHz mono")

// ChunkerConfig configures a [Chunker]. Zero values take the offline defaults.
type ChunkerConfig struct {
	Strategy Strategy

	// Detector tunes the hysteresis rules. MinSilenceMs defaults to
	// [DefaultOfflineMinSilenceMs].
	Detector DetectorConfig

	TargetSec int
	MaxSec    int
	StripeSec int

	// Materializer writes chunks. Defaults to TempWAV{}.
	Materializer Materializer

	// Spans is the whole-file detector used by [StrategyTimestamps]. When nil
	// a [FrameSpans] over the chunker's engine is used.
	Spans vad.SpanDetector

	// OnFlush, if set, is called for every chunk returned.
	OnFlush func(Segment)
}

// Chunker cuts finite WAV files into long speech-bounded chunks.
type Chunker struct {
	engine vad.Engine
	cfg    ChunkerConfig
}

// NewChunker returns a Chunker classifying frames with engine. A nil engine
// (and no span detector) makes every Chunk call fall back to fixed-length
// slices.
func NewChunker(engine vad.Engine, cfg ChunkerConfig) *Chunker {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyStripes
	}
	if cfg.Detector.MinSilenceMs <= 0 {
		cfg.Detector.MinSilenceMs = DefaultOfflineMinSilenceMs
	}
	if cfg.TargetSec <= 0 {
		cfg.TargetSec = DefaultTargetSec
	}
	if cfg.MaxSec <= 0 {
		cfg.MaxSec = DefaultMaxSec
	}
	if cfg.MaxSec < cfg.TargetSec {
		cfg.MaxSec = cfg.TargetSec
	}
	if cfg.StripeSec <= 0 {
		cfg.StripeSec = DefaultStripeSec
	}
	if cfg.Materializer == nil {
		cfg.Materializer = TempWAV{}
	}
	return &Chunker{engine: engine, cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() ChunkerConfig { return c.cfg }

// Chunk splits the WAV stream in rs. The result is ordered by offset and may
// be empty when no speech was found; callers should then use the original
// audio unchanged. On error or cancellation every file already written is
// removed.
func (c *Chunker) Chunk(ctx context.Context, rs io.ReadSeeker) ([]Segment, error) {
	r, err := audio.NewWAVReader(rs)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	if r.Format() != audio.Target {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedFormat, r.Format())
	}

	switch {
	case c.engine == nil && (c.cfg.Strategy != StrategyTimestamps || c.cfg.Spans == nil):
		pcm, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("segment: %w", err)
		}
		slog.Debug("segment: no classifier configured, using fixed slices", "seconds", c.cfg.TargetSec)
		return SimpleTimeChunks(pcm, c.cfg.TargetSec, c.cfg.Materializer)
	case c.cfg.Strategy == StrategyTimestamps:
		return c.chunkTimestamps(ctx, r)
	default:
		return c.chunkStripes(ctx, r)
	}
}

func (c *Chunker) chunkStripes(ctx context.Context, r *audio.WAVReader) ([]Segment, error) {
	sess, err := c.engine.NewSession(vad.Config{SampleRate: SampleRate, FrameSamples: FrameSamples})
	if err != nil {
		return nil, fmt.Errorf("segment: open classifier session: %w", err)
	}
	st := NewStreamer(sess, StreamerConfig{
		Detector:     c.cfg.Detector,
		MaxSpeechMs:  c.cfg.MaxSec * 1000,
		SkipUnvoiced: true,
		Materializer: c.cfg.Materializer,
		OnFlush:      c.cfg.OnFlush,
	})

	var out []Segment
	fail := func(err error) ([]Segment, error) {
		tail, _ := st.Close()
		RemoveAll(out)
		RemoveAll(tail)
		return nil, err
	}

	stripe := c.cfg.StripeSec * SampleRate
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		pcm, err := r.Read(stripe)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("segment: %w", err))
		}
		segs, err := st.Feed(pcm)
		out = append(out, segs...)
		if err != nil {
			return fail(err)
		}
	}

	tail, err := st.Close()
	out = append(out, tail...)
	if err != nil {
		RemoveAll(out)
		return nil, err
	}
	if d := st.Dropped(); d > 0 {
		slog.Debug("segment: dropped unvoiced chunks", "count", d)
	}
	return out, nil
}

func (c *Chunker) chunkTimestamps(ctx context.Context, r *audio.WAVReader) ([]Segment, error) {
	pcm, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}

	var spans []vad.Span
	if c.cfg.Spans != nil {
		spans, err = c.cfg.Spans.DetectSpans(audio.PCMToFloat32(pcm))
	} else {
		spans, err = FrameSpans{Engine: c.engine, Detector: c.cfg.Detector}.SpansPCM(pcm)
	}
	if err != nil {
		return nil, fmt.Errorf("segment: detect spans: %w", err)
	}

	total := len(pcm) / 2
	cuts := GroupSpans(spans, total, c.cfg.TargetSec*SampleRate, c.cfg.MaxSec*SampleRate)

	var out []Segment
	for _, cut := range cuts {
		if err := ctx.Err(); err != nil {
			RemoveAll(out)
			return nil, err
		}
		chunk := pcm[cut.Start*2 : cut.End*2]
		path, err := c.cfg.Materializer.Materialize(chunk)
		if err != nil {
			RemoveAll(out)
			return nil, err
		}
		seg := Segment{
			Path:      path,
			Offset:    samplesToDuration(cut.Start),
			Duration:  samplesToDuration(cut.Len()),
			SpeechMs:  cut.Speech * 1000 / SampleRate,
			StartedAt: time.Now(),
			Reason:    cut.Reason,
			Voiced:    true,
		}
		if c.cfg.OnFlush != nil {
			c.cfg.OnFlush(seg)
		}
		out = append(out, seg)
	}
	return out, nil
}

// Cut is a region of a buffer selected by [GroupSpans], in samples.
type Cut struct {
	Start, End int

	// Speech is the number of detected speech samples inside the cut.
	Speech int

	// Reason is ReasonCeiling for pieces of a region that had to be split at
	// the maximum length, ReasonSilence otherwise.
	Reason Reason
}

// Len returns End - Start.
func (c Cut) Len() int { return c.End - c.Start }

// GroupSpans greedily merges consecutive speech spans into regions. A new
// region starts when adding the next span would push the accumulated speech
// past target, or stretch the region past limit, unless the region is still
// empty. A single region longer than limit is split at limit. Spans are clamped to
// [0, total); empty spans are ignored. All lengths are in samples.
func GroupSpans(spans []vad.Span, total, target, limit int) []Cut {
	var (
		cuts []Cut
		cur  Cut
		open bool
	)
	emit := func(c Cut) {
		for c.Len() > limit {
			cuts = append(cuts, Cut{Start: c.Start, End: c.Start + limit, Speech: min(c.Speech, limit), Reason: ReasonCeiling})
			c.Speech = max(0, c.Speech-limit)
			c.Start += limit
			c.Reason = ReasonCeiling
		}
		if c.Len() > 0 {
			cuts = append(cuts, c)
		}
	}

	for _, s := range spans {
		s.Start = max(0, s.Start)
		s.End = min(total, s.End)
		if s.End <= s.Start {
			continue
		}
		if open && (cur.Speech+s.Len() > target || s.End-cur.Start > limit) {
			emit(cur)
			open = false
		}
		if !open {
			cur = Cut{Start: s.Start, End: s.End, Speech: s.Len(), Reason: ReasonSilence}
			open = true
			continue
		}
		cur.End = s.End
		cur.Speech += s.Len()
	}
	if open {
		emit(cur)
	}
	return cuts
}

// SimpleTimeChunks slices pcm into fixed chunks of seconds each, the last one
// possibly shorter. It is the fallback when no speech classifier is available.
func SimpleTimeChunks(pcm []byte, seconds int, m Materializer) ([]Segment, error) {
	if seconds <= 0 {
		seconds = DefaultTargetSec
	}
	if m == nil {
		m = TempWAV{}
	}
	step := seconds * SampleRate * 2
	var out []Segment
	for off := 0; off+1 < len(pcm); off += step {
		end := min(len(pcm), off+step)
		end -= (end - off) % 2
		path, err := m.Materialize(pcm[off:end])
		if err != nil {
			RemoveAll(out)
			return nil, err
		}
		out = append(out, Segment{
			Path:      path,
			Offset:    samplesToDuration(off / 2),
			Duration:  samplesToDuration((end - off) / 2),
			SpeechMs:  (end - off) / 2 * 1000 / SampleRate,
			StartedAt: time.Now(),
			Reason:    ReasonCeiling,
		})
	}
	return out, nil
}
