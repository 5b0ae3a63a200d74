package segment

import (
	"fmt"

	"github.com/MrWong99/batchscribe/pkg/audio"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// FrameSpans is a [vad.SpanDetector] that runs the hysteresis [Detector] over
// every whole frame of a buffer. It is the span source of the timestamps
// strategy when no dedicated whole-file detector is configured.
type FrameSpans struct {
	Engine   vad.Engine
	Detector DetectorConfig
}

var _ vad.SpanDetector = FrameSpans{}

// DetectSpans implements [vad.SpanDetector].
func (f FrameSpans) DetectSpans(samples []float32) ([]vad.Span, error) {
	return f.SpansPCM(audio.Float32ToPCM(samples))
}

// SpansPCM returns the speech spans in 16-bit PCM. A trailing partial frame is
// not classified; a span still open at the end of the buffer closes there.
func (f FrameSpans) SpansPCM(pcm []byte) ([]vad.Span, error) {
	sess, err := f.Engine.NewSession(vad.Config{SampleRate: SampleRate, FrameSamples: FrameSamples})
	if err != nil {
		return nil, fmt.Errorf("segment: open classifier session: %w", err)
	}
	det := NewDetector(sess, f.Detector)
	defer det.Close()

	total := len(pcm) / 2
	var (
		spans []vad.Span
		open  = -1
	)
	for off := 0; off+FrameBytes <= len(pcm); off += FrameBytes {
		b, ok := det.Classify(pcm[off : off+FrameBytes])
		if !ok {
			continue
		}
		switch b.Event {
		case EventStart:
			open = b.Sample
		case EventEnd:
			if open >= 0 {
				spans = append(spans, vad.Span{Start: open, End: b.Sample})
				open = -1
			}
		}
	}
	if open >= 0 {
		spans = append(spans, vad.Span{Start: open, End: total})
	}
	return spans, nil
}
