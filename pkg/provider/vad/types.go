package vad

import "time"

// Span is a region of detected speech, in samples from the start of the input.
type Span struct {
	// Start is the first sample of the span (inclusive).
	Start int

	// End is the sample after the last sample of the span (exclusive).
	End int
}

// Len returns the number of samples covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Duration returns the span length at the given sample rate.
func (s Span) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Len()) * time.Second / time.Duration(sampleRate)
}
