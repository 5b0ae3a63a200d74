// Package audio holds the PCM plumbing shared by the segmenter, the upload
// path and the inference backends: format normalization to 16 kHz mono,
// WAV container encode/decode and Opus packet decoding.
//
// All PCM in this package is signed 16-bit little-endian.
package audio

import (
	"fmt"
	"time"
)

// BitDepth is the sample width used throughout the service.
const BitDepth = 16

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Target is the format every segment and inference input uses.
var Target = Format{SampleRate: 16000, Channels: 1}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BitDepth / 8
}

// Duration returns the playback length of n PCM bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
