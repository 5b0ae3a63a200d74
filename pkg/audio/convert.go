package audio

import (
	"fmt"
	"log/slog"
)

// Normalize converts 16-bit little-endian PCM in format src to 16 kHz mono.
// Channels are averaged first, then the mono signal is resampled, so a stereo
// input is only resampled once. A trailing partial sample frame is dropped.
func Normalize(pcm []byte, src Format) ([]byte, error) {
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid source format %s", src)
	}
	if src == Target {
		return pcm[:len(pcm)&^1], nil
	}
	slog.Debug("audio: normalizing", "from", src.String(), "to", Target.String())

	mono := Downmix(pcm, src.Channels)
	return ResampleMono16(mono, src.SampleRate, Target.SampleRate), nil
}

// Downmix averages interleaved 16-bit channels into a single channel. Sums use
// int32 so they cannot overflow; the average always fits in int16.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm[:len(pcm)&^1]
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			j := i*stride + ch*2
			sum += int32(int16(uint16(pcm[j]) | uint16(pcm[j+1])<<8))
		}
		avg := int16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, or either is non-positive, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	at := func(i int) float64 {
		return float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := at(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = at(idx + 1)
		}
		v := int16(s0*(1-frac) + s1*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMToFloat32 converts 16-bit signed little-endian PCM to float32 samples in
// [-1.0, 1.0). A trailing odd byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(uint16(pcm[i*2])|uint16(pcm[i*2+1])<<8)) / 32768.0
	}
	return samples
}

// Float32ToPCM converts float32 samples to 16-bit signed little-endian PCM,
// clamping to the int16 range.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int16(max(-32768, min(32767, int32(f*32768))))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
