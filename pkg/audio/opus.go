package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the longest frame an Opus packet may carry.
const maxOpusFrameMs = 120

// OpusDecoder decodes Opus packets straight to 16 kHz mono PCM. Opus decoders
// are stateful across packets, so each stream needs its own instance.
type OpusDecoder struct {
	dec       *gopus.Decoder
	maxFrames int
}

// NewOpusDecoder creates a decoder producing [Target]-format PCM.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(Target.SampleRate, Target.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:       dec,
		maxFrames: Target.SampleRate * maxOpusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into little-endian 16-bit PCM.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrames, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b, nil
}

// opusFrameSamples is the 20 ms frame size used by [OpusEncoder].
const opusFrameSamples = 20 * 16000 / 1000

// OpusEncoder encodes [Target]-format PCM into 20 ms Opus packets. It is the
// client side of an Opus stream.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder tuned for speech.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(Target.SampleRate, Target.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// FrameBytes is the PCM size of one packet.
func (e *OpusEncoder) FrameBytes() int { return opusFrameSamples * 2 }

// Encode encodes exactly one frame of PCM (see [OpusEncoder.FrameBytes]).
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("audio: opus frame must be %d bytes, got %d", e.FrameBytes(), len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	packet, err := e.enc.Encode(samples, opusFrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
