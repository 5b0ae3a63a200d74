package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavPCM is the WAVE format tag for uncompressed integer PCM.
const wavPCM = 1

// ErrNotPCM16 is returned when a WAV file is valid but not 16-bit integer PCM.
var ErrNotPCM16 = errors.New("audio: wav is not 16-bit PCM")

// WriteWAV writes pcm as a mono 16-bit WAV file at path, creating or
// truncating it.
func WriteWAV(path string, pcm []byte, sampleRate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audio: close wav: %w", cerr)
		}
	}()
	return EncodeWAV(f, pcm, sampleRate)
}

// EncodeWAV writes pcm as a mono 16-bit WAV stream to ws. The header sizes are
// patched on completion, which is why a seeker is required.
func EncodeWAV(ws io.WriteSeeker, pcm []byte, sampleRate int) error {
	enc := wav.NewEncoder(ws, sampleRate, BitDepth, 1, wavPCM)
	n := len(pcm) / 2
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, n),
		SourceBitDepth: BitDepth,
	}
	for i := range n {
		buf.Data[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// WAVReader streams the PCM payload of a 16-bit WAV file in bounded reads.
type WAVReader struct {
	dec    *wav.Decoder
	format Format
	buf    *goaudio.IntBuffer
}

// NewWAVReader validates the WAV header in rs. It returns [ErrNotPCM16] for
// valid files in any other sample encoding.
func NewWAVReader(rs io.ReadSeeker) (*WAVReader, error) {
	dec := wav.NewDecoder(rs)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("audio: invalid wav: %w", err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return nil, errors.New("audio: invalid wav: missing format chunk")
	}
	if dec.WavAudioFormat != wavPCM || dec.BitDepth != BitDepth {
		return nil, fmt.Errorf("%w: format tag %d, %d bits", ErrNotPCM16, dec.WavAudioFormat, dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("audio: seek to pcm: %w", err)
	}
	return &WAVReader{
		dec:    dec,
		format: Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
	}, nil
}

// Format returns the sample rate and channel count declared in the header.
func (r *WAVReader) Format() Format { return r.format }

// Duration returns the playback length declared by the data chunk header.
func (r *WAVReader) Duration() time.Duration { return r.format.Duration(r.dec.PCMSize) }

// Read returns up to frames sample frames (all channels interleaved) as PCM
// bytes. It returns io.EOF once the data chunk is exhausted.
func (r *WAVReader) Read(frames int) ([]byte, error) {
	want := frames * r.format.Channels
	if r.buf == nil || len(r.buf.Data) != want {
		r.buf = &goaudio.IntBuffer{Data: make([]int, want)}
	}
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: read pcm: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	out := make([]byte, n*2)
	for i, v := range r.buf.Data[:n] {
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}

// ReadAll drains the remaining PCM payload.
func (r *WAVReader) ReadAll() ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.Read(r.format.SampleRate)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// ReadWAVFile loads an entire 16-bit WAV file.
func ReadWAVFile(path string) ([]byte, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()
	r, err := NewWAVReader(f)
	if err != nil {
		return nil, Format{}, err
	}
	pcm, err := r.ReadAll()
	if err != nil {
		return nil, Format{}, err
	}
	return pcm, r.Format(), nil
}
