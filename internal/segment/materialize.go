package segment

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/batchscribe/pkg/audio"
)

// Materializer turns an accumulated PCM buffer into a file the inference
// backend can read.
type Materializer interface {
	Materialize(pcm []byte) (path string, err error)
}

// TempWAV writes each buffer to a new WAV file in Dir (os.TempDir when empty).
type TempWAV struct {
	Dir string
}

var _ Materializer = TempWAV{}

// Materialize writes pcm as 16 kHz mono 16-bit WAV and returns its path.
func (m TempWAV) Materialize(pcm []byte) (string, error) {
	f, err := os.CreateTemp(m.Dir, "segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("segment: create temp wav: %w", err)
	}
	path := f.Name()
	if err := audio.EncodeWAV(f, pcm, SampleRate); err != nil {
		f.Close()
		Remove(path)
		return "", fmt.Errorf("segment: %w", err)
	}
	if err := f.Close(); err != nil {
		Remove(path)
		return "", fmt.Errorf("segment: close temp wav: %w", err)
	}
	return path, nil
}

// Remove deletes path, logging instead of failing when it cannot.
func Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("segment: failed to remove temp file", "path", path, "err", err)
	}
}

// RemoveAll deletes the files of every segment in segs.
func RemoveAll(segs []Segment) {
	for _, s := range segs {
		Remove(s.Path)
	}
}
