// Package transcode brings uploaded audio into the 16 kHz mono 16-bit WAV
// format the segmenter and the inference backends expect.
//
// 16-bit PCM WAV files are converted in process. Everything else is handed to
// an ffmpeg binary.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MrWong99/batchscribe/pkg/audio"
)

// ErrUnsupportedFormat is returned for files whose extension is not accepted
// or that ffmpeg could not decode.
var ErrUnsupportedFormat = errors.New("transcode: unsupported audio format")

// Extensions lists the accepted upload extensions.
var Extensions = []string{".wav", ".flac", ".mp3", ".ogg", ".opus"}

// Supported reports whether name has an accepted extension.
func Supported(name string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(name)))
}

// Runner executes an external command and returns its combined output.
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Option configures a Converter.
type Option func(*Converter)

// WithRunner replaces the command runner. Tests use it to avoid a real
// ffmpeg binary.
func WithRunner(r Runner) Option {
	return func(c *Converter) { c.runner = r }
}

// WithTempDir sets the directory converted files are written to. Defaults
// to os.TempDir.
func WithTempDir(dir string) Option {
	return func(c *Converter) { c.dir = dir }
}

// Converter normalizes audio files. It is safe for concurrent use.
type Converter struct {
	ffmpegPath string
	runner     Runner
	dir        string
}

// New returns a Converter that invokes ffmpegPath ("ffmpeg" when empty).
func New(ffmpegPath string, opts ...Option) *Converter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	c := &Converter{ffmpegPath: ffmpegPath, runner: execRunner{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Available reports whether the ffmpeg binary can be found.
func (c *Converter) Available() error {
	if _, err := exec.LookPath(c.ffmpegPath); err != nil {
		return fmt.Errorf("transcode: ffmpeg not found: %w", err)
	}
	return nil
}

// Result describes a prepared file.
type Result struct {
	// Path is a 16 kHz mono 16-bit WAV file.
	Path string

	// Converted is true when Path is a new file the caller must remove.
	// When false, Path is the source file itself.
	Converted bool
}

// Prepare returns a file in the target format for src. A WAV that already
// matches is returned as is.
func (c *Converter) Prepare(ctx context.Context, src string) (Result, error) {
	if !Supported(src) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(src))
	}
	if strings.EqualFold(filepath.Ext(src), ".wav") {
		res, err := c.prepareWAV(src)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, audio.ErrNotPCM16) {
			return Result{}, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}
		slog.Debug("transcode: wav is not 16-bit PCM, using ffmpeg", "path", src)
	}
	path, err := c.ffmpeg(ctx, src)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, Converted: true}, nil
}

// prepareWAV resamples and downmixes a 16-bit PCM WAV in process. Only the
// header is read when the file is already in the target format.
func (c *Converter) prepareWAV(src string) (Result, error) {
	f, err := os.Open(src)
	if err != nil {
		return Result{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	r, err := audio.NewWAVReader(f)
	if err != nil {
		return Result{}, err
	}
	format := r.Format()
	if format == audio.Target {
		return Result{Path: src}, nil
	}
	pcm, err := r.ReadAll()
	if err != nil {
		return Result{}, err
	}
	pcm, err = audio.Normalize(pcm, format)
	if err != nil {
		return Result{}, err
	}
	path, err := c.tempPath()
	if err != nil {
		return Result{}, err
	}
	if err := audio.WriteWAV(path, pcm, audio.Target.SampleRate); err != nil {
		removeQuiet(path)
		return Result{}, fmt.Errorf("transcode: %w", err)
	}
	return Result{Path: path, Converted: true}, nil
}

// ffmpeg converts src to pcm_s16le mono 16 kHz WAV.
func (c *Converter) ffmpeg(ctx context.Context, src string) (string, error) {
	dst, err := c.tempPath()
	if err != nil {
		return "", err
	}
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y",
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		dst,
	}
	output, err := c.runner.CombinedOutput(ctx, c.ffmpegPath, args)
	if err != nil {
		removeQuiet(dst)
		if ctx.Err() != nil {
			return "", fmt.Errorf("transcode: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: ffmpeg failed on %s: %v: %s",
			ErrUnsupportedFormat, filepath.Base(src), err, strings.TrimSpace(string(output)))
	}
	return dst, nil
}

func (c *Converter) tempPath() (string, error) {
	f, err := os.CreateTemp(c.dir, "upload-*.wav")
	if err != nil {
		return "", fmt.Errorf("transcode: create temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		removeQuiet(path)
		return "", fmt.Errorf("transcode: close temp file: %w", err)
	}
	return path, nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("transcode: failed to remove temp file", "path", path, "err", err)
	}
}
