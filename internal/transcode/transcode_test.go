package transcode_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/batchscribe/internal/transcode"
	"github.com/MrWong99/batchscribe/pkg/audio"
)

// fakeFFmpeg records invocations and writes a short target WAV to the output
// path (the last argument) unless Err is set.
type fakeFFmpeg struct {
	mu    sync.Mutex
	Calls [][]string
	Err   error
}

func (f *fakeFFmpeg) CombinedOutput(_ context.Context, _ string, args []string) ([]byte, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, slices.Clone(args))
	f.mu.Unlock()
	if f.Err != nil {
		return []byte("Invalid data found when processing input"), f.Err
	}
	return nil, audio.WriteWAV(args[len(args)-1], make([]byte, 3200), 16000)
}

func TestSupported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want bool
	}{
		{"a.wav", true},
		{"A.WAV", true},
		{"b.flac", true},
		{"c.mp3", true},
		{"d.ogg", true},
		{"e.opus", true},
		{"f.m4a", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := transcode.Supported(tt.name); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPrepare_RejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{}
	c := transcode.New("", transcode.WithRunner(ff))
	_, err := c.Prepare(context.Background(), filepath.Join(t.TempDir(), "clip.m4a"))
	if !errors.Is(err, transcode.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if len(ff.Calls) != 0 {
		t.Error("ffmpeg was invoked for a rejected extension")
	}
}

func TestPrepare_TargetWAVPassesThrough(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAV(src, make([]byte, 6400), 16000); err != nil {
		t.Fatal(err)
	}
	ff := &fakeFFmpeg{}
	c := transcode.New("", transcode.WithRunner(ff))

	res, err := c.Prepare(context.Background(), src)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.Converted || res.Path != src {
		t.Errorf("Prepare = %+v, want the source unchanged", res)
	}
	if len(ff.Calls) != 0 {
		t.Error("ffmpeg was invoked for a target WAV")
	}
}

// Not parallel: TotalAlloc is process wide.
func TestPrepare_TargetWAVReadsHeaderOnly(t *testing.T) {
	src := filepath.Join(t.TempDir(), "long.wav")
	const seconds = 120
	if err := audio.WriteWAV(src, make([]byte, seconds*16000*2), 16000); err != nil {
		t.Fatal(err)
	}
	c := transcode.New("", transcode.WithRunner(&fakeFFmpeg{}))

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	res, err := c.Prepare(context.Background(), src)
	runtime.ReadMemStats(&after)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.Converted {
		t.Fatalf("Prepare = %+v, want passthrough", res)
	}
	if got := after.TotalAlloc - before.TotalAlloc; got > 1<<20 {
		t.Errorf("Prepare allocated %d KiB for a %d s passthrough file", got>>10, seconds)
	}
}

func TestPrepare_ResamplesWAVInProcess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	// One second at 8 kHz mono.
	if err := audio.WriteWAV(src, make([]byte, 16000), 8000); err != nil {
		t.Fatal(err)
	}
	ff := &fakeFFmpeg{}
	out := t.TempDir()
	c := transcode.New("", transcode.WithRunner(ff), transcode.WithTempDir(out))

	res, err := c.Prepare(context.Background(), src)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !res.Converted || filepath.Dir(res.Path) != out {
		t.Fatalf("Prepare = %+v, want a converted file in %s", res, out)
	}
	pcm, format, err := audio.ReadWAVFile(res.Path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if format != audio.Target {
		t.Errorf("format = %s, want %s", format, audio.Target)
	}
	if got := format.Duration(len(pcm)).Seconds(); got < 0.99 || got > 1.01 {
		t.Errorf("duration = %.3fs, want 1s", got)
	}
	if len(ff.Calls) != 0 {
		t.Error("ffmpeg was invoked for a 16-bit WAV")
	}
}

func TestPrepare_CompressedUsesFFmpeg(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{}
	out := t.TempDir()
	c := transcode.New("/usr/bin/ffmpeg", transcode.WithRunner(ff), transcode.WithTempDir(out))

	src := filepath.Join(t.TempDir(), "talk.mp3")
	res, err := c.Prepare(context.Background(), src)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !res.Converted {
		t.Error("Converted = false for an mp3")
	}
	if len(ff.Calls) != 1 {
		t.Fatalf("ffmpeg called %d times, want 1", len(ff.Calls))
	}
	args := ff.Calls[0]
	for _, want := range [][2]string{{"-i", src}, {"-ar", "16000"}, {"-ac", "1"}, {"-acodec", "pcm_s16le"}} {
		i := slices.Index(args, want[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != want[1] {
			t.Errorf("args %v missing %s %s", args, want[0], want[1])
		}
	}
	if _, format, err := audio.ReadWAVFile(res.Path); err != nil || format != audio.Target {
		t.Errorf("output = %s, %v", format, err)
	}
}

func TestPrepare_FFmpegFailure(t *testing.T) {
	t.Parallel()

	ff := &fakeFFmpeg{Err: errors.New("exit status 1")}
	out := t.TempDir()
	c := transcode.New("", transcode.WithRunner(ff), transcode.WithTempDir(out))

	_, err := c.Prepare(context.Background(), filepath.Join(t.TempDir(), "broken.ogg"))
	if !errors.Is(err, transcode.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("temp dir has %d leftover files", len(entries))
	}
}

func TestPrepare_GarbageWAV(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "fake.wav")
	if err := os.WriteFile(src, []byte("definitely not RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := transcode.New("", transcode.WithRunner(&fakeFFmpeg{}))
	if _, err := c.Prepare(context.Background(), src); !errors.Is(err, transcode.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}
