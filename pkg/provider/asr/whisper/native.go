package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/batchscribe/pkg/audio"
	"github.com/MrWong99/batchscribe/pkg/provider/asr"
)

var _ asr.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process through its cgo bindings.
// Building it needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// The batch's files are decoded in parallel but inferred one at a time:
// whisper.cpp already spreads a single file over every core.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	mu sync.Mutex // one inference at a time
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the spoken language. Default "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative loads the model at modelPath. Close the provider to free it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is required")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close frees the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe returns one text per path.
func (p *NativeProvider) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	samples := make([][]float32, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			s, err := loadSamples(gctx, path)
			if err != nil {
				return fmt.Errorf("whisper: %s: %w", filepath.Base(path), err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	texts := make([]string, len(paths))
	for i, s := range samples {
		text, err := p.infer(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("whisper: %s: %w", filepath.Base(paths[i]), err)
		}
		texts[i] = text
	}
	return texts, nil
}

func loadSamples(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, format, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	if pcm, err = audio.Normalize(pcm, format); err != nil {
		return nil, err
	}
	return audio.PCMToFloat32(pcm), nil
}

// infer transcribes samples in a fresh context. Cancelling ctx aborts before
// the encoder starts.
func (p *NativeProvider) infer(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("new context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: language rejected, model default applies", "language", p.language, "err", err)
	}

	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("process: %w", err)
	}

	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("next segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
	return b.String(), nil
}
