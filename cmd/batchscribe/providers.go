package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/batchscribe/internal/app"
	"github.com/MrWong99/batchscribe/internal/config"
	"github.com/MrWong99/batchscribe/pkg/provider/asr"
	"github.com/MrWong99/batchscribe/pkg/provider/asr/openai"
	"github.com/MrWong99/batchscribe/pkg/provider/asr/whisper"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
	"github.com/MrWong99/batchscribe/pkg/provider/vad/energy"
	"github.com/MrWong99/batchscribe/pkg/provider/vad/silero"
)

// registerProviders installs the built-in factories.
func registerProviders(reg *config.Registry) {
	reg.RegisterASR("whisper", func(e config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, whisper.WithLanguage(e.Language))
		}
		if n := options(e.Options).int("concurrency"); n > 0 {
			opts = append(opts, whisper.WithConcurrency(n))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterASR("whisper-native", func(e config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.NativeOption
		if e.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(e.Language))
		}
		return whisper.NewNative(modelPath(e), opts...)
	})

	reg.RegisterASR("openai", func(e config.ProviderEntry) (asr.Provider, error) {
		o := options(e.Options)
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if e.Language != "" {
			opts = append(opts, openai.WithLanguage(e.Language))
		}
		if org := o.string("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n := o.int("concurrency"); n > 0 {
			opts = append(opts, openai.WithConcurrency(n))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterVAD("energy", func(e config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if floor := options(e.Options).float("floor"); floor > 0 {
			opts = append(opts, energy.WithFloor(floor))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterSpanVAD("silero", func(e config.ProviderEntry) (vad.SpanDetector, error) {
		o := options(e.Options)
		var opts []silero.Option
		if t := o.float("threshold"); t > 0 {
			opts = append(opts, silero.WithThreshold(t))
		}
		if ms := o.int("min_silence_ms"); ms > 0 {
			opts = append(opts, silero.WithMinSilenceMs(ms))
		}
		if ms := o.int("speech_pad_ms"); ms > 0 {
			opts = append(opts, silero.WithSpeechPadMs(ms))
		}
		return silero.New(modelPath(e), opts...)
	})
}

// buildProviders creates everything cfg names. release closes the providers
// that hold native resources and is valid even when err is non-nil.
func buildProviders(cfg *config.Config, reg *config.Registry) (ps *app.Providers, release func(), err error) {
	ps = &app.Providers{}
	var owned []io.Closer
	release = func() {
		for _, c := range owned {
			if err := c.Close(); err != nil {
				slog.Warn("batchscribe: close provider", "err", err)
			}
		}
	}
	keep := func(v any) {
		if c, ok := v.(io.Closer); ok {
			owned = append(owned, c)
		}
	}

	for _, e := range append([]config.ProviderEntry{cfg.Providers.ASR}, cfg.Providers.ASRFallbacks...) {
		p, err := reg.CreateASR(e)
		if err != nil {
			return nil, release, fmt.Errorf("asr %q: %w (registered: %s)", e.Name, err, strings.Join(reg.Names("asr"), ", "))
		}
		keep(p)
		ps.ASR = append(ps.ASR, app.NamedASR{Name: e.Name, Provider: p})
	}

	if e := cfg.Providers.VAD; e.Name != "" && e.Name != "none" {
		if ps.VAD, err = reg.CreateVAD(e); err != nil {
			return nil, release, fmt.Errorf("vad %q: %w", e.Name, err)
		}
	}

	// A missing span detector (e.g. built without onnxruntime) degrades to
	// frame-classifier spans.
	if e := cfg.Providers.SpanVAD; e.Name != "" {
		p, err := reg.CreateSpanVAD(e)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("batchscribe: span detector unavailable", "name", e.Name)
		case err != nil:
			return nil, release, fmt.Errorf("span_vad %q: %w", e.Name, err)
		default:
			keep(p)
			ps.SpanVAD = p
		}
	}
	return ps, release, nil
}

// modelPath prefers the entry's model field over options.model_path.
func modelPath(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Model
	}
	return options(e.Options).string("model_path")
}

// options reads loosely typed provider options. YAML yields int for whole
// numbers and float64 otherwise, so numeric getters accept both.
type options map[string]any

func (o options) string(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o options) float(key string) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (o options) int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
