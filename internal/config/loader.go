package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/batchscribe/internal/segment"
)

// knownProviders are the built-in provider names per kind. Other names are
// accepted with a warning since a build may register its own.
var knownProviders = map[string][]string{
	"asr":      {"whisper", "whisper-native", "openai"},
	"vad":      {"energy", "none"},
	"span_vad": {"silero"},
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes one YAML document from r. Unknown keys are errors.
// An empty document yields the defaults, which still need providers.asr.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// problems accumulates validation failures.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// Validate reports every invalid value in cfg as one joined error. Unknown
// provider names only log a warning.
func Validate(cfg *Config) error {
	var p problems
	p.server(cfg.Server)
	p.providers(cfg.Providers)
	p.segmenter(cfg.Segmenter)
	p.chunker(cfg.Chunker, cfg.Providers.SpanVAD.Name != "")
	p.batch(cfg.Batch)
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		p.addf("telemetry.trace_sample_ratio %g is out of range [0, 1]", r)
	}
	return errors.Join(p...)
}

func (p *problems) server(s ServerConfig) {
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		p.addf("server.log_level %q is invalid; use debug, info, warn or error", s.LogLevel)
	}
	if s.MaxUploadMB < 0 {
		p.addf("server.max_upload_mb %d is negative", s.MaxUploadMB)
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		p.addf("server.tls needs cert_file and key_file")
	}
}

func (p *problems) providers(pc ProvidersConfig) {
	if pc.ASR.Name == "" {
		p.addf("providers.asr.name is required")
	}
	warnUnknown("asr", pc.ASR.Name)
	for i, fb := range pc.ASRFallbacks {
		if fb.Name == "" {
			p.addf("providers.asr_fallbacks[%d].name is required", i)
		}
		warnUnknown("asr", fb.Name)
	}
	warnUnknown("vad", pc.VAD.Name)
	warnUnknown("span_vad", pc.SpanVAD.Name)
}

func (p *problems) segmenter(sg SegmenterConfig) {
	if sg.Threshold <= 0 || sg.Threshold > 1 {
		p.addf("segmenter.threshold %.2f is out of range (0, 1]", sg.Threshold)
	}
	if min(sg.MinSilenceMs, sg.SpeechPadMs, sg.MaxSpeechMs) < 0 {
		p.addf("segmenter durations must not be negative")
	}
	if sg.MaxSpeechMs > 0 && sg.MaxSpeechMs < segment.FrameMs {
		p.addf("segmenter.max_speech_ms %d is shorter than one %d ms frame", sg.MaxSpeechMs, segment.FrameMs)
	}
}

func (p *problems) chunker(ch ChunkerConfig, haveSpanVAD bool) {
	strategy := segment.Strategy(ch.Strategy)
	if strategy != segment.StrategyStripes && strategy != segment.StrategyTimestamps {
		p.addf("chunker.strategy %q is invalid; use stripes or timestamps", ch.Strategy)
	}
	if min(ch.TargetSec, ch.MaxSec, ch.StripeSec, ch.MinSilenceMs) < 0 {
		p.addf("chunker values must not be negative")
	}
	if ch.MaxSec > 0 && ch.MaxSec < ch.TargetSec {
		p.addf("chunker.max_sec %d is below target_sec %d", ch.MaxSec, ch.TargetSec)
	}
	if strategy == segment.StrategyTimestamps && !haveSpanVAD {
		slog.Warn("config: timestamps chunking without providers.span_vad uses the frame classifier")
	}
}

func (p *problems) batch(b BatchConfig) {
	if min(b.WindowMs, b.MaxBatch, b.QueueSize, b.Workers) < 0 {
		p.addf("batch values must not be negative")
	}
	if b.DispatchTimeout < 0 || b.ResultTTL < 0 {
		p.addf("batch timeouts must not be negative")
	}
}

func warnUnknown(kind, name string) {
	if name == "" || slices.Contains(knownProviders[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name", "kind", kind, "name", name, "built_in", knownProviders[kind])
}
