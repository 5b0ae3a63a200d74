package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/batchscribe/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	d := config.Diff(a, b)
	if d.Changed() || len(d.RestartRequired) != 0 {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	old := mustLoad(t, sampleYAML)
	new := mustLoad(t, sampleYAML)
	new.Server.LogLevel = config.LogWarn
	new.Batch.MaxBatch = 2
	new.Segmenter.MinSilenceMs = 500
	new.Chunker.TargetSec = 20

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.BatchLimitsChanged || d.NewBatch.MaxBatch != 2 {
		t.Errorf("batch diff = %v %+v", d.BatchLimitsChanged, d.NewBatch)
	}
	if !d.SegmenterChanged || !d.ChunkerChanged {
		t.Errorf("segmenter/chunker diff = %v/%v", d.SegmenterChanged, d.ChunkerChanged)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old := mustLoad(t, sampleYAML)
	new := mustLoad(t, sampleYAML)
	new.Server.ListenAddr = ":9999"
	new.Batch.Workers = 4
	new.Batch.ResultTTL = time.Hour
	new.Providers.ASRFallbacks = nil
	new.History.PostgresDSN = ""

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("restart-only changes reported as hot-reloadable: %+v", d)
	}
	for _, want := range []string{"server", "batch", "providers", "history"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired %v missing %q", d.RestartRequired, want)
		}
	}
}
