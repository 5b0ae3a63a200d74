package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BatchLimitsChanged is true when batch.window_ms or batch.max_batch
	// changed. Queue size, workers and timeouts need a restart.
	BatchLimitsChanged bool
	NewBatch           BatchConfig

	// SegmenterChanged is true when the streaming segmenter settings changed.
	// New streams pick them up; open streams keep their settings.
	SegmenterChanged bool

	// ChunkerChanged is true when the offline chunker settings changed.
	ChunkerChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.BatchLimitsChanged || d.SegmenterChanged || d.ChunkerChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Batch.WindowMs != new.Batch.WindowMs || old.Batch.MaxBatch != new.Batch.MaxBatch {
		d.BatchLimitsChanged = true
		d.NewBatch = new.Batch
	}
	if old.Batch.QueueSize != new.Batch.QueueSize || old.Batch.Workers != new.Batch.Workers ||
		old.Batch.DispatchTimeout != new.Batch.DispatchTimeout || old.Batch.ResultTTL != new.Batch.ResultTTL {
		d.RestartRequired = append(d.RestartRequired, "batch")
	}

	d.SegmenterChanged = old.Segmenter != new.Segmenter
	d.ChunkerChanged = old.Chunker != new.Chunker

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MaxUploadMB != new.Server.MaxUploadMB ||
		old.Server.FFmpegPath != new.Server.FFmpegPath || old.Server.TempDir != new.Server.TempDir {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameProviders compares provider selections by name, endpoint and model.
// Options maps are not compared.
func sameProviders(a, b ProvidersConfig) bool {
	same := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.BaseURL == y.BaseURL && x.Model == y.Model &&
			x.Language == y.Language && x.APIKey == y.APIKey
	}
	if !same(a.ASR, b.ASR) || !same(a.VAD, b.VAD) || !same(a.SpanVAD, b.SpanVAD) {
		return false
	}
	if len(a.ASRFallbacks) != len(b.ASRFallbacks) {
		return false
	}
	for i := range a.ASRFallbacks {
		if !same(a.ASRFallbacks[i], b.ASRFallbacks[i]) {
			return false
		}
	}
	return true
}
