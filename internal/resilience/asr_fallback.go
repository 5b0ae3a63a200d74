package resilience

import (
	"context"

	"github.com/MrWong99/batchscribe/internal/observe"
	"github.com/MrWong99/batchscribe/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple recognition backends. Each backend has its own circuit breaker.
// A backend that returns the wrong number of transcripts counts as failed.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend. Must be called before the
// fallback is used.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the whole batch to the first healthy backend. A batch is
// never split across backends.
func (f *ASRFallback) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	return ExecuteWithResult(ctx, f.group, func(p asr.Provider) ([]string, error) {
		texts, err := p.Transcribe(ctx, paths)
		if err != nil {
			return nil, err
		}
		if err := asr.CheckOutput(paths, texts); err != nil {
			return nil, err
		}
		return texts, nil
	})
}

// Names returns the backend names in failover order.
func (f *ASRFallback) Names() []string { return f.group.Names() }

// States reports the breaker state of every backend.
func (f *ASRFallback) States() map[string]State { return f.group.States() }

// Available reports whether any backend currently accepts batches.
func (f *ASRFallback) Available() bool { return f.group.Available() }

// Instrument wraps p so that every call is counted in the provider request and
// error metrics under name.
func Instrument(name string, p asr.Provider, m *observe.Metrics) asr.Provider {
	return asr.Func(func(ctx context.Context, paths []string) ([]string, error) {
		texts, err := p.Transcribe(ctx, paths)
		if err != nil {
			m.RecordProviderRequest(ctx, name, "asr", "error")
			m.RecordProviderError(ctx, name, "asr")
			return nil, err
		}
		m.RecordProviderRequest(ctx, name, "asr", "ok")
		return texts, nil
	})
}
