package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/batchscribe/pkg/provider/asr"
	"github.com/MrWong99/batchscribe/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config entry names a provider
// nobody registered a factory for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name-to-factory table.
type factories[T any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]Factory[T]
}

func (f *factories[T]) set(name string, fn Factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byName == nil {
		f.byName = make(map[string]Factory[T])
	}
	f.byName[name] = fn
}

func (f *factories[T]) build(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.byName[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.byName))
}

// Registry resolves provider names from the config file to constructors.
// A later registration under the same name replaces the earlier one.
type Registry struct {
	asr     factories[asr.Provider]
	vad     factories[vad.Engine]
	spanVAD factories[vad.SpanDetector]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.asr.kind, r.vad.kind, r.spanVAD.kind = "asr", "vad", "span_vad"
	return r
}

func (r *Registry) RegisterASR(name string, f Factory[asr.Provider]) { r.asr.set(name, f) }
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine])   { r.vad.set(name, f) }

func (r *Registry) RegisterSpanVAD(name string, f Factory[vad.SpanDetector]) {
	r.spanVAD.set(name, f)
}

// CreateASR builds the recognizer entry names.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) { return r.asr.build(entry) }

// CreateVAD builds the frame classifier entry names.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return r.vad.build(entry) }

// CreateSpanVAD builds the whole-file span detector entry names.
func (r *Registry) CreateSpanVAD(entry ProviderEntry) (vad.SpanDetector, error) {
	return r.spanVAD.build(entry)
}

// Names lists the registered provider names of kind ("asr", "vad" or
// "span_vad") in sorted order.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case r.asr.kind:
		return r.asr.names()
	case r.vad.kind:
		return r.vad.names()
	case r.spanVAD.kind:
		return r.spanVAD.names()
	}
	return nil
}
