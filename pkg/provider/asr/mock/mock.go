// Package mock provides a test double for the asr.Provider interface.
//
// Provider records every Transcribe call and answers from Texts, Fn, or a
// derived "text:<path>" string, in that order of precedence.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/batchscribe/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Paths []string
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts, if non-nil, is returned for every call regardless of input.
	Texts []string

	// Fn, if non-nil and Texts is nil, computes the result.
	Fn func(ctx context.Context, paths []string) ([]string, error)

	// Err, if non-nil, is returned from every call.
	Err error

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured response.
func (p *Provider) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Paths: append([]string(nil), paths...)})
	texts, fn, err := p.Texts, p.Fn, p.Err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if texts != nil {
		return texts, nil
	}
	if fn != nil {
		return fn(ctx, paths)
	}
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = "text:" + path
	}
	return out, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ asr.Provider = (*Provider)(nil)
