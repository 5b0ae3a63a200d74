// Package asr defines the Provider interface for batch speech recognition
// backends.
//
// A provider receives a batch of WAV files (16 kHz, mono, 16-bit PCM) and
// returns one transcript per file. Results are positional: the i-th text
// belongs to the i-th path. A provider either transcribes the whole batch or
// fails it; partial results are never returned alongside an error.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any batch speech recognition backend.
type Provider interface {
	// Transcribe returns the text of every file in paths, in the same order.
	// It returns an error if any file fails; the caller treats the batch as a
	// whole.
	Transcribe(ctx context.Context, paths []string) ([]string, error)
}

// Func adapts an ordinary function to the [Provider] interface.
type Func func(ctx context.Context, paths []string) ([]string, error)

// Transcribe calls f(ctx, paths).
func (f Func) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	return f(ctx, paths)
}

// CheckOutput verifies that a backend produced exactly one text per input.
func CheckOutput(paths, texts []string) error {
	if len(paths) != len(texts) {
		return fmt.Errorf("asr: expected %d transcripts, got %d", len(paths), len(texts))
	}
	return nil
}
