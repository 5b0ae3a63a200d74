// Package whisper provides whisper.cpp-backed batch speech recognition.
//
// [Provider] talks to a running whisper-server binary, which exposes a REST
// API at POST /inference. Every file of a batch is uploaded as its own
// multipart request; up to [WithConcurrency] requests run at once and the
// texts are returned in input order.
//
// [NativeProvider] links whisper.cpp directly through its Go bindings and
// needs no server.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	texts, err := p.Transcribe(ctx, []string{"a.wav", "b.wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/batchscribe/pkg/provider/asr"
)

const (
	defaultLanguage    = "en"
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name sent as a hint to the server. whisper-server
// usually serves a single model and ignores this field.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code sent with every request.
// Defaults to "en". An empty string lets the server auto-detect.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithConcurrency bounds the number of in-flight requests per batch.
// Defaults to 4. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithHTTPClient replaces the default client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements asr.Provider against a whisper.cpp server.
type Provider struct {
	serverURL   string
	model       string
	language    string
	concurrency int
	httpClient  *http.Client
}

// New creates a Provider that sends requests to serverURL (for example
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:   strings.TrimRight(serverURL, "/"),
		language:    defaultLanguage,
		concurrency: defaultConcurrency,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads every file to the server and returns the texts in input
// order. The first failing request cancels the others.
func (p *Provider) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	texts := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			text, err := p.infer(gctx, path)
			if err != nil {
				return fmt.Errorf("whisper: %s: %w", filepath.Base(path), err)
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

// infer POSTs the WAV file at path to the /inference endpoint as
// multipart/form-data and returns the trimmed text.
func (p *Provider) infer(ctx context.Context, path string) (string, error) {
	wav, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("write wav data: %w", err)
	}

	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
