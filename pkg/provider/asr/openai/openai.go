// Package openai provides a batch speech recognition provider backed by any
// OpenAI-compatible /audio/transcriptions endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/batchscribe/pkg/provider/asr"
)

// DefaultModel is the default transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

const defaultConcurrency = 4

// Ensure Provider implements the asr.Provider interface.
var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using the OpenAI audio API.
type Provider struct {
	client      oai.Client
	model       string
	language    string
	concurrency int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	language     string
	timeout      time.Duration
	maxRetries   int
	concurrency  int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Any server that
// implements POST /audio/transcriptions can be targeted this way.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithLanguage sets the ISO-639-1 input language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the client retries a failed request.
// Negative values keep the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithConcurrency bounds the number of in-flight uploads per batch.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai asr: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1, concurrency: defaultConcurrency}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = defaultConcurrency
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		language:    cfg.language,
		concurrency: cfg.concurrency,
	}, nil
}

// Transcribe implements asr.Provider. Files are uploaded concurrently; the
// first failure cancels the remaining uploads and fails the batch.
func (p *Provider) Transcribe(ctx context.Context, paths []string) ([]string, error) {
	texts := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			text, err := p.transcribeFile(gctx, path)
			if err != nil {
				return fmt.Errorf("openai asr: %s: %w", filepath.Base(path), err)
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

func (p *Provider) transcribeFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
