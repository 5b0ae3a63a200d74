// Command batchscribe serves batched speech recognition over HTTP and
// WebSocket.
//
// Usage:
//
//	batchscribe -config config.yaml [-watch=false]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/batchscribe/internal/app"
	"github.com/MrWong99/batchscribe/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	watch := flag.Bool("watch", true, "apply edits to the config file while running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "batchscribe: no config at %q (start from configs/example.yaml)\n", *configPath)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "batchscribe: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	reg := config.NewRegistry()
	registerProviders(reg)
	providers, release, err := buildProviders(cfg, reg)
	defer release()
	if err != nil {
		slog.Error("batchscribe: providers", "err", err)
		return 1
	}
	summarize(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("batchscribe: init", "err", err)
		return 1
	}
	if *watch {
		if w, err := config.NewWatcher(*configPath, a.ApplyConfig); err != nil {
			slog.Warn("batchscribe: config watch disabled", "path", *configPath, "err", err)
		} else {
			defer w.Stop()
		}
	}

	status := 0
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("batchscribe: run", "err", err)
		status = 1
	}

	// ctx is already cancelled here; give in-flight batches their own deadline.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		slog.Error("batchscribe: shutdown", "err", err)
		return 1
	}
	slog.Info("batchscribe: stopped")
	return status
}

// summarize prints the effective provider and batching setup to stdout.
func summarize(cfg *config.Config) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }
	entry := func(e config.ProviderEntry) string {
		switch {
		case e.Name == "":
			return "-"
		case e.Model != "":
			return e.Name + " (" + e.Model + ")"
		}
		return e.Name
	}

	row("listen", cfg.Server.ListenAddr)
	row("asr", entry(cfg.Providers.ASR))
	for _, fb := range cfg.Providers.ASRFallbacks {
		row("  fallback", entry(fb))
	}
	row("vad", entry(cfg.Providers.VAD))
	row("span vad", entry(cfg.Providers.SpanVAD))
	row("chunking", cfg.Chunker.Strategy)
	row("batch", fmt.Sprintf("%d ms window, up to %d items", cfg.Batch.WindowMs, cfg.Batch.MaxBatch))
	history := "off"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	row("history", history)
}
