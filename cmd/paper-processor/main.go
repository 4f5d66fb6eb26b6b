package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thc1006/paperstore/pkg/acquire"
	"github.com/thc1006/paperstore/pkg/cache"
	"github.com/thc1006/paperstore/pkg/config"
	"github.com/thc1006/paperstore/pkg/extract"
	"github.com/thc1006/paperstore/pkg/fetch"
	"github.com/thc1006/paperstore/pkg/llm"
	"github.com/thc1006/paperstore/pkg/metrics"
	"github.com/thc1006/paperstore/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	// Bootstrap logger; replaced once the configured level is known.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = createLoggerWithLevel(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting paper-processor service",
		slog.Int("port", cfg.Port),
		slog.String("cache_dir", cfg.CacheDir),
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.String("extractor_mode", cfg.ExtractorMode),
	)

	recorder := metrics.NewRecorder(nil)

	ledger, err := cache.Open(cfg.CacheDir, logger, cache.WithMetrics(recorder))
	if err != nil {
		logger.Error("Failed to open cache ledger",
			slog.String("dir", cfg.CacheDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	fetcher := fetch.New(fetchConfig(cfg), logger)
	extractor := buildExtractor(cfg, logger)
	processor := acquire.New(ledger, fetcher, extractor,
		&acquire.Config{MaxWorkers: cfg.MaxWorkers},
		logger,
		acquire.WithMetrics(recorder),
	)

	srv := server.New(cfg, processor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	// Flush last-access times before exiting, whatever happened above.
	if err := ledger.Close(); err != nil {
		logger.Error("Failed to flush ledger on shutdown", slog.String("error", err.Error()))
	}

	if runErr != nil {
		logger.Error("Server failed", slog.String("error", runErr.Error()))
		os.Exit(1)
	}

	logger.Info("Service exited")
}

// fetchConfig maps the service configuration onto the fetcher's.
func fetchConfig(cfg *config.Config) *fetch.Config {
	fc := fetch.DefaultConfig()
	fc.Timeout = cfg.Fetch.Timeout
	fc.MaxRetries = cfg.Fetch.MaxRetries
	fc.InitialBackoff = cfg.Fetch.InitialBackoff
	fc.MaxBackoff = cfg.Fetch.MaxBackoff
	fc.MaxBodyBytes = cfg.Fetch.MaxBodyBytes
	fc.UserAgent = cfg.Fetch.UserAgent
	fc.RatePerSecond = cfg.Fetch.RatePerSecond
	fc.RateBurst = cfg.Fetch.RateBurst
	fc.BreakerEnabled = cfg.Fetch.BreakerEnabled
	return fc
}

// buildExtractor selects the structure extractor. The LLM mode keeps the
// rule extractor underneath as its fallback.
func buildExtractor(cfg *config.Config, logger *slog.Logger) extract.Extractor {
	rules := extract.NewRuleExtractor(nil, logger)
	if cfg.ExtractorMode != config.ExtractorModeLLM {
		return rules
	}

	client := llm.NewHTTPClient(&llm.Config{
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, logger)

	return extract.NewLLMExtractor(client, rules, nil, logger)
}

// createLoggerWithLevel creates a logger with the specified level
func createLoggerWithLevel(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
