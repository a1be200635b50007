package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/observability"
)

// SharedComponents holds the subsystems every role needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry // nil = metrics disabled
	Tracer          *observability.TracerSetup
	API             *bitable.Client

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the initialization common to all three roles.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	if cfg.Observe.MetricsEnabled {
		sc.MetricsRegistry = prometheus.NewRegistry()
		sc.Metrics = observability.New(sc.MetricsRegistry)
		logger.Debug("metrics registry initialized")
	}

	tracer, err := observability.NewTracerSetup(&cfg.Observe)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	sc.Tracer = tracer
	if tracer != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(ctx); err != nil {
				logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
			}
		})
		logger.Debug("tracing initialized", slog.String("endpoint", cfg.Observe.OTLPEndpoint))
	}

	sc.API = bitable.NewClient(cfg.Bitable.Domain, cfg.Feishu.AppID, cfg.Feishu.AppSecret, logger)
	logger.Debug("bitable client initialized", slog.String("domain", cfg.Bitable.Domain))

	return sc, nil
}

// newLogger builds the process logger. LOG_LEVEL picks the floor.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch goutils.Env("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
