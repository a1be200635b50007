package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/config"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the automation worker",
	RunE:  runWorker,
}

// runWorker starts the rule engine: event ingress, dispatcher pool,
// cron scheduler, and schema watcher.
func runWorker(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateFeishu(); err != nil {
		return err
	}
	if !cfg.Automation.Enabled {
		return fmt.Errorf("automation is disabled (AUTOMATION_ENABLED=false)")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	st, err := store.Open(cfg.AutomationDBPath(), logger)
	if err != nil {
		return fmt.Errorf("opening automation store: %w", err)
	}
	sc.addCleanup(func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing automation store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("automation store opened", slog.String("path", cfg.AutomationDBPath()))

	registry, err := rules.NewRegistry(cfg.Automation.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if stopWatch, err := registry.Watch(); err != nil {
		logger.Warn("rules file watch unavailable", slog.String("error", err.Error()))
	} else {
		sc.addCleanup(stopWatch)
	}
	logger.Info("rules loaded",
		slog.String("file", cfg.Automation.RulesFile),
		slog.Int("rules", len(registry.All())))

	proc := automation.NewProcessor(&cfg.Automation, sc.API, st, registry,
		logger, sc.Metrics, sc.Tracer.Tracer())
	disp := automation.NewDispatcher(&cfg.Automation, st, proc, logger)
	sched := automation.NewScheduler(&cfg.Automation, st, proc, disp, registry, sc.API, logger)
	schema := automation.NewSchemaWatcher(&cfg.Automation, sc.API, st, registry,
		logger, sc.Metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp.Start(ctx)
	defer disp.Stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Automation.SchemaSyncEnabled {
		if err := schema.Bootstrap(ctx); err != nil {
			logger.Warn("schema bootstrap incomplete", slog.String("error", err.Error()))
		}
		if err := schema.Start(ctx); err != nil {
			return fmt.Errorf("starting schema watcher: %w", err)
		}
		defer schema.Stop()
	}

	srv := automation.NewServer(&cfg.Automation, &cfg.Feishu, st, disp, sched,
		schema, registry, sc.API, logger, sc.MetricsRegistry)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return runtimeError{err}
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutCtx); err != nil {
		return runtimeError{err}
	}
	return nil
}
