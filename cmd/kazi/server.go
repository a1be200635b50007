package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/mcpserver"
)

var serverStdio bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the bitable tool server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&serverStdio, "stdio", false,
		"serve MCP over stdin/stdout instead of HTTP")
}

// runServer starts the tool server: the versioned bitable tools behind
// the envelope, over HTTP or stdio.
func runServer(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateFeishu(); err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	registry := mcpserver.NewRegistry()
	mcpserver.RegisterBitableTools(registry, sc.API, &cfg.Bitable)
	logger.Info("tool registry initialized", slog.Int("tools", len(registry.List())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serverStdio {
		return mcpserver.ServeStdio(ctx, version, registry, logger)
	}

	srv := mcpserver.NewServer(cfg.MCPListenAddr(), cfg.MCPAPIKey(), registry,
		logger, sc.Metrics, sc.MetricsRegistry)

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
