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

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/agent/skills"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/feishu"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/reminder"
	"github.com/jkaninda/kazi/internal/toolclient"
)

const (
	orchestratorWorkers = 4
	toolCallTimeout     = 15 * time.Second
)

var assistantCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Start the conversational assistant",
	RunE:  runAssistant,
}

// runAssistant starts the orchestrator: channel ingress, intent parsing,
// skill routing, and reminder dispatch.
func runAssistant(_ *cobra.Command, _ []string) error {
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

	loc := cfg.Assistant.Location()

	tools := toolclient.New(cfg.Assistant.MCPServerBase, cfg.MCPAPIKey(),
		toolCallTimeout, logger)
	logger.Debug("tool client initialized", slog.String("base", cfg.Assistant.MCPServerBase))

	task := llm.NewOpenAIClient(cfg.LLM.TaskBaseURL, cfg.LLM.TaskAPIKey,
		cfg.LLM.TaskModel, logger, llm.WithName("task"))
	chat := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		cfg.LLM.Model, logger, llm.WithName("chat"))
	llmRouter := llm.NewRouter(task, chat, cfg.LLM.Timeout())
	logger.Debug("llm router initialized",
		slog.String("task_model", cfg.LLM.TaskModel),
		slog.String("chat_model", cfg.LLM.Model))

	intents, err := agent.NewIntentParser(cfg.Assistant.SkillsFile, llmRouter,
		logger, sc.Metrics)
	if err != nil {
		return fmt.Errorf("loading skills config: %w", err)
	}
	if stopWatch, err := intents.Watch(); err != nil {
		logger.Warn("skills file watch unavailable", slog.String("error", err.Error()))
	} else {
		sc.addCleanup(stopWatch)
	}

	renderer := agent.NewRenderer(cfg.Assistant.ResponsePoolFile, loc, logger)

	var reminders reminder.Store
	if cfg.Reminder.PostgresDSN != "" {
		reminders, err = reminder.OpenPostgres(cfg.Reminder.PostgresDSN, logger)
	} else {
		reminders, err = reminder.OpenSQLite(cfg.ReminderDBPath(), logger)
	}
	if err != nil {
		return fmt.Errorf("opening reminder store: %w", err)
	}
	sc.addCleanup(func() {
		if err := reminders.Close(); err != nil {
			logger.Warn("closing reminder store", slog.String("error", err.Error()))
		}
	})

	deps := skills.Deps{
		Tools:    tools,
		Intents:  intents,
		Renderer: renderer,
		LLM:      llmRouter,
		Location: loc,
		Logger:   logger,
		Metrics:  sc.Metrics,
	}
	registered, err := buildSkills(deps, reminders)
	if err != nil {
		return err
	}
	skillRouter := agent.NewRouter(registered, intents.Config().MaxHops,
		logger, sc.Metrics)

	sender := feishu.NewSender(sc.API, logger)
	states := agent.NewStateStore(cfg.Assistant.SessionTTL())

	orch, err := agent.New(states, intents, skillRouter, renderer, sender,
		cfg.Assistant.SessionTTL(), logger, sc.Metrics, sc.Tracer)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx, orchestratorWorkers)

	if cfg.Reminder.SchedulerEnabled {
		dispatcher := reminder.NewDispatcher(reminders, sender, loc, logger)
		if err := dispatcher.Start(ctx, cfg.Reminder.DispatchCron); err != nil {
			return fmt.Errorf("starting reminder dispatcher: %w", err)
		}
		defer dispatcher.Stop()
	}

	if cfg.Feishu.UseWebSocket {
		ws := feishu.NewWSClient(sc.API, orch, logger)
		go func() {
			if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("long connection exited", slog.String("error", err.Error()))
			}
		}()
	}

	wh := feishu.NewWebhook(&cfg.Feishu, cfg.Assistant.ListenAddr, orch,
		logger, sc.MetricsRegistry)

	errCh := make(chan error, 1)
	go func() { errCh <- wh.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return runtimeError{err}
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wh.Stop(shutCtx); err != nil {
		return runtimeError{err}
	}
	return nil
}

// buildSkills constructs every conversational skill in routing order.
func buildSkills(deps skills.Deps, reminders reminder.Store) ([]agent.Skill, error) {
	query, err := skills.NewQuery(deps)
	if err != nil {
		return nil, err
	}
	create, err := skills.NewCreate(deps)
	if err != nil {
		return nil, err
	}
	update, err := skills.NewUpdate(deps)
	if err != nil {
		return nil, err
	}
	del, err := skills.NewDelete(deps)
	if err != nil {
		return nil, err
	}
	summary, err := skills.NewSummary(deps)
	if err != nil {
		return nil, err
	}
	chitchat, err := skills.NewChitchat(deps)
	if err != nil {
		return nil, err
	}
	remind, err := skills.NewReminders(deps, reminders)
	if err != nil {
		return nil, err
	}
	return []agent.Skill{query, create, update, del, summary, chitchat, remind}, nil
}
