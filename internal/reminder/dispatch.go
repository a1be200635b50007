package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Sender delivers a reminder text to the user's channel.
type Sender interface {
	SendText(ctx context.Context, openID, chatID, text string) error
}

// Dispatcher scans pending reminders on a cron cadence and sends due
// ones through the dedupe gateway.
type Dispatcher struct {
	store    Store
	sender   Sender
	logger   *slog.Logger
	loc      *time.Location
	instance string
	cron     *cron.Cron
}

// NewDispatcher wires the reminder dispatch loop.
func NewDispatcher(store Store, sender Sender, loc *time.Location, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sender:   sender,
		logger:   logger,
		loc:      loc,
		instance: uuid.NewString(),
		cron:     cron.New(),
	}
}

// Start schedules the dispatch loop. spec is a cron expression such as
// "@every 1m".
func (d *Dispatcher) Start(ctx context.Context, spec string) error {
	if _, err := d.cron.AddFunc(spec, func() {
		if err := d.DispatchDue(ctx); err != nil {
			d.logger.Error("reminder dispatch round failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling reminder dispatch: %w", err)
	}
	d.cron.Start()
	d.logger.Info("reminder dispatcher started",
		slog.String("cadence", spec),
		slog.String("instance", d.instance))
	return nil
}

// Stop halts the cron loop, waiting for a running round.
func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
}

// DispatchDue claims and sends due reminders once.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	now := time.Now()
	due, err := d.store.ClaimDue(ctx, d.instance, now, 20)
	if err != nil {
		return fmt.Errorf("claiming due reminders: %w", err)
	}
	for i := range due {
		d.dispatchOne(ctx, &due[i], now)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r *Reminder, now time.Time) {
	businessID := fmt.Sprintf("reminder:%d", r.ID)
	targetDay := r.DueAt.In(d.loc).Format("2006-01-02")
	dup, err := d.store.AlreadyDispatched(ctx, businessID, targetDay, 0)
	if err != nil {
		d.logger.Error("dispatch dedupe check failed",
			slog.Uint64("reminder_id", uint64(r.ID)),
			slog.String("error", err.Error()))
		if relErr := d.store.ReleaseFailed(ctx, r.ID, err.Error()); relErr != nil {
			d.logger.Error("releasing reminder failed", slog.String("error", relErr.Error()))
		}
		return
	}
	if dup {
		// Sent earlier (e.g. the finishing update was lost): close it
		// without sending again.
		if err := d.store.MarkNotified(ctx, r.ID); err != nil {
			d.logger.Error("finishing duplicate reminder failed", slog.String("error", err.Error()))
		}
		return
	}

	text := fmt.Sprintf("⏰ 提醒:%s(计划时间 %s)",
		r.Content, r.DueAt.In(d.loc).Format("2006-01-02 15:04"))
	if err := d.sender.SendText(ctx, r.UserID, r.ChatID, text); err != nil {
		d.logger.Warn("reminder send failed",
			slog.Uint64("reminder_id", uint64(r.ID)),
			slog.String("error", err.Error()))
		if relErr := d.store.ReleaseFailed(ctx, r.ID, err.Error()); relErr != nil {
			d.logger.Error("releasing reminder failed", slog.String("error", relErr.Error()))
		}
		return
	}
	if err := d.store.RecordDispatch(ctx, businessID, targetDay, 0); err != nil {
		d.logger.Error("recording dispatch failed",
			slog.Uint64("reminder_id", uint64(r.ID)),
			slog.String("error", err.Error()))
	}

	if err := d.store.MarkNotified(ctx, r.ID); err != nil {
		d.logger.Error("finishing reminder failed",
			slog.Uint64("reminder_id", uint64(r.ID)),
			slog.String("error", err.Error()))
	}
	d.logger.InfoContext(ctx, "reminder dispatched",
		slog.Uint64("reminder_id", uint64(r.ID)),
		slog.String("user_id", r.UserID),
		slog.Duration("late_by", now.Sub(r.DueAt)))
}
