package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/automation/actions"
	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

// Scheduler owns the engine's periodic work: the compensation scan
// that catches events the webhook missed, replay of due delay tasks,
// and deletion reconciliation for upsert mirrors.
type Scheduler struct {
	cfg        *config.AutomationConfig
	store      *store.Store
	processor  *Processor
	dispatcher *Dispatcher
	registry   *rules.Registry
	api        RecordAPI
	logger     *slog.Logger

	cron *cron.Cron
}

// NewScheduler wires the cron runner.
func NewScheduler(cfg *config.AutomationConfig, st *store.Store, proc *Processor,
	disp *Dispatcher, registry *rules.Registry, api RecordAPI, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		processor:  proc,
		dispatcher: disp,
		registry:   registry,
		api:        api,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start registers the cron entries and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 10s", func() {
		if err := s.ReplayDue(ctx); err != nil {
			s.logger.Error("delay replay tick failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("registering delay replay: %w", err)
	}

	if s.cfg.PollerEnabled {
		if _, err := s.cron.AddFunc(s.cfg.PollCron, func() {
			if err := s.Scan(ctx); err != nil {
				s.logger.Error("compensation scan failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("registering poll cron %q: %w", s.cfg.PollCron, err)
		}
	}

	s.cron.Start()
	s.logger.Info("automation scheduler started",
		slog.Bool("poller", s.cfg.PollerEnabled),
		slog.String("poll_cron", s.cfg.PollCron))
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ReplayDue claims due delay tasks and runs their persisted pipelines.
func (s *Scheduler) ReplayDue(ctx context.Context) error {
	tasks, err := s.store.DueDelayTasks(time.Now(), 20)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		var payload actions.DelayPayload
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			s.logger.Error("delay task payload unreadable",
				slog.String("task_id", task.TaskID),
				slog.String("error", err.Error()))
			if err := s.store.FinishDelayTask(task.TaskID, store.DelayFailed); err != nil {
				s.logger.Error("marking delay task failed", slog.String("error", err.Error()))
			}
			continue
		}

		status := store.DelayDone
		if err := s.processor.ReplayDelayed(ctx, payload); err != nil {
			status = store.DelayFailed
			s.logger.Error("delayed pipeline failed",
				slog.String("task_id", task.TaskID),
				slog.String("rule_id", task.RuleID),
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("delayed pipeline executed",
				slog.String("task_id", task.TaskID),
				slog.String("rule_id", task.RuleID))
		}
		if err := s.store.FinishDelayTask(task.TaskID, status); err != nil {
			s.logger.Error("finishing delay task", slog.String("error", err.Error()))
		}
	}
	return nil
}

// scanMode selects how a table walk treats what it finds.
type scanMode int

const (
	// scanCompensate is the periodic pass catching missed webhooks.
	scanCompensate scanMode = iota
	// scanBaseline records current state only: no diffing, no firing.
	scanBaseline
	// scanFull is the compensation pass plus deletion reconciliation.
	scanFull
)

// Scan walks every rule-covered table page by page, dispatching a
// synthetic event per record. The webhook path stays primary: the scan
// only compensates for missed deliveries, and the shared snapshot diff
// makes re-processing harmless.
func (s *Scheduler) Scan(ctx context.Context) error {
	return s.walk(ctx, scanCompensate)
}

// Baseline seeds snapshots for every rule-covered record without
// evaluating any rule, regardless of what the stored snapshots say.
func (s *Scheduler) Baseline(ctx context.Context) error {
	return s.walk(ctx, scanBaseline)
}

// Sync is the full sweep: the compensation pass plus bounded deletion
// reconciliation for records that vanished from the source tables.
func (s *Scheduler) Sync(ctx context.Context) error {
	return s.walk(ctx, scanFull)
}

func (s *Scheduler) walk(ctx context.Context, mode scanMode) error {
	var firstErr error
	for _, key := range s.registry.Tables() {
		if err := s.scanTable(ctx, key, mode); err != nil {
			s.logger.Error("table scan failed",
				slog.String("table", key.String()),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) scanTable(ctx context.Context, key bitable.TableKey, mode scanMode) error {
	_, scannedBefore, err := s.store.LoadCheckpoint(key)
	if err != nil {
		return err
	}
	// New records fire from a scan only after the table has a completed
	// pass behind it; the very first pass just seeds snapshots.
	firstPass := scannedBefore == 0 && s.cfg.TriggerOnNewRecordScanCheckpoint

	origin := OriginScan
	if mode == scanBaseline {
		origin = OriginInit
	}

	seen := make(map[string]bool)
	pageToken := ""
	var scanned int64
	for {
		page, err := s.api.SearchRecords(ctx, key, bitable.SearchRequest{
			PageSize:  100,
			PageToken: pageToken,
		})
		if err != nil {
			return fmt.Errorf("scanning %s: %w", key, err)
		}

		for _, rec := range page.Records {
			seen[rec.RecordID] = true
			scanned++
			ev := Event{
				EventID: fmt.Sprintf("%s:%s:%s:%d", origin, key.String(), rec.RecordID, rec.LastModified),
				Kind:    rules.OnUpdated,
				Origin:  origin,
				Locator: bitable.Locator{
					AppToken: key.AppToken, TableID: key.TableID, RecordID: rec.RecordID,
				},
				Fields:          rec.Fields,
				SuppressNewFire: firstPass || mode == scanBaseline,
			}
			if _, err := s.dispatcher.Dispatch(ctx, ev); err != nil {
				return err
			}
		}

		if err := s.store.SaveCheckpoint(key, page.PageToken, scannedBefore+scanned); err != nil {
			return err
		}
		if !page.HasMore {
			break
		}
		pageToken = page.PageToken
	}

	if mode == scanFull && s.cfg.SyncDeletionsEnabled && !firstPass {
		if err := s.reconcileDeletions(ctx, key, seen); err != nil {
			return err
		}
	}
	return nil
}

// reconcileDeletions removes snapshots (and mirrored upsert targets) of
// records that vanished from the source table, capped per run so a
// mis-scoped view cannot mass-delete.
func (s *Scheduler) reconcileDeletions(ctx context.Context, key bitable.TableKey, seen map[string]bool) error {
	ids, err := s.store.SnapshotRecordIDs(key)
	if err != nil {
		return err
	}

	limit := s.cfg.MaxDeletionsPerRun()
	deleted := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if deleted >= limit {
			s.logger.Warn("deletion reconciliation cap reached",
				slog.String("table", key.String()),
				slog.Int("cap", limit))
			break
		}

		loc := bitable.Locator{AppToken: key.AppToken, TableID: key.TableID, RecordID: id}
		if err := s.deleteMirrorTargets(ctx, key, id); err != nil {
			s.logger.Error("mirror cleanup failed",
				slog.String("record_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.store.DeleteSnapshot(loc); err != nil {
			return err
		}
		deleted++
		s.logger.Info("deleted record reconciled",
			slog.String("table", key.String()),
			slog.String("record_id", id))
	}
	return nil
}

func (s *Scheduler) deleteMirrorTargets(ctx context.Context, key bitable.TableKey, sourceRecordID string) error {
	for _, rule := range s.registry.ForTable(key, nil) {
		mirrors, err := s.store.UpsertMirrors(rule.ID)
		if err != nil {
			return err
		}
		for _, m := range mirrors {
			if m.SourceRecordID != sourceRecordID {
				continue
			}
			if err := s.api.DeleteRecord(ctx, m.Target); err != nil {
				var apiErr *bitable.APIError
				if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
					return fmt.Errorf("deleting mirror target %s: %w", m.Target.RecordID, err)
				}
			}
			if err := s.store.DeleteUpsertMirror(rule.ID, sourceRecordID); err != nil {
				return err
			}
		}
	}
	return nil
}
