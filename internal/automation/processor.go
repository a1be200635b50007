// Package automation is the rule engine: it turns record change events
// into diffs, matches them against the declarative rules, and runs the
// matched pipelines with retry, idempotency, and a durable run log.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/automation/actions"
	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/observability"
)

// Event origins.
const (
	OriginEvent  = "event"
	OriginScan   = "scan"
	OriginInit   = "init"
	OriginManual = "manual"
	OriginDelay  = "delay"
)

// Default status writes on the source record around pipeline phases.
const (
	statusRunning = "处理中"
	statusDone    = "成功"
	statusFailed  = "失败"
)

// Event is one normalized record change notification.
type Event struct {
	EventID string
	Kind    string // rules.OnCreated | rules.OnUpdated
	Origin  string
	Locator bitable.Locator

	// Fields carries the already-fetched record state (scan path);
	// when nil the processor fetches the record itself.
	Fields bitable.Fields

	// SuppressNewFire forces silent snapshot initialization for records
	// first seen by this event (set on a table's initial scan pass).
	SuppressNewFire bool
}

// RecordAPI is the upstream surface the processor needs.
type RecordAPI interface {
	actions.TableAPI
	GetRecord(ctx context.Context, loc bitable.Locator, fieldNames []string) (*bitable.Record, error)
	DeleteRecord(ctx context.Context, loc bitable.Locator) error
}

// Processor evaluates one event end to end.
type Processor struct {
	cfg      *config.AutomationConfig
	api      RecordAPI
	store    *store.Store
	registry *rules.Registry
	runner   *actions.Runner
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewProcessor wires the processor and its action executors.
func NewProcessor(cfg *config.AutomationConfig, api RecordAPI, st *store.Store,
	registry *rules.Registry, logger *slog.Logger, metrics *observability.Metrics,
	tracer trace.Tracer) *Processor {

	execs := actions.NewRegistry()
	execs.Register(actions.LogWrite{Logger: logger})
	execs.Register(actions.BitableUpdate{API: api})
	execs.Register(actions.BitableUpsert{API: api, Mirrors: st})
	execs.Register(actions.CalendarCreate{API: api, Logger: logger})
	execs.Register(actions.NewHTTPRequest(cfg.HTTPTimeout(), cfg.HTTPAllowedDomains, logger))
	execs.Register(actions.Delay{Deferrer: st, Logger: logger})

	return &Processor{
		cfg:      cfg,
		api:      api,
		store:    st,
		registry: registry,
		runner: &actions.Runner{
			Registry:   execs,
			MaxRetries: cfg.MaxRetries(),
			BaseDelay:  cfg.RetryDelay(),
			Logger:     logger,
		},
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Process evaluates an event: fetch, diff, match, execute, persist.
// The returned result is one of the run-log result constants.
func (p *Processor) Process(ctx context.Context, ev Event) (string, error) {
	started := time.Now()
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "automation.process",
			trace.WithAttributes(
				attribute.String("event.id", ev.EventID),
				attribute.String("table.id", ev.Locator.TableID),
				attribute.String("record.id", ev.Locator.RecordID),
			))
		defer span.End()
	}

	result, err := p.process(ctx, ev, started)
	p.metrics.RecordEvent(result, time.Since(started).Seconds())
	return result, err
}

func (p *Processor) process(ctx context.Context, ev Event, started time.Time) (string, error) {
	key := bitable.TableKey{AppToken: ev.Locator.AppToken, TableID: ev.Locator.TableID}
	disabled, err := p.store.DisabledRules()
	if err != nil {
		return store.ResultFailed, err
	}
	tableRules := p.registry.ForTable(key, disabled)
	if len(tableRules) == 0 {
		return store.ResultNoMatch, nil
	}

	fields := ev.Fields
	if fields == nil {
		plan := rules.PlanForTable(tableRules)
		var fieldNames []string
		if !plan.Full {
			fieldNames = plan.Fields
		}
		record, err := p.api.GetRecord(ctx, ev.Locator, fieldNames)
		if err != nil {
			var apiErr *bitable.APIError
			if errors.As(err, &apiErr) && apiErr.IsNotFound() {
				// Record deleted between event and fetch.
				if derr := p.store.DeleteSnapshot(ev.Locator); derr != nil {
					p.logger.ErrorContext(ctx, "dropping snapshot of deleted record failed",
						slog.String("record_id", ev.Locator.RecordID),
						slog.String("error", derr.Error()))
				}
				return store.ResultNoMatch, nil
			}
			return store.ResultFailed, fmt.Errorf("fetching record: %w", err)
		}
		fields = record.Fields
	}

	// Baseline events only record current state. They never diff and
	// never evaluate rules, even when a stored snapshot disagrees with
	// upstream.
	if ev.Origin == OriginInit {
		if err := p.store.SaveSnapshot(ev.Locator, fields); err != nil {
			return store.ResultFailed, err
		}
		p.logger.DebugContext(ctx, "baseline snapshot stored",
			slog.String("table_id", ev.Locator.TableID),
			slog.String("record_id", ev.Locator.RecordID))
		return store.ResultNoMatch, nil
	}

	old, hasSnapshot, err := p.store.LoadSnapshot(ev.Locator)
	if err != nil {
		return store.ResultFailed, err
	}

	kind := ev.Kind
	if !hasSnapshot && kind != rules.OnCreated {
		// First observation without a create signal: initialize the
		// snapshot silently so historical state never fires rules.
		if !ev.SuppressNewFire && p.newRecordFires(ev.Origin) {
			kind = rules.OnCreated
		} else {
			if err := p.store.SaveSnapshot(ev.Locator, fields); err != nil {
				return store.ResultFailed, err
			}
			p.logger.DebugContext(ctx, "snapshot initialized",
				slog.String("table_id", ev.Locator.TableID),
				slog.String("record_id", ev.Locator.RecordID))
			return store.ResultNoMatch, nil
		}
	}

	changes := bitable.Diff(old, fields)
	if kind != rules.OnCreated && len(changes) == 0 {
		return store.ResultNoMatch, nil
	}

	entry := store.RunLogEntry{
		Timestamp: started.UTC(),
		EventID:   ev.EventID,
		AppToken:  ev.Locator.AppToken,
		TableID:   ev.Locator.TableID,
		RecordID:  ev.Locator.RecordID,
		Changed:   changedMap(changes),
		Result:    store.ResultNoMatch,
	}

	in := actions.ExecInput{
		EventID: ev.EventID,
		Source:  ev.Locator,
		Fields:  fields,
		Changes: changes,
	}
	match := rules.MatchInput{EventKind: kind, Old: old, New: fields, Changes: changes}

	var matchedAny, failedAny, succeededAny bool
	for i := range tableRules {
		rule := &tableRules[i]
		entry.RulesEvaluated = append(entry.RulesEvaluated, rule.ID)

		ok, triggerField := rules.Match(rule, match)
		if !ok {
			continue
		}
		matchedAny = true
		entry.RulesMatched = append(entry.RulesMatched, rule.ID)
		if entry.TriggerField == "" {
			entry.TriggerField = triggerField
		}
		entry.RuleID = rule.ID

		bizKey := store.BusinessKey(rule.ID, ev.Locator.TableID, ev.Locator.RecordID, changes)
		done, err := p.store.BusinessDone(bizKey)
		if err != nil {
			return store.ResultFailed, err
		}
		if done {
			p.logger.InfoContext(ctx, "change already handled, skipping",
				slog.String("rule_id", rule.ID),
				slog.String("record_id", ev.Locator.RecordID))
			continue
		}

		in.RuleID = rule.ID
		if err := p.runRule(ctx, rule, in, &entry); err != nil {
			failedAny = true
		} else {
			succeededAny = true
			if err := p.store.MarkBusiness(bizKey, rule.ID); err != nil {
				p.logger.ErrorContext(ctx, "recording business key failed",
					slog.String("rule_id", rule.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	if err := p.store.SaveSnapshot(ev.Locator, fields); err != nil {
		return store.ResultFailed, err
	}

	switch {
	case !matchedAny:
		entry.Result = store.ResultNoMatch
	case failedAny && succeededAny:
		entry.Result = store.ResultPartial
	case failedAny:
		entry.Result = store.ResultFailed
	default:
		entry.Result = store.ResultSuccess
	}
	entry.DurationMS = time.Since(started).Milliseconds()
	if err := p.store.AppendRunLog(entry); err != nil {
		p.logger.ErrorContext(ctx, "appending run log failed", slog.String("error", err.Error()))
	}
	return entry.Result, nil
}

// runRule executes the before/main/after phases of one matched rule.
func (p *Processor) runRule(ctx context.Context, rule *rules.Rule, in actions.ExecInput, entry *store.RunLogEntry) error {
	p.writeStatus(ctx, in.Source, statusRunning, "")

	results := p.runner.RunPipeline(ctx, rule.Pipeline, in)
	var pipelineErr error
	retries := 0
	for _, r := range results {
		entry.ActionsExecuted = append(entry.ActionsExecuted, r.Type)
		entry.ActionsDetail = append(entry.ActionsDetail, store.ActionDetail{
			Type: r.Type, RetryCount: r.Retries, DurationMS: r.Duration.Milliseconds(),
		})
		retries += r.Retries
		p.metrics.RecordAction(r.Type, r.Err != nil)
		if r.Err != nil {
			pipelineErr = r.Err
			p.deadLetter(ctx, rule.ID, in, r)
			entry.SentToDeadLetter = true
		}
	}
	entry.RetryCount += retries

	if pipelineErr == nil {
		p.writeStatus(ctx, in.Source, statusDone, "")
		p.runPhase(ctx, rule.SuccessActions, in, entry)
		return nil
	}

	entry.Error = fmt.Sprintf("AUTOMATION_001: %s", pipelineErr.Error())
	p.writeStatus(ctx, in.Source, statusFailed, pipelineErr.Error())
	errIn := in
	errIn.ErrorText = pipelineErr.Error()
	p.runPhase(ctx, rule.ErrorActions, errIn, entry)
	return pipelineErr
}

// runPhase executes an auxiliary phase; its failures are logged but do
// not change the run outcome.
func (p *Processor) runPhase(ctx context.Context, phase []rules.Action, in actions.ExecInput, entry *store.RunLogEntry) {
	if len(phase) == 0 {
		return
	}
	for _, r := range p.runner.RunPipeline(ctx, phase, in) {
		entry.ActionsExecuted = append(entry.ActionsExecuted, r.Type)
		entry.ActionsDetail = append(entry.ActionsDetail, store.ActionDetail{
			Type: r.Type, RetryCount: r.Retries, DurationMS: r.Duration.Milliseconds(),
		})
		p.metrics.RecordAction(r.Type, r.Err != nil)
		if r.Err != nil {
			p.logger.WarnContext(ctx, "auxiliary action failed",
				slog.String("rule_id", in.RuleID),
				slog.String("action", r.Type),
				slog.String("error", r.Err.Error()))
		}
	}
}

// writeStatus applies the default status write when configured.
func (p *Processor) writeStatus(ctx context.Context, loc bitable.Locator, status, errText string) {
	if !p.cfg.StatusWrite || p.cfg.StatusField == "" {
		return
	}
	fields := bitable.Fields{p.cfg.StatusField: bitable.TextValue(status)}
	if errText != "" && p.cfg.ErrorField != "" {
		fields[p.cfg.ErrorField] = bitable.TextValue(errText)
	}
	if err := p.api.UpdateRecord(ctx, loc, fields); err != nil {
		p.logger.WarnContext(ctx, "status write failed",
			slog.String("record_id", loc.RecordID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

func (p *Processor) deadLetter(ctx context.Context, ruleID string, in actions.ExecInput, r actions.ActionResult) {
	row := store.DeadLetterRow{
		RuleID:     ruleID,
		EventID:    in.EventID,
		AppToken:   in.Source.AppToken,
		TableID:    in.Source.TableID,
		RecordID:   in.Source.RecordID,
		ActionType: r.Type,
		Error:      fmt.Sprintf("AUTOMATION_001: %s", r.Err.Error()),
		RetryCount: r.Retries,
	}
	if err := p.store.AppendDeadLetter(row); err != nil {
		p.logger.ErrorContext(ctx, "appending dead letter failed",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()))
		return
	}
	p.metrics.RecordDeadLetter()
	p.logger.ErrorContext(ctx, "action dead-lettered",
		slog.String("rule_id", ruleID),
		slog.String("action", r.Type),
		slog.String("record_id", in.Source.RecordID),
		slog.Int("retries", r.Retries))
}

// ReplayDelayed executes a persisted delayed sub-pipeline.
func (p *Processor) ReplayDelayed(ctx context.Context, payload actions.DelayPayload) error {
	in := actions.ExecInput{
		EventID: payload.EventID,
		RuleID:  payload.RuleID,
		Source:  payload.Source,
		Fields:  payload.Fields,
	}
	var firstErr error
	for _, r := range p.runner.RunPipeline(ctx, payload.Pipeline, in) {
		p.metrics.RecordAction(r.Type, r.Err != nil)
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
			p.deadLetter(ctx, payload.RuleID, in, r)
		}
	}
	return firstErr
}

func (p *Processor) newRecordFires(origin string) bool {
	switch origin {
	case OriginScan:
		return p.cfg.TriggerOnNewRecordScan
	default:
		return p.cfg.TriggerOnNewRecordEvent
	}
}

func changedMap(changes []bitable.Change) map[string]map[string]any {
	if len(changes) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(changes))
	for _, c := range changes {
		out[c.Field] = map[string]any{"old": c.Old.String(), "new": c.New.String()}
	}
	return out
}
