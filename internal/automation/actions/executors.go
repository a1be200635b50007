package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/bitable"
)

// TableAPI is the subset of the upstream client the executors need.
type TableAPI interface {
	CreateRecord(ctx context.Context, key bitable.TableKey, fields bitable.Fields) (string, error)
	UpdateRecord(ctx context.Context, loc bitable.Locator, fields bitable.Fields) error
	SearchRecords(ctx context.Context, key bitable.TableKey, req bitable.SearchRequest) (*bitable.SearchPage, error)
	CreateCalendarEvent(ctx context.Context, ev bitable.CalendarEvent) (string, error)
}

// MirrorStore records source→target links maintained by upserts.
type MirrorStore interface {
	SaveUpsertMirror(ruleID, sourceRecordID string, target bitable.Locator) error
}

// Deferrer persists a delayed sub-pipeline for later replay.
type Deferrer interface {
	CreateDelayTask(taskID, ruleID string, scheduledAt time.Time, payload string) error
}

// --- log.write ---

// LogWrite renders a template into the structured run log.
type LogWrite struct {
	Logger *slog.Logger
}

func (LogWrite) Type() string { return "log.write" }

func (a LogWrite) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	a.Logger.InfoContext(ctx, rules.Render(action.Template, in.RenderContext()),
		slog.String("rule_id", in.RuleID),
		slog.String("table_id", in.Source.TableID),
		slog.String("record_id", in.Source.RecordID))
	return nil
}

// --- bitable.update ---

// BitableUpdate writes rendered field values back to a record: the
// source record by default, or a record in a target table located by
// its anchor field.
type BitableUpdate struct {
	API TableAPI
}

func (BitableUpdate) Type() string { return "bitable.update" }

func (a BitableUpdate) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	fields := renderFields(action.Fields, in)
	if len(fields) == 0 {
		return fmt.Errorf("bitable.update has no fields")
	}

	if action.Target == nil || sameTable(action.Target, in.Source) {
		return a.API.UpdateRecord(ctx, in.Source, fields)
	}

	if action.AnchorField == "" {
		return fmt.Errorf("cross-table bitable.update requires anchor_field")
	}
	target, found, err := findByAnchor(ctx, a.API, action.Target.Key(), action.AnchorField, in.Source.RecordID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no record in %s with %s=%s", action.Target.TableID, action.AnchorField, in.Source.RecordID)
	}
	return a.API.UpdateRecord(ctx, target, fields)
}

// --- bitable.upsert ---

// BitableUpsert maintains one record in a target table per source
// record, keyed by the anchor field carrying the source record id.
type BitableUpsert struct {
	API     TableAPI
	Mirrors MirrorStore
}

func (BitableUpsert) Type() string { return "bitable.upsert" }

func (a BitableUpsert) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	if action.Target == nil || action.Target.TableID == "" {
		return fmt.Errorf("bitable.upsert requires a target table")
	}
	if action.AnchorField == "" {
		return fmt.Errorf("bitable.upsert requires anchor_field")
	}

	fields := renderFields(action.Fields, in)
	key := action.Target.Key()

	target, found, err := findByAnchor(ctx, a.API, key, action.AnchorField, in.Source.RecordID)
	if err != nil {
		return err
	}
	if found {
		if err := a.API.UpdateRecord(ctx, target, fields); err != nil {
			return err
		}
	} else {
		fields[action.AnchorField] = bitable.TextValue(in.Source.RecordID)
		recordID, err := a.API.CreateRecord(ctx, key, fields)
		if err != nil {
			return err
		}
		target = bitable.Locator{AppToken: key.AppToken, TableID: key.TableID, RecordID: recordID}
	}

	if a.Mirrors != nil {
		if err := a.Mirrors.SaveUpsertMirror(in.RuleID, in.Source.RecordID, target); err != nil {
			return fmt.Errorf("recording upsert mirror: %w", err)
		}
	}
	return nil
}

// --- calendar.create ---

// CalendarCreate schedules an event from the record's date fields.
type CalendarCreate struct {
	API    TableAPI
	Logger *slog.Logger
}

func (CalendarCreate) Type() string { return "calendar.create" }

func (a CalendarCreate) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	if action.StartField == "" {
		return fmt.Errorf("calendar.create requires start_field")
	}
	// An empty date cell is a normal record state, not a failure: the
	// action skips instead of aborting the pipeline.
	start, ok := in.Fields[action.StartField]
	if !ok || start.Kind != bitable.KindDate || start.DateMS == 0 {
		if a.Logger != nil {
			a.Logger.DebugContext(ctx, "calendar.create skipped, start field empty",
				slog.String("field", action.StartField),
				slog.String("record_id", in.Source.RecordID))
		}
		return nil
	}

	endMS := start.DateMS + int64(time.Hour/time.Millisecond)
	if action.EndField != "" {
		if end, ok := in.Fields[action.EndField]; ok && end.Kind == bitable.KindDate && end.DateMS > start.DateMS {
			endMS = end.DateMS
		}
	}

	title := rules.Render(action.Title, in.RenderContext())
	if title == "" {
		title = fmt.Sprintf("%s/%s", in.Source.TableID, in.Source.RecordID)
	}
	_, err := a.API.CreateCalendarEvent(ctx, bitable.CalendarEvent{
		Summary: title,
		StartMS: start.DateMS,
		EndMS:   endMS,
	})
	return err
}

// --- http.request ---

// HTTPRequest posts rendered payloads to an allowlisted external URL.
// Response bodies are never logged.
type HTTPRequest struct {
	Client    *http.Client
	Allowlist []string
	Logger    *slog.Logger
}

// NewHTTPRequest builds the executor with a non-redirecting client
// capped at the given timeout.
func NewHTTPRequest(timeout time.Duration, allowlist []string, logger *slog.Logger) HTTPRequest {
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return HTTPRequest{
		Client: &http.Client{
			Timeout: timeout,
			// Redirects could re-point an allowlisted URL at an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Allowlist: allowlist,
		Logger:    logger,
	}
}

func (HTTPRequest) Type() string { return "http.request" }

func (a HTTPRequest) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	rc := in.RenderContext()
	target := rules.Render(action.URL, rc)
	if err := ValidateOutboundURL(target, a.Allowlist); err != nil {
		return fmt.Errorf("outbound URL rejected: %w", err)
	}

	method := action.Method
	if method == "" {
		method = http.MethodPost
	}

	var reader io.Reader
	if len(action.Body) > 0 {
		encoded, err := json.Marshal(renderBody(action.Body, rc))
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Headers {
		req.Header.Set(k, rules.Render(v, rc))
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	a.Logger.DebugContext(ctx, "outbound request done",
		slog.String("method", method),
		slog.String("host", req.URL.Hostname()),
		slog.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &bitable.APIError{Status: resp.StatusCode, Message: "outbound request failed"}
	}
	return nil
}

func renderBody(body map[string]any, rc rules.RenderContext) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		switch tv := v.(type) {
		case string:
			out[k] = rules.Render(tv, rc)
		case map[string]any:
			out[k] = renderBody(tv, rc)
		default:
			out[k] = v
		}
	}
	return out
}

// --- delay ---

// DelayPayload is the persisted context a delayed sub-pipeline replays with.
type DelayPayload struct {
	EventID  string          `json:"event_id"`
	RuleID   string          `json:"rule_id"`
	Source   bitable.Locator `json:"source"`
	Fields   bitable.Fields  `json:"fields"`
	Pipeline []rules.Action  `json:"pipeline"`
}

// Delay persists the nested pipeline for execution after the interval.
// The task survives restarts; the scheduler replays it when due.
type Delay struct {
	Deferrer Deferrer
	Logger   *slog.Logger
}

func (Delay) Type() string { return "delay" }

func (a Delay) Execute(ctx context.Context, action rules.Action, in ExecInput) error {
	if action.Seconds <= 0 {
		return fmt.Errorf("delay requires positive seconds")
	}
	if len(action.Pipeline) == 0 {
		return fmt.Errorf("delay has an empty pipeline")
	}

	payload, err := json.Marshal(DelayPayload{
		EventID:  in.EventID,
		RuleID:   in.RuleID,
		Source:   in.Source,
		Fields:   in.Fields,
		Pipeline: action.Pipeline,
	})
	if err != nil {
		return fmt.Errorf("encoding delay payload: %w", err)
	}

	taskID := uuid.NewString()
	scheduledAt := time.Now().Add(time.Duration(action.Seconds) * time.Second)
	if err := a.Deferrer.CreateDelayTask(taskID, in.RuleID, scheduledAt, string(payload)); err != nil {
		return fmt.Errorf("persisting delay task: %w", err)
	}
	a.Logger.InfoContext(ctx, "delay task scheduled",
		slog.String("task_id", taskID),
		slog.String("rule_id", in.RuleID),
		slog.Time("scheduled_at", scheduledAt))
	return nil
}

// --- shared helpers ---

func renderFields(templates map[string]string, in ExecInput) bitable.Fields {
	rc := in.RenderContext()
	fields := make(bitable.Fields, len(templates))
	for name, tmpl := range templates {
		fields[name] = bitable.TextValue(rules.Render(tmpl, rc))
	}
	return fields
}

func sameTable(target *rules.TableRef, source bitable.Locator) bool {
	if target.TableID != source.TableID {
		return false
	}
	return target.AppToken == "" || target.AppToken == source.AppToken
}

func findByAnchor(ctx context.Context, api TableAPI, key bitable.TableKey, anchorField, sourceRecordID string) (bitable.Locator, bool, error) {
	page, err := api.SearchRecords(ctx, key, bitable.SearchRequest{
		PageSize: 1,
		Filter: &bitable.SearchFilter{
			Conjunction: "and",
			Conditions: []bitable.SearchCondition{
				{FieldName: anchorField, Operator: "is", Value: []string{sourceRecordID}},
			},
		},
	})
	if err != nil {
		return bitable.Locator{}, false, fmt.Errorf("searching target by anchor: %w", err)
	}
	if len(page.Records) == 0 {
		return bitable.Locator{}, false, nil
	}
	return bitable.Locator{
		AppToken: key.AppToken, TableID: key.TableID, RecordID: page.Records[0].RecordID,
	}, true, nil
}
