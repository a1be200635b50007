package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/observability"
)

// SchemaAPI lists the authoritative field schema of a table.
type SchemaAPI interface {
	ListFields(ctx context.Context, key bitable.TableKey) ([]bitable.FieldMeta, error)
}

// SchemaWatcher tracks table schemas and protects rules whose trigger
// fields disappear: such rules are disabled at runtime (the rules file
// is never modified) and a risk webhook is notified.
type SchemaWatcher struct {
	cfg      *config.AutomationConfig
	api      SchemaAPI
	store    *store.Store
	registry *rules.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	httpClient *http.Client
	cron       *cron.Cron
}

// NewSchemaWatcher wires the watcher.
func NewSchemaWatcher(cfg *config.AutomationConfig, api SchemaAPI, st *store.Store,
	registry *rules.Registry, logger *slog.Logger, metrics *observability.Metrics) *SchemaWatcher {
	return &SchemaWatcher{
		cfg:      cfg,
		api:      api,
		store:    st,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cron: cron.New(),
	}
}

// Bootstrap seeds the schema cache for every rule-covered table.
// Tables already cached keep their state so a restart cannot mask a
// change that happened while the worker was down.
func (w *SchemaWatcher) Bootstrap(ctx context.Context) error {
	for _, key := range w.registry.Tables() {
		_, cached, err := w.store.SchemaFields(key)
		if err != nil {
			return err
		}
		if cached {
			continue
		}
		names, err := w.fetchFieldNames(ctx, key)
		if err != nil {
			return fmt.Errorf("bootstrapping schema for %s: %w", key, err)
		}
		if err := w.store.SaveSchemaFields(key, names); err != nil {
			return err
		}
		w.logger.InfoContext(ctx, "schema_bootstrap",
			slog.String("table", key.String()),
			slog.Int("fields", len(names)))
	}
	return nil
}

// Start begins the periodic refresh loop.
func (w *SchemaWatcher) Start(ctx context.Context) error {
	if !w.cfg.SchemaSyncEnabled {
		return nil
	}
	spec := fmt.Sprintf("@every %s", w.cfg.SchemaSyncInterval())
	if _, err := w.cron.AddFunc(spec, func() {
		if err := w.RefreshAll(ctx, false); err != nil {
			w.logger.Error("schema refresh failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("registering schema refresh: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the refresh loop.
func (w *SchemaWatcher) Stop() {
	<-w.cron.Stop().Done()
}

// RefreshAll re-checks every rule-covered table. With drill set, the
// risk webhook fires a synthetic notification instead (no comparison).
func (w *SchemaWatcher) RefreshAll(ctx context.Context, drill bool) error {
	if drill {
		return w.sendWebhook(ctx, webhookPayload{
			Event:     "schema_changed",
			Drill:     true,
			Timestamp: time.Now().Unix(),
		})
	}
	var firstErr error
	for _, key := range w.registry.Tables() {
		if err := w.Refresh(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Refresh compares one table against its cached schema and applies the
// protection policy on removed trigger fields.
func (w *SchemaWatcher) Refresh(ctx context.Context, key bitable.TableKey) error {
	current, err := w.fetchFieldNames(ctx, key)
	if err != nil {
		return fmt.Errorf("listing fields of %s: %w", key, err)
	}

	cached, ok, err := w.store.SchemaFields(key)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.store.SaveSchemaFields(key, current); err != nil {
			return err
		}
		w.logger.InfoContext(ctx, "schema_bootstrap",
			slog.String("table", key.String()),
			slog.Int("fields", len(current)))
		return nil
	}

	added, removed := diffNames(cached, current)
	if len(added) == 0 && len(removed) == 0 {
		w.logger.DebugContext(ctx, "schema_refresh_noop", slog.String("table", key.String()))
		return nil
	}

	w.logger.WarnContext(ctx, "schema_changed",
		slog.String("table", key.String()),
		slog.Any("added", added),
		slog.Any("removed", removed))

	disabledNow := w.applyPolicy(ctx, key, removed)

	if err := w.store.SaveSchemaFields(key, current); err != nil {
		return err
	}

	if len(removed) > 0 {
		if err := w.sendWebhook(ctx, webhookPayload{
			Event:         "schema_changed",
			Table:         key.String(),
			Added:         added,
			Removed:       removed,
			DisabledRules: disabledNow,
			Timestamp:     time.Now().Unix(),
		}); err != nil {
			w.logger.ErrorContext(ctx, "risk webhook failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// applyPolicy disables rules whose trigger fields were removed and
// returns their ids.
func (w *SchemaWatcher) applyPolicy(ctx context.Context, key bitable.TableKey, removed []string) []string {
	if len(removed) == 0 {
		return nil
	}
	gone := make(map[string]bool, len(removed))
	for _, f := range removed {
		gone[f] = true
	}

	var disabledNow []string
	for _, rule := range w.registry.ForTable(key, nil) {
		for _, f := range rule.TriggerFields() {
			if !gone[f] {
				continue
			}
			reason := fmt.Sprintf("SCHEMA_001: trigger field %q removed from %s", f, key)
			if err := w.store.SetRuleDisabled(rule.ID, true, reason); err != nil {
				w.logger.ErrorContext(ctx, "disabling rule failed",
					slog.String("rule_id", rule.ID),
					slog.String("error", err.Error()))
				continue
			}
			disabledNow = append(disabledNow, rule.ID)
			w.logger.WarnContext(ctx, "schema_policy_applied",
				slog.String("rule_id", rule.ID),
				slog.String("reason", reason))
			break
		}
	}

	if disabled, err := w.store.DisabledRules(); err == nil {
		w.metrics.SetRulesDisabled(len(disabled))
	}
	return disabledNow
}

func (w *SchemaWatcher) fetchFieldNames(ctx context.Context, key bitable.TableKey) ([]string, error) {
	metas, err := w.api.ListFields(ctx, key)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.FieldName)
	}
	sort.Strings(names)
	return names, nil
}

type webhookPayload struct {
	Event         string   `json:"event"`
	Table         string   `json:"table,omitempty"`
	Added         []string `json:"added,omitempty"`
	Removed       []string `json:"removed,omitempty"`
	DisabledRules []string `json:"disabled_rules,omitempty"`
	Drill         bool     `json:"drill,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// sendWebhook posts the signed risk notification.
func (w *SchemaWatcher) sendWebhook(ctx context.Context, payload webhookPayload) error {
	if w.cfg.SchemaWebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.SchemaWebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.SchemaWebhookSecret != "" {
		ts := fmt.Sprintf("%d", time.Now().Unix())
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", SignPayload(w.cfg.SchemaWebhookSecret, ts, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("risk webhook returned %d", resp.StatusCode)
	}
	w.logger.InfoContext(ctx, "risk webhook delivered",
		slog.String("event", payload.Event),
		slog.Bool("drill", payload.Drill))
	return nil
}

// SignPayload computes the hex HMAC-SHA256 over "timestamp.body".
func SignPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func diffNames(old, current []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, n := range old {
		oldSet[n] = true
	}
	curSet := make(map[string]bool, len(current))
	for _, n := range current {
		curSet[n] = true
		if !oldSet[n] {
			added = append(added, n)
		}
	}
	for _, n := range old {
		if !curSet[n] {
			removed = append(removed, n)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
