package automation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

type fakeSchemaAPI struct {
	fields map[string][]bitable.FieldMeta
}

func (f *fakeSchemaAPI) ListFields(_ context.Context, key bitable.TableKey) ([]bitable.FieldMeta, error) {
	return f.fields[key.String()], nil
}

func metas(names ...string) []bitable.FieldMeta {
	out := make([]bitable.FieldMeta, 0, len(names))
	for i, n := range names {
		out = append(out, bitable.FieldMeta{FieldID: n, FieldName: n, Type: i})
	}
	return out
}

func TestSchemaWatcherDisablesRuleOnRemovedTriggerField(t *testing.T) {
	var hookCalls []map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)
		hookCalls = append(hookCalls, payload)
		if r.Header.Get("X-Signature") == "" || r.Header.Get("X-Timestamp") == "" {
			t.Error("risk webhook not signed")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	key := bitable.TableKey{AppToken: "appA", TableID: "tblTasks"}
	api := &fakeSchemaAPI{fields: map[string][]bitable.FieldMeta{
		key.String(): metas("状态", "标题"),
	}}
	st := newTestStore(t)
	reg := newTestRegistry(t, testRules)
	cfg := &config.AutomationConfig{
		SchemaSyncEnabled:   true,
		SchemaWebhookURL:    hook.URL,
		SchemaWebhookSecret: "s3cret",
	}
	w := NewSchemaWatcher(cfg, api, st, reg, testLogger(), nil)

	if err := w.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Unchanged schema: noop, no webhook.
	if err := w.Refresh(context.Background(), key); err != nil {
		t.Fatalf("Refresh noop: %v", err)
	}
	if len(hookCalls) != 0 {
		t.Fatalf("noop refresh fired the webhook")
	}

	// Drop the trigger field: the rule must be disabled and the webhook fired.
	api.fields[key.String()] = metas("标题", "新字段")
	if err := w.Refresh(context.Background(), key); err != nil {
		t.Fatalf("Refresh change: %v", err)
	}

	disabled, err := st.DisabledRules()
	if err != nil {
		t.Fatalf("DisabledRules: %v", err)
	}
	if _, ok := disabled["done-notify"]; !ok {
		t.Fatal("rule with removed trigger field was not disabled")
	}
	if len(hookCalls) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(hookCalls))
	}
	removed, _ := hookCalls[0]["removed"].([]any)
	if len(removed) != 1 || removed[0] != "状态" {
		t.Errorf("webhook removed = %v", removed)
	}

	// Disabled rule no longer matches events.
	if got := reg.ForTable(key, disabled); len(got) != 0 {
		t.Errorf("disabled rule still active: %d rules", len(got))
	}
}

func TestSchemaWatcherDrillSendsSyntheticWebhook(t *testing.T) {
	var drills int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)
		if payload["drill"] == true {
			drills++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	st := newTestStore(t)
	reg := newTestRegistry(t, testRules)
	cfg := &config.AutomationConfig{
		SchemaWebhookURL:          hook.URL,
		SchemaWebhookDrillEnabled: true,
	}
	w := NewSchemaWatcher(cfg, &fakeSchemaAPI{}, st, reg, testLogger(), nil)

	if err := w.RefreshAll(context.Background(), true); err != nil {
		t.Fatalf("drill: %v", err)
	}
	if drills != 1 {
		t.Errorf("drill webhook calls = %d", drills)
	}
}
