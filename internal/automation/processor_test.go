package automation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testRules = `
rules:
  - id: done-notify
    enabled: true
    table:
      app_token: appA
      table_id: tblTasks
    trigger:
      on: [updated]
      field: "状态"
      condition:
        kind: equals
        value: "已完成"
    pipeline:
      - type: log.write
        template: "done: {标题}"
`

func newTestRegistry(t *testing.T, content string) *rules.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	reg, err := rules.NewRegistry(path, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "automation.db"), testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeAPI plays back a mutable record.
type fakeAPI struct {
	fields   bitable.Fields
	notFound bool
	updates  []bitable.Fields
	deleted  []bitable.Locator
}

func (f *fakeAPI) GetRecord(_ context.Context, loc bitable.Locator, _ []string) (*bitable.Record, error) {
	if f.notFound {
		return nil, &bitable.APIError{Status: 404, Message: "not found"}
	}
	return &bitable.Record{RecordID: loc.RecordID, Fields: f.fields}, nil
}

func (f *fakeAPI) CreateRecord(_ context.Context, _ bitable.TableKey, _ bitable.Fields) (string, error) {
	return "recNew", nil
}

func (f *fakeAPI) UpdateRecord(_ context.Context, _ bitable.Locator, fields bitable.Fields) error {
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeAPI) SearchRecords(_ context.Context, _ bitable.TableKey, _ bitable.SearchRequest) (*bitable.SearchPage, error) {
	return &bitable.SearchPage{}, nil
}

func (f *fakeAPI) CreateCalendarEvent(_ context.Context, _ bitable.CalendarEvent) (string, error) {
	return "evt", nil
}

func (f *fakeAPI) DeleteRecord(_ context.Context, loc bitable.Locator) error {
	f.deleted = append(f.deleted, loc)
	return nil
}

func newTestProcessor(t *testing.T, api RecordAPI, rulesYAML string) (*Processor, *store.Store) {
	t.Helper()
	cfg := &config.AutomationConfig{ActionRetryDelaySeconds: 1}
	st := newTestStore(t)
	reg := newTestRegistry(t, rulesYAML)
	proc := NewProcessor(cfg, api, st, reg, testLogger(), nil, nil)
	return proc, st
}

func testEvent(recordID string) Event {
	return Event{
		EventID: "ev_" + recordID,
		Kind:    rules.OnUpdated,
		Origin:  OriginEvent,
		Locator: bitable.Locator{AppToken: "appA", TableID: "tblTasks", RecordID: recordID},
	}
}

func TestFirstObservationInitializesWithoutFiring(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("已完成")}}
	proc, st := newTestProcessor(t, api, testRules)

	// Record already in the terminal state, seen for the first time:
	// must seed the snapshot and stay silent.
	result, err := proc.Process(context.Background(), testEvent("rec_1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != store.ResultNoMatch {
		t.Fatalf("first observation fired: result=%s", result)
	}

	logs, err := st.RunLogs("", 10)
	if err != nil {
		t.Fatalf("RunLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no run log for silent initialization, got %d", len(logs))
	}

	// The transition after initialization fires normally.
	api.fields = bitable.Fields{"状态": bitable.SelectValue("处理中")}
	if _, err := proc.Process(context.Background(), testEvent("rec_1b")); err != nil {
		t.Fatalf("seeding second record: %v", err)
	}
	ev := testEvent("rec_1b")
	ev.EventID = "ev_rec_1b_2"
	api.fields = bitable.Fields{"状态": bitable.SelectValue("已完成")}
	result, err = proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process transition: %v", err)
	}
	if result != store.ResultSuccess {
		t.Fatalf("transition did not fire: result=%s", result)
	}
}

func TestBaselineSkipsChangedRecords(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("已完成")}}
	proc, st := newTestProcessor(t, api, testRules)

	// Stored snapshot disagrees with upstream in exactly the way that
	// would fire done-notify on a regular event.
	loc := bitable.Locator{AppToken: "appA", TableID: "tblTasks", RecordID: "rec_base"}
	if err := st.SaveSnapshot(loc, bitable.Fields{"状态": bitable.SelectValue("进行中")}); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}

	ev := testEvent("rec_base")
	ev.Origin = OriginInit
	result, err := proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != store.ResultNoMatch {
		t.Fatalf("baseline event fired: result=%s", result)
	}

	logs, err := st.RunLogs("", 10)
	if err != nil {
		t.Fatalf("RunLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no run log for a baseline pass, got %d", len(logs))
	}

	// The snapshot converged to upstream, so a later identical scan
	// event stays silent too.
	fields, ok, err := st.LoadSnapshot(loc)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot: ok=%v err=%v", ok, err)
	}
	if changes := bitable.Diff(fields, api.fields); len(changes) != 0 {
		t.Errorf("snapshot did not converge: %+v", changes)
	}
}

func TestBusinessIdempotencySkipsRepeatedChange(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("处理中")}}
	proc, st := newTestProcessor(t, api, testRules)

	if _, err := proc.Process(context.Background(), testEvent("rec_2")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api.fields = bitable.Fields{"状态": bitable.SelectValue("已完成")}
	ev := testEvent("rec_2")
	ev.EventID = "ev_a"
	if result, err := proc.Process(context.Background(), ev); err != nil || result != store.ResultSuccess {
		t.Fatalf("first fire: result=%s err=%v", result, err)
	}

	// Same change delivered under a different event id: the snapshot now
	// matches so the diff is empty and nothing fires.
	ev.EventID = "ev_b"
	result, err := proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result != store.ResultNoMatch {
		t.Fatalf("replayed change fired again: result=%s", result)
	}

	logs, _ := st.RunLogs("", 10)
	if len(logs) != 1 {
		t.Errorf("expected one run log, got %d", len(logs))
	}
}

func TestDeletedRecordCleansSnapshot(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("处理中")}}
	proc, st := newTestProcessor(t, api, testRules)

	if _, err := proc.Process(context.Background(), testEvent("rec_3")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api.notFound = true
	ev := testEvent("rec_3")
	ev.EventID = "ev_del"
	result, err := proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != store.ResultNoMatch {
		t.Errorf("deletion produced result %s", result)
	}
	if _, ok, _ := st.LoadSnapshot(ev.Locator); ok {
		t.Error("snapshot survived record deletion")
	}
}

func TestTerminalActionFailureDeadLetters(t *testing.T) {
	failing := `
rules:
  - id: bad-upsert
    enabled: true
    table:
      app_token: appA
      table_id: tblTasks
    trigger:
      on: [updated]
      field: "状态"
    pipeline:
      - type: bitable.upsert
        fields:
          "f": "v"
`
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("处理中")}}
	proc, st := newTestProcessor(t, api, failing)

	if _, err := proc.Process(context.Background(), testEvent("rec_4")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api.fields = bitable.Fields{"状态": bitable.SelectValue("已完成")}
	ev := testEvent("rec_4")
	ev.EventID = "ev_fail"
	result, err := proc.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != store.ResultFailed {
		t.Fatalf("result = %s, want failed", result)
	}

	letters, err := st.DeadLetters(0)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].ActionType != "bitable.upsert" {
		t.Errorf("dead letter action = %s", letters[0].ActionType)
	}
}

func TestDispatcherDedupesByEventID(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("处理中")}}
	proc, st := newTestProcessor(t, api, testRules)
	cfg := &config.AutomationConfig{WorkerPoolSize: 2}
	disp := NewDispatcher(cfg, st, proc, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)

	ev := testEvent("rec_5")
	ok, err := disp.Dispatch(ctx, ev)
	if err != nil || !ok {
		t.Fatalf("first dispatch: ok=%v err=%v", ok, err)
	}
	ok, err = disp.Dispatch(ctx, ev)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if ok {
		t.Error("duplicate event was accepted")
	}

	disp.Stop()
}

func TestSchedulerReplaysDueDelayTasks(t *testing.T) {
	api := &fakeAPI{fields: bitable.Fields{"状态": bitable.SelectValue("处理中")}}
	proc, st := newTestProcessor(t, api, testRules)
	cfg := &config.AutomationConfig{}
	reg := newTestRegistry(t, testRules)
	sched := NewScheduler(cfg, st, proc, nil, reg, api, testLogger())

	payload := `{"event_id":"ev_d","rule_id":"done-notify",` +
		`"source":{"app_token":"appA","table_id":"tblTasks","record_id":"rec_6"},` +
		`"fields":{},"pipeline":[{"type":"log.write","template":"delayed"}]}`
	if err := st.CreateDelayTask("task_1", "done-notify", time.Now().Add(-time.Second), payload); err != nil {
		t.Fatalf("CreateDelayTask: %v", err)
	}

	if err := sched.ReplayDue(context.Background()); err != nil {
		t.Fatalf("ReplayDue: %v", err)
	}
	tasks, err := st.ListDelayTasks(10)
	if err != nil {
		t.Fatalf("ListDelayTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != store.DelayDone {
		t.Fatalf("task status = %+v", tasks)
	}
}
