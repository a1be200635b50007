package automation

import (
	"context"
	"testing"

	"github.com/jkaninda/kazi/internal/automation/rules"
	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/bitable"
	"github.com/jkaninda/kazi/internal/config"
)

// scanAPI serves a canned search page on top of the record playback.
type scanAPI struct {
	fakeAPI
	page bitable.SearchPage
}

func (s *scanAPI) SearchRecords(_ context.Context, _ bitable.TableKey, _ bitable.SearchRequest) (*bitable.SearchPage, error) {
	return &s.page, nil
}

func testTableKey() bitable.TableKey {
	return bitable.TableKey{AppToken: "appA", TableID: "tblTasks"}
}

func newScanFixture(t *testing.T, cfg *config.AutomationConfig, api *scanAPI) (*store.Store, *rules.Registry, *Processor) {
	t.Helper()
	st := newTestStore(t)
	reg := newTestRegistry(t, testRules)
	proc := NewProcessor(cfg, api, st, reg, testLogger(), nil, nil)
	return st, reg, proc
}

func TestBaselinePassNeverFires(t *testing.T) {
	api := &scanAPI{page: bitable.SearchPage{Records: []bitable.Record{{
		RecordID: "rec_1",
		Fields:   bitable.Fields{"状态": bitable.SelectValue("已完成")},
	}}}}
	cfg := &config.AutomationConfig{
		ActionRetryDelaySeconds:          1,
		TriggerOnNewRecordScanCheckpoint: true,
	}
	st, reg, proc := newScanFixture(t, cfg, api)

	// Stored baseline disagrees with upstream, and the table already has
	// a completed pass behind it: a compensation scan would diff and
	// fire done-notify here. Only the baseline mode keeps it silent.
	loc := bitable.Locator{AppToken: "appA", TableID: "tblTasks", RecordID: "rec_1"}
	if err := st.SaveSnapshot(loc, bitable.Fields{"状态": bitable.SelectValue("进行中")}); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	if err := st.SaveCheckpoint(testTableKey(), "", 5); err != nil {
		t.Fatalf("seeding checkpoint: %v", err)
	}

	ctx := context.Background()
	disp := NewDispatcher(cfg, st, proc, testLogger())
	sched := NewScheduler(cfg, st, proc, disp, reg, api, testLogger())
	disp.Start(ctx)
	if err := sched.Baseline(ctx); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	disp.Stop() // drains in-flight events

	logs, err := st.RunLogs("", 10)
	if err != nil {
		t.Fatalf("RunLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("baseline pass fired rules: %d run-log rows", len(logs))
	}

	fields, ok, err := st.LoadSnapshot(loc)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot: ok=%v err=%v", ok, err)
	}
	if changes := bitable.Diff(fields, api.page.Records[0].Fields); len(changes) != 0 {
		t.Errorf("snapshot did not converge to upstream: %+v", changes)
	}
}

func TestSyncReconcilesDeletionsScanDoesNot(t *testing.T) {
	live := bitable.Fields{"状态": bitable.SelectValue("处理中")}
	api := &scanAPI{page: bitable.SearchPage{Records: []bitable.Record{{
		RecordID: "rec_live",
		Fields:   live,
	}}}}
	cfg := &config.AutomationConfig{
		ActionRetryDelaySeconds:          1,
		TriggerOnNewRecordScanCheckpoint: true,
		SyncDeletionsEnabled:             true,
	}
	key := testTableKey()
	st, reg, proc := newScanFixture(t, cfg, api)

	if err := st.SaveCheckpoint(key, "", 5); err != nil {
		t.Fatalf("seeding checkpoint: %v", err)
	}
	for _, id := range []string{"rec_live", "rec_gone"} {
		loc := bitable.Locator{AppToken: key.AppToken, TableID: key.TableID, RecordID: id}
		if err := st.SaveSnapshot(loc, live); err != nil {
			t.Fatalf("seeding snapshot %s: %v", id, err)
		}
	}

	ctx := context.Background()
	disp := NewDispatcher(cfg, st, proc, testLogger())
	sched := NewScheduler(cfg, st, proc, disp, reg, api, testLogger())
	disp.Start(ctx)
	if err := sched.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	disp.Stop()

	ids, err := st.SnapshotRecordIDs(key)
	if err != nil {
		t.Fatalf("SnapshotRecordIDs: %v", err)
	}
	if !containsID(ids, "rec_gone") {
		t.Fatal("compensation scan reconciled deletions")
	}

	disp2 := NewDispatcher(cfg, st, proc, testLogger())
	sched2 := NewScheduler(cfg, st, proc, disp2, reg, api, testLogger())
	disp2.Start(ctx)
	if err := sched2.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	disp2.Stop()

	ids, err = st.SnapshotRecordIDs(key)
	if err != nil {
		t.Fatalf("SnapshotRecordIDs: %v", err)
	}
	if containsID(ids, "rec_gone") {
		t.Error("sync kept the vanished record's snapshot")
	}
	if !containsID(ids, "rec_live") {
		t.Error("sync removed a live record's snapshot")
	}
}

func containsID(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
