package reminder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "reminders.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type recordedSend struct {
	openID string
	chatID string
	text   string
}

type stubSender struct {
	mu    sync.Mutex
	sends []recordedSend
	fail  bool
}

func (s *stubSender) SendText(_ context.Context, openID, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.sends = append(s.sends, recordedSend{openID, chatID, text})
	return nil
}

func TestStoreLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := &Reminder{UserID: "ou_A", Content: "准备材料", DueAt: time.Now().Add(time.Hour)}
	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != StatusPending || r.Priority != PriorityMedium || r.Source != SourceManual {
		t.Errorf("defaults: %+v", r)
	}

	list, err := st.ListByUser(ctx, "ou_A", StatusPending, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser: %v, n=%d", err, len(list))
	}

	if err := st.SetStatus(ctx, "ou_A", r.ID, StatusDone); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	// Another user cannot touch it.
	if err := st.SetStatus(ctx, "ou_B", r.ID, StatusCancelled); err == nil {
		t.Error("cross-user SetStatus succeeded")
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	due := &Reminder{UserID: "ou_A", Content: "开庭", DueAt: time.Now().Add(-time.Minute)}
	future := &Reminder{UserID: "ou_A", Content: "还早", DueAt: time.Now().Add(time.Hour)}
	if err := st.Create(ctx, due); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, future); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := st.ClaimDue(ctx, "inst-1", time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed = %+v", claimed)
	}

	// A second instance sees nothing while the claim is fresh.
	again, err := st.ClaimDue(ctx, "inst-2", time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("claim was not exclusive: %+v", again)
	}
}

func TestDispatchGateDedupes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	dup, err := st.AlreadyDispatched(ctx, "reminder:1", "2026-08-24", 0)
	if err != nil || dup {
		t.Fatalf("fresh key: dup=%v err=%v", dup, err)
	}
	if err := st.RecordDispatch(ctx, "reminder:1", "2026-08-24", 0); err != nil {
		t.Fatalf("RecordDispatch: %v", err)
	}
	dup, err = st.AlreadyDispatched(ctx, "reminder:1", "2026-08-24", 0)
	if err != nil || !dup {
		t.Fatalf("recorded key: dup=%v err=%v", dup, err)
	}
	// Recording the same key again is not an error.
	if err := st.RecordDispatch(ctx, "reminder:1", "2026-08-24", 0); err != nil {
		t.Fatalf("repeat RecordDispatch: %v", err)
	}
	// A different offset is a distinct dispatch.
	dup, err = st.AlreadyDispatched(ctx, "reminder:1", "2026-08-24", -1)
	if err != nil || dup {
		t.Fatalf("offset key: dup=%v err=%v", dup, err)
	}
}

func TestDispatchDueSendsOnceAndReleasesOnFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	loc := time.FixedZone("CST", 8*3600)

	r := &Reminder{UserID: "ou_A", ChatID: "oc_1", Content: "交材料", DueAt: time.Now().Add(-time.Minute)}
	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sender := &stubSender{}
	d := NewDispatcher(st, sender, loc, testLogger())
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if len(sender.sends) != 1 || sender.sends[0].openID != "ou_A" {
		t.Fatalf("sends = %+v", sender.sends)
	}

	// Second round: nothing pending anymore.
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if len(sender.sends) != 1 {
		t.Errorf("reminder dispatched twice")
	}

	list, _ := st.ListByUser(ctx, "ou_A", StatusDone, 10)
	if len(list) != 1 || list[0].NotifiedAt == nil {
		t.Errorf("reminder not marked done: %+v", list)
	}

	// A failing send releases the claim with the error recorded.
	r2 := &Reminder{UserID: "ou_A", Content: "再试", DueAt: time.Now().Add(-time.Minute)}
	if err := st.Create(ctx, r2); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sender.fail = true
	if err := d.DispatchDue(ctx); err != nil {
		t.Fatalf("failing round: %v", err)
	}
	pending, _ := st.ListByUser(ctx, "ou_A", StatusPending, 10)
	if len(pending) != 1 || pending[0].RetryCount != 1 || pending[0].LastError == "" {
		t.Errorf("failed dispatch state: %+v", pending)
	}
}
