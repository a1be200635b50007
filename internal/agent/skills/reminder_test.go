package skills

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/reminder"
)

func newTestReminders(t *testing.T) (*Reminders, reminder.Store) {
	t.Helper()
	store, err := reminder.OpenSQLite(filepath.Join(t.TempDir(), "reminders.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r, err := NewReminders(newTestDeps(t, &stubTools{}, nil), store)
	if err != nil {
		t.Fatalf("NewReminders: %v", err)
	}
	return r, store
}

func TestReminderCreate(t *testing.T) {
	r, store := newTestReminders(t)
	ctx := context.Background()

	turn := newTurn("明天下午3点提醒我准备开庭材料")
	result, err := r.Execute(ctx, turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	items, err := store.ListByUser(ctx, "ou_caller", reminder.StatusPending, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListByUser: %v, n=%d", err, len(items))
	}
	if items[0].Content != "准备开庭材料" {
		t.Errorf("content = %q", items[0].Content)
	}
	due := items[0].DueAt.In(cst)
	if due.Hour() != 15 || due.Minute() != 0 {
		t.Errorf("due = %v", due)
	}
}

func TestReminderCreateDefaultsLabelled(t *testing.T) {
	r, store := newTestReminders(t)

	// 明天 without a clock defaults to 18:00 and says so.
	result, err := r.Execute(context.Background(), newTurn("明天提醒我交材料"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK || !strings.Contains(result.Message, "默认") {
		t.Errorf("result = %+v", result)
	}

	items, _ := store.ListByUser(context.Background(), "ou_caller", reminder.StatusPending, 10)
	if len(items) != 1 || items[0].DueAt.In(cst).Hour() != 18 {
		t.Errorf("items = %+v", items)
	}
}

func TestReminderRejectsPastTime(t *testing.T) {
	r, store := newTestReminders(t)

	result, err := r.Execute(context.Background(), newTurn("昨天提醒我交材料"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OK || result.Code != "past_time" {
		t.Errorf("result = %+v", result)
	}
	items, _ := store.ListByUser(context.Background(), "ou_caller", reminder.StatusPending, 10)
	if len(items) != 0 {
		t.Errorf("past reminder persisted: %+v", items)
	}
}

func TestReminderListAndComplete(t *testing.T) {
	r, store := newTestReminders(t)
	ctx := context.Background()

	for _, content := range []string{"准备材料", "联系当事人"} {
		if err := store.Create(ctx, &reminder.Reminder{
			UserID: "ou_caller", Content: content, DueAt: time.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	turn := newTurn("查看我的提醒")
	result, err := r.Execute(ctx, turn)
	if err != nil {
		t.Fatalf("list Execute: %v", err)
	}
	if !result.OK || len(result.ResultIDs) != 2 {
		t.Fatalf("result = %+v", result)
	}

	turn2 := newTurn("完成第1个")
	turn2.State = turn.State
	result, err = r.Execute(ctx, turn2)
	if err != nil {
		t.Fatalf("complete Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	done, _ := store.ListByUser(ctx, "ou_caller", reminder.StatusDone, 10)
	if len(done) != 1 {
		t.Errorf("done = %+v", done)
	}
}
