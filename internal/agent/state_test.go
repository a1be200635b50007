package agent

import (
	"testing"
	"time"
)

func TestPendingSlotSupersedes(t *testing.T) {
	state := &ConversationState{OpenID: "ou_1"}

	notice := state.SetPending(&PendingAction{Kind: PendingConfirmDelete, Skill: "delete"}, "(superseded)")
	if notice != "" {
		t.Errorf("first pending returned notice %q", notice)
	}
	notice = state.SetPending(&PendingAction{Kind: PendingCompleteFields, Skill: "create"}, "(superseded)")
	if notice != "(superseded)" {
		t.Errorf("second pending notice = %q", notice)
	}

	p := state.TakePending(time.Minute)
	if p == nil || p.Skill != "create" {
		t.Fatalf("TakePending = %+v, want the superseding action", p)
	}
	if state.TakePending(time.Minute) != nil {
		t.Error("pending slot not cleared after take")
	}
}

func TestPendingExpires(t *testing.T) {
	state := &ConversationState{OpenID: "ou_1"}
	state.SetPending(&PendingAction{Kind: PendingConfirmDelete, Skill: "delete"}, "")
	state.Pending.CreatedAt = time.Now().Add(-time.Hour)

	if p := state.TakePending(time.Minute); p != nil {
		t.Errorf("expired pending returned: %+v", p)
	}
}

func TestStateStoreResetsAfterTTL(t *testing.T) {
	st := NewStateStore(50 * time.Millisecond)

	state, unlock := st.Acquire("ou_1")
	state.ActiveRecord = "recXYZ"
	unlock()

	state, unlock = st.Acquire("ou_1")
	if state.ActiveRecord != "recXYZ" {
		t.Error("state lost inside the TTL")
	}
	unlock()

	time.Sleep(80 * time.Millisecond)
	state, unlock = st.Acquire("ou_1")
	defer unlock()
	if state.ActiveRecord != "" {
		t.Error("state survived past the TTL")
	}
}

func TestSeenMessage(t *testing.T) {
	st := NewStateStore(time.Minute)

	if st.SeenMessage("om_1") {
		t.Error("fresh id reported as seen")
	}
	if !st.SeenMessage("om_1") {
		t.Error("repeated id not reported as seen")
	}
	if st.SeenMessage("") {
		t.Error("empty id treated as duplicate")
	}
}

func TestParseReferent(t *testing.T) {
	cases := []struct {
		text string
		n    int
		bare bool
	}{
		{"第3个", 3, false},
		{"第三条", 3, false},
		{"3", 0, false}, // bare numbers are not referents
		{"这个", 0, true},
		{"那条", 0, true},
		{"删除第2个", 2, false},
		{"查一下案件", 0, false},
	}
	for _, tc := range cases {
		n, bare := parseReferent(tc.text)
		if n != tc.n || bare != tc.bare {
			t.Errorf("parseReferent(%q) = (%d, %v), want (%d, %v)", tc.text, n, bare, tc.n, tc.bare)
		}
	}

	if !isBareReferent("第3个") || isBareReferent("删除第3个") {
		t.Error("bare referent detection wrong")
	}
}
