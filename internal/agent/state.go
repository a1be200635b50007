package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// PendingKind enumerates the one-slot conversational continuations.
type PendingKind string

const (
	// PendingConfirmDelete waits for an explicit 确认/取消 before a delete.
	PendingConfirmDelete PendingKind = "confirm_delete"
	// PendingCompleteFields collects a missing field value on the next turn.
	PendingCompleteFields PendingKind = "complete_fields"
	// PendingConfirm waits for 确认/取消 before a non-destructive action.
	PendingConfirm PendingKind = "confirm"
)

// PendingAction is the single continuation slot of a conversation.
type PendingAction struct {
	Kind      PendingKind    `json:"kind"`
	Skill     string         `json:"skill"`
	Prompt    string         `json:"prompt"`
	Slots     map[string]any `json:"slots,omitempty"`
	Missing   []string       `json:"missing,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LastQuery keeps enough of the previous search to replay it for 下一页.
type LastQuery struct {
	Tool      string
	Params    map[string]any
	PageToken string
	HasMore   bool
}

// RetryTask records a failed secondary linked write so the user can
// finish it in a later turn.
type RetryTask struct {
	Skill     string         `json:"skill"`
	Slots     map[string]any `json:"slots"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConversationState is everything the orchestrator remembers per open_id.
type ConversationState struct {
	OpenID string

	Pending       *PendingAction
	LastQuery     *LastQuery
	LastResultIDs []string
	LastResult    json.RawMessage // previous skill data, consumed by summaries
	ActiveRecord  string
	RetryTasks    []RetryTask

	UpdatedAt time.Time
}

// SetPending installs a pending action. It returns a non-empty notice
// when an older pending action was superseded.
func (s *ConversationState) SetPending(p *PendingAction, notice string) string {
	var out string
	if s.Pending != nil {
		out = notice
	}
	p.CreatedAt = time.Now()
	s.Pending = p
	return out
}

// TakePending clears and returns the pending action if it has not
// expired.
func (s *ConversationState) TakePending(ttl time.Duration) *PendingAction {
	p := s.Pending
	s.Pending = nil
	if p == nil {
		return nil
	}
	if ttl > 0 && time.Since(p.CreatedAt) > ttl {
		return nil
	}
	return p
}

// session pairs a state with its serialization lock.
type session struct {
	mu    sync.Mutex
	state ConversationState
}

// StateStore holds per-conversation state with TTL expiry and message-id
// dedup. One message per open_id is processed at a time.
type StateStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session

	seenMu   sync.Mutex
	seen     map[string]time.Time
	seenTTL  time.Duration
	lastSeen time.Time
}

// NewStateStore builds a store. ttl bounds both session and dedup memory.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &StateStore{
		ttl:      ttl,
		sessions: make(map[string]*session),
		seen:     make(map[string]time.Time),
		seenTTL:  ttl,
	}
}

// Acquire locks the conversation for openID and returns its state plus
// the unlock func. State older than the TTL is reset.
func (st *StateStore) Acquire(openID string) (*ConversationState, func()) {
	st.mu.Lock()
	sess, ok := st.sessions[openID]
	if !ok {
		sess = &session{state: ConversationState{OpenID: openID}}
		st.sessions[openID] = sess
	}
	st.sweepLocked()
	st.mu.Unlock()

	sess.mu.Lock()
	if !sess.state.UpdatedAt.IsZero() && time.Since(sess.state.UpdatedAt) > st.ttl {
		sess.state = ConversationState{OpenID: openID}
	}
	sess.state.UpdatedAt = time.Now()
	return &sess.state, sess.mu.Unlock
}

// SeenMessage records a message id and reports whether it was already
// seen inside the dedup window.
func (st *StateStore) SeenMessage(id string) bool {
	if id == "" {
		return false
	}
	st.seenMu.Lock()
	defer st.seenMu.Unlock()
	now := time.Now()
	if now.Sub(st.lastSeen) > time.Minute {
		for k, t := range st.seen {
			if now.Sub(t) > st.seenTTL {
				delete(st.seen, k)
			}
		}
		st.lastSeen = now
	}
	if _, dup := st.seen[id]; dup {
		return true
	}
	st.seen[id] = now
	return false
}

// sweepLocked drops idle sessions. Callers hold st.mu.
func (st *StateStore) sweepLocked() {
	for id, sess := range st.sessions {
		if sess.mu.TryLock() {
			idle := !sess.state.UpdatedAt.IsZero() && time.Since(sess.state.UpdatedAt) > 2*st.ttl
			sess.mu.Unlock()
			if idle {
				delete(st.sessions, id)
			}
		}
	}
}
