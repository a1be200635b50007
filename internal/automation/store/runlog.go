package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Run results.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
	ResultNoMatch = "no_match"
)

// ActionDetail is the per-action record inside a run-log row.
type ActionDetail struct {
	Type       string `json:"type"`
	RetryCount int    `json:"retry_count"`
	DurationMS int64  `json:"duration_ms"`
}

// RunLogEntry is the fixed-shape outcome of evaluating one event.
type RunLogEntry struct {
	Timestamp        time.Time
	EventID          string
	RuleID           string
	AppToken         string
	TableID          string
	RecordID         string
	RulesEvaluated   []string
	RulesMatched     []string
	TriggerField     string
	Changed          map[string]map[string]any // field → {old,new}
	ActionsExecuted  []string
	ActionsDetail    []ActionDetail
	Result           string
	Error            string
	RetryCount       int
	SentToDeadLetter bool
	DurationMS       int64
}

// AppendRunLog persists one append-only run-log row.
func (s *Store) AppendRunLog(entry RunLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	row := RunLogRow{
		Timestamp:        entry.Timestamp,
		EventID:          entry.EventID,
		RuleID:           entry.RuleID,
		AppToken:         entry.AppToken,
		TableID:          entry.TableID,
		RecordID:         entry.RecordID,
		RulesEvaluated:   mustJSON(entry.RulesEvaluated),
		RulesMatched:     mustJSON(entry.RulesMatched),
		TriggerField:     entry.TriggerField,
		Changed:          mustJSON(entry.Changed),
		ActionsExecuted:  mustJSON(entry.ActionsExecuted),
		ActionsDetail:    mustJSON(entry.ActionsDetail),
		Result:           entry.Result,
		Error:            entry.Error,
		RetryCount:       entry.RetryCount,
		SentToDeadLetter: entry.SentToDeadLetter,
		DurationMS:       entry.DurationMS,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(&row).Error
}

// RunLogs returns the most recent rows for an event id (newest first).
func (s *Store) RunLogs(eventID string, limit int) ([]RunLogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RunLogRow
	q := s.db.Order("id DESC").Limit(limit)
	if eventID != "" {
		q = q.Where("event_id = ?", eventID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing run logs: %w", err)
	}
	return rows, nil
}

// AppendDeadLetter persists one permanently failed action.
func (s *Store) AppendDeadLetter(row DeadLetterRow) error {
	row.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(&row).Error
}

// DeadLetters lists unprocessed dead letters (oldest first).
func (s *Store) DeadLetters(limit int) ([]DeadLetterRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []DeadLetterRow
	err := s.db.Where("reprocessed_at IS NULL").Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return rows, nil
}

// MarkDeadLetterReprocessed stamps a dead letter after manual replay.
func (s *Store) MarkDeadLetterReprocessed(id uint) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&DeadLetterRow{}).Where("id = ?", id).
		Update("reprocessed_at", &now).Error
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
