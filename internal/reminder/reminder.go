// Package reminder persists user reminders and dispatches due ones to
// the channel sender. Postgres is used when a DSN is configured,
// SQLite otherwise; dispatch is deduplicated across instances either
// way.
package reminder

import (
	"context"
	"time"
)

// Status values of a reminder.
const (
	StatusPending   = "pending"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

// Priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Source values.
const (
	SourceManual = "manual"
	SourceAuto   = "auto"
)

// Reminder is one scheduled nudge for a user.
type Reminder struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UserID   string `gorm:"size:64;index:idx_reminders_user_status" json:"user_id"`
	Content  string `gorm:"type:text" json:"content"`
	DueAt    time.Time `gorm:"index" json:"due_at"`
	Priority string `gorm:"size:8;default:medium" json:"priority"`
	CaseID   string `gorm:"size:64" json:"case_id,omitempty"`
	Status   string `gorm:"size:16;index:idx_reminders_user_status" json:"status"`
	ChatID   string `gorm:"size:64" json:"chat_id,omitempty"`

	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	LockedBy   string     `gorm:"size:64" json:"-"`
	LockedAt   *time.Time `json:"-"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	Source     string     `gorm:"size:8;default:manual" json:"source"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence surface shared by the skill and the
// dispatch scheduler.
type Store interface {
	// Create persists a new pending reminder.
	Create(ctx context.Context, r *Reminder) error
	// ListByUser returns a user's reminders, optionally filtered by status.
	ListByUser(ctx context.Context, userID, status string, limit int) ([]Reminder, error)
	// SetStatus transitions one reminder owned by userID.
	SetStatus(ctx context.Context, userID string, id uint, status string) error

	// ClaimDue atomically claims due pending reminders for this
	// instance, so concurrent schedulers never dispatch the same row.
	ClaimDue(ctx context.Context, instance string, now time.Time, limit int) ([]Reminder, error)
	// MarkNotified finishes a claimed reminder.
	MarkNotified(ctx context.Context, id uint) error
	// ReleaseFailed unclaims a reminder after a dispatch failure.
	ReleaseFailed(ctx context.Context, id uint, errText string) error

	// AlreadyDispatched reports whether a (business_id, target_day,
	// offset) dispatch was recorded.
	AlreadyDispatched(ctx context.Context, businessID, targetDay string, offsetDays int) (bool, error)
	// RecordDispatch marks a dispatch as sent. Recording the same key
	// twice is not an error.
	RecordDispatch(ctx context.Context, businessID, targetDay string, offsetDays int) error

	Close() error
}

// dispatchLogRow backs the dedupe gateway.
type dispatchLogRow struct {
	BusinessID string    `gorm:"primaryKey;size:64"`
	TargetDay  string    `gorm:"primaryKey;size:10"` // YYYY-MM-DD
	OffsetDays int       `gorm:"primaryKey"`
	SentAt     time.Time
}

func (dispatchLogRow) TableName() string { return "reminder_dispatch_log" }
