// Package store persists the automation engine's durable state in SQLite
// via GORM (glebarez driver, pure Go, WAL). Each concern gets its own
// keyspace: snapshots, idempotency, checkpoints, run log, dead letters,
// delay tasks, and the schema runtime state.
//
// Writes are serialized by a single-writer mutex per store instance;
// readers may be concurrent (WAL).
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the automation SQLite database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.Mutex // single writer
}

// Open creates (or opens) the automation database at path.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(
		&snapshotRow{},
		&eventKeyRow{},
		&businessKeyRow{},
		&checkpointRow{},
		&RunLogRow{},
		&DeadLetterRow{},
		&DelayTaskRow{},
		&schemaTableRow{},
		&ruleRuntimeRow{},
		&upsertMirrorRow{},
	); err != nil {
		return nil, fmt.Errorf("migrating automation schema: %w", err)
	}

	return &Store{db: db, logger: slogger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- row models ---

type snapshotRow struct {
	AppToken  string    `gorm:"primaryKey;size:64"`
	TableID   string    `gorm:"primaryKey;size:64"`
	RecordID  string    `gorm:"primaryKey;size:64"`
	Fields    string    `gorm:"type:text"` // JSON-encoded bitable.Fields
	UpdatedAt time.Time `gorm:"index"`
}

type eventKeyRow struct {
	EventID string    `gorm:"primaryKey;size:128"`
	SeenAt  time.Time `gorm:"index"`
}

type businessKeyRow struct {
	Key       string `gorm:"primaryKey;size:160"`
	RuleID    string `gorm:"size:64;index"`
	CreatedAt time.Time
}

type checkpointRow struct {
	AppToken  string `gorm:"primaryKey;size:64"`
	TableID   string `gorm:"primaryKey;size:64"`
	Cursor    string `gorm:"size:128"`
	Scanned   int64
	UpdatedAt time.Time
}

// RunLogRow is one append-only rule evaluation outcome.
type RunLogRow struct {
	ID               uint      `gorm:"primaryKey"`
	Timestamp        time.Time `gorm:"index"`
	EventID          string    `gorm:"size:128;index"`
	RuleID           string    `gorm:"size:64;index"`
	AppToken         string    `gorm:"size:64"`
	TableID          string    `gorm:"size:64;index"`
	RecordID         string    `gorm:"size:64;index"`
	RulesEvaluated   string    `gorm:"type:text"` // JSON []string
	RulesMatched     string    `gorm:"type:text"` // JSON []string
	TriggerField     string    `gorm:"size:128"`
	Changed          string    `gorm:"type:text"` // JSON {old,new} per field
	ActionsExecuted  string    `gorm:"type:text"` // JSON []string
	ActionsDetail    string    `gorm:"type:text"` // JSON []ActionDetail
	Result           string    `gorm:"size:16;index"`
	Error            string    `gorm:"type:text"`
	RetryCount       int
	SentToDeadLetter bool
	DurationMS       int64
}

// DeadLetterRow is a permanently failed action, reprocessable manually.
type DeadLetterRow struct {
	ID            uint   `gorm:"primaryKey"`
	RuleID        string `gorm:"size:64;index"`
	EventID       string `gorm:"size:128"`
	AppToken      string `gorm:"size:64"`
	TableID       string `gorm:"size:64"`
	RecordID      string `gorm:"size:64"`
	ActionType    string `gorm:"size:32"`
	Error         string `gorm:"type:text"`
	RetryCount    int
	Payload       string `gorm:"type:text"` // JSON action params + context
	CreatedAt     time.Time
	ReprocessedAt *time.Time
}

// DelayTaskRow is a persisted scheduled sub-pipeline replay.
type DelayTaskRow struct {
	TaskID      string    `gorm:"primaryKey;size:64"`
	RuleID      string    `gorm:"size:64;index"`
	ScheduledAt time.Time `gorm:"index"`
	Payload     string    `gorm:"type:text"` // JSON delayed pipeline + context
	Status      string    `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Delay task statuses.
const (
	DelayScheduled = "scheduled"
	DelayRunning   = "running"
	DelayDone      = "done"
	DelayCancelled = "cancelled"
	DelayFailed    = "failed"
)

type schemaTableRow struct {
	TableKey   string `gorm:"primaryKey;size:160"` // app_token::table_id
	FieldNames string `gorm:"type:text"`           // JSON []string
	UpdatedAt  time.Time
}

type ruleRuntimeRow struct {
	RuleID    string `gorm:"primaryKey;size:64"`
	Disabled  bool
	Reason    string `gorm:"size:256"`
	UpdatedAt time.Time
}

// upsertMirrorRow records source→target links created by bitable.upsert
// so that sync deletion reconciliation can remove orphaned targets.
type upsertMirrorRow struct {
	RuleID         string `gorm:"primaryKey;size:64"`
	SourceRecordID string `gorm:"primaryKey;size:64"`
	TargetAppToken string `gorm:"size:64"`
	TargetTableID  string `gorm:"size:64"`
	TargetRecordID string `gorm:"size:64"`
	UpdatedAt      time.Time
}
