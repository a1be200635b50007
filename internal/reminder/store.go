package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// claimTTL bounds how long a crashed instance holds its claims.
const claimTTL = 5 * time.Minute

// gormStore implements Store on either driver. The claim path differs:
// postgres serializes whole claim rounds with an advisory lock, sqlite
// relies on the locked_by+TTL columns alone.
type gormStore struct {
	db       *gorm.DB
	logger   *slog.Logger
	postgres bool
	mu       sync.Mutex // single writer for sqlite
}

// OpenSQLite opens the reminder database at path.
func OpenSQLite(path string, slogger *slog.Logger) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("reminder store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening reminder sqlite database: %w", err)
	}
	return newGormStore(db, slogger, false)
}

// OpenPostgres opens the reminder database on a Postgres DSN.
func OpenPostgres(dsn string, slogger *slog.Logger) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening reminder postgres database: %w", err)
	}
	return newGormStore(db, slogger, true)
}

func newGormStore(db *gorm.DB, slogger *slog.Logger, isPostgres bool) (Store, error) {
	if err := db.AutoMigrate(&Reminder{}, &dispatchLogRow{}); err != nil {
		return nil, fmt.Errorf("migrating reminder schema: %w", err)
	}
	return &gormStore{db: db, logger: slogger, postgres: isPostgres}, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) lock() func() {
	if s.postgres {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *gormStore) Create(ctx context.Context, r *Reminder) error {
	defer s.lock()()
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *gormStore) ListByUser(ctx context.Context, userID, status string, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Reminder
	err := q.Order("due_at asc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *gormStore) SetStatus(ctx context.Context, userID string, id uint, status string) error {
	defer s.lock()()
	res := s.db.WithContext(ctx).Model(&Reminder{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// advisoryLockKey serializes claim rounds across postgres instances.
const advisoryLockKey = 0x6b617a69 // "kazi"

// ClaimDue marks due pending reminders as owned by this instance and
// returns them. Stale claims (crashed instances) are reclaimable after
// claimTTL.
func (s *gormStore) ClaimDue(ctx context.Context, instance string, now time.Time, limit int) ([]Reminder, error) {
	defer s.lock()()
	if limit <= 0 {
		limit = 20
	}

	db := s.db.WithContext(ctx)
	if s.postgres {
		var locked bool
		if err := db.Raw("SELECT pg_try_advisory_lock(?)", advisoryLockKey).Scan(&locked).Error; err != nil {
			return nil, fmt.Errorf("acquiring dispatch lock: %w", err)
		}
		if !locked {
			// Another instance is mid-round.
			return nil, nil
		}
		defer func() {
			if err := db.Exec("SELECT pg_advisory_unlock(?)", advisoryLockKey).Error; err != nil {
				s.logger.Warn("releasing dispatch lock failed", slog.String("error", err.Error()))
			}
		}()
	}

	stale := now.Add(-claimTTL)
	var due []Reminder
	err := db.Where("status = ? AND due_at <= ?", StatusPending, now).
		Where("locked_by = '' OR locked_by IS NULL OR locked_at < ?", stale).
		Order("due_at asc").Limit(limit).Find(&due).Error
	if err != nil {
		return nil, err
	}

	claimed := due[:0]
	for i := range due {
		res := db.Model(&Reminder{}).
			Where("id = ? AND status = ?", due[i].ID, StatusPending).
			Where("locked_by = '' OR locked_by IS NULL OR locked_at < ?", stale).
			Updates(map[string]any{"locked_by": instance, "locked_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, due[i])
		}
	}
	return claimed, nil
}

func (s *gormStore) MarkNotified(ctx context.Context, id uint) error {
	defer s.lock()()
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Reminder{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      StatusDone,
			"notified_at": &now,
			"locked_by":   "",
			"locked_at":   nil,
		}).Error
}

func (s *gormStore) ReleaseFailed(ctx context.Context, id uint, errText string) error {
	defer s.lock()()
	return s.db.WithContext(ctx).Model(&Reminder{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"locked_by":   "",
			"locked_at":   nil,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errText,
		}).Error
}

func (s *gormStore) AlreadyDispatched(ctx context.Context, businessID, targetDay string, offsetDays int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&dispatchLogRow{}).
		Where("business_id = ? AND target_day = ? AND offset_days = ?", businessID, targetDay, offsetDays).
		Count(&count).Error
	return count > 0, err
}

func (s *gormStore) RecordDispatch(ctx context.Context, businessID, targetDay string, offsetDays int) error {
	defer s.lock()()
	err := s.db.WithContext(ctx).Create(&dispatchLogRow{
		BusinessID: businessID,
		TargetDay:  targetDay,
		OffsetDays: offsetDays,
		SentAt:     time.Now(),
	}).Error
	if err != nil && isDuplicateKey(err) {
		return nil
	}
	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
