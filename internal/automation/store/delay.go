package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateDelayTask persists a scheduled sub-pipeline replay.
func (s *Store) CreateDelayTask(taskID, ruleID string, scheduledAt time.Time, payload string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(&DelayTaskRow{
		TaskID: taskID, RuleID: ruleID,
		ScheduledAt: scheduledAt.UTC(), Payload: payload,
		Status: DelayScheduled, CreatedAt: now, UpdatedAt: now,
	}).Error
}

// DueDelayTasks claims scheduled tasks due at or before now, atomically
// moving them to running so a concurrent tick cannot double-fire.
func (s *Store) DueDelayTasks(now time.Time, limit int) ([]DelayTaskRow, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []DelayTaskRow
	err := s.db.Where("status = ? AND scheduled_at <= ?", DelayScheduled, now.UTC()).
		Order("scheduled_at ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing due delay tasks: %w", err)
	}
	for i := range rows {
		rows[i].Status = DelayRunning
		rows[i].UpdatedAt = time.Now().UTC()
		if err := s.db.Save(&rows[i]).Error; err != nil {
			return nil, fmt.Errorf("claiming delay task %s: %w", rows[i].TaskID, err)
		}
	}
	return rows, nil
}

// FinishDelayTask records a terminal status for a running task.
func (s *Store) FinishDelayTask(taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&DelayTaskRow{}).Where("task_id = ?", taskID).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

// CancelDelayTask cancels a task that has not started running.
// Returns false when the task is past cancellation.
func (s *Store) CancelDelayTask(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row DelayTaskRow
	err := s.db.Where("task_id = ?", taskID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading delay task: %w", err)
	}
	if row.Status != DelayScheduled {
		return false, nil
	}
	row.Status = DelayCancelled
	row.UpdatedAt = time.Now().UTC()
	return true, s.db.Save(&row).Error
}

// ListDelayTasks returns tasks for the management endpoint (newest first).
func (s *Store) ListDelayTasks(limit int) ([]DelayTaskRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []DelayTaskRow
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing delay tasks: %w", err)
	}
	return rows, nil
}
