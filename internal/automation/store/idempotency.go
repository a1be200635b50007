package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/bitable"
)

// SeenEvent records an event id and reports whether it was already seen
// within the TTL window. The check-and-mark is atomic under the store's
// write lock, so concurrent duplicates cannot both pass.
func (s *Store) SeenEvent(eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var row eventKeyRow
	err := s.db.Where(&eventKeyRow{EventID: eventID}).First(&row).Error
	switch {
	case err == nil:
		if time.Since(row.SeenAt) < ttl {
			return true, nil
		}
		// Expired entry: refresh the window.
		row.SeenAt = time.Now().UTC()
		return false, s.db.Save(&row).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, s.db.Create(&eventKeyRow{EventID: eventID, SeenAt: time.Now().UTC()}).Error
	default:
		return false, fmt.Errorf("checking event id: %w", err)
	}
}

// PruneEvents drops event ids older than the TTL window.
func (s *Store) PruneEvents(ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Where("seen_at < ?", time.Now().UTC().Add(-ttl)).Delete(&eventKeyRow{}).Error
}

// BusinessKey derives the stable hash identifying "this rule already
// handled this change": sha1 over (rule_id, table_id, record_id, sorted
// change set).
func BusinessKey(ruleID, tableID, recordID string, changes []bitable.Change) string {
	payload := struct {
		RuleID   string           `json:"rule_id"`
		TableID  string           `json:"table_id"`
		RecordID string           `json:"record_id"`
		Changes  []bitable.Change `json:"changes"`
	}{ruleID, tableID, recordID, changes}

	encoded, _ := json.Marshal(payload) // Diff output is already sorted by field
	sum := sha1.Sum(encoded)
	return fmt.Sprintf("%s:%s:%s", tableID, recordID, hex.EncodeToString(sum[:]))
}

// BusinessDone reports whether the key was already recorded successful.
func (s *Store) BusinessDone(key string) (bool, error) {
	var row businessKeyRow
	err := s.db.Where(&businessKeyRow{Key: key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking business key: %w", err)
	}
	return true, nil
}

// MarkBusiness records a successfully executed business key.
func (s *Store) MarkBusiness(key, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&businessKeyRow{
		Key: key, RuleID: ruleID, CreatedAt: time.Now().UTC(),
	}).Error
}
