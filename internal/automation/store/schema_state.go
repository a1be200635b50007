package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/bitable"
)

// SchemaFields returns the cached field names for a table, or (nil, false)
// when the table has never been refreshed.
func (s *Store) SchemaFields(key bitable.TableKey) ([]string, bool, error) {
	var row schemaTableRow
	err := s.db.Where(&schemaTableRow{TableKey: key.String()}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading schema cache: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(row.FieldNames), &names); err != nil {
		return nil, false, fmt.Errorf("decoding schema cache: %w", err)
	}
	return names, true, nil
}

// SaveSchemaFields replaces the cached field names for a table.
func (s *Store) SaveSchemaFields(key bitable.TableKey, names []string) error {
	encoded, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encoding schema cache: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"field_names", "updated_at"}),
	}).Create(&schemaTableRow{
		TableKey: key.String(), FieldNames: string(encoded), UpdatedAt: time.Now().UTC(),
	}).Error
}

// DisabledRules returns the set of runtime-disabled rule ids.
// The rules file itself is never modified.
func (s *Store) DisabledRules() (map[string]string, error) {
	var rows []ruleRuntimeRow
	if err := s.db.Where("disabled = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing disabled rules: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.RuleID] = r.Reason
	}
	return out, nil
}

// SetRuleDisabled flips the runtime enable state of a rule.
func (s *Store) SetRuleDisabled(ruleID string, disabled bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"disabled", "reason", "updated_at"}),
	}).Create(&ruleRuntimeRow{
		RuleID: ruleID, Disabled: disabled, Reason: reason, UpdatedAt: time.Now().UTC(),
	}).Error
}
