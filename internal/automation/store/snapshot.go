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

// LoadSnapshot returns the memoized fields for a record, or (nil, false)
// when the record has never been processed.
func (s *Store) LoadSnapshot(loc bitable.Locator) (bitable.Fields, bool, error) {
	var row snapshotRow
	err := s.db.Where(&snapshotRow{
		AppToken: loc.AppToken, TableID: loc.TableID, RecordID: loc.RecordID,
	}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading snapshot: %w", err)
	}

	var fields bitable.Fields
	if err := json.Unmarshal([]byte(row.Fields), &fields); err != nil {
		return nil, false, fmt.Errorf("decoding snapshot fields: %w", err)
	}
	return fields, true, nil
}

// SaveSnapshot upserts the last-processed state for a record.
func (s *Store) SaveSnapshot(loc bitable.Locator, fields bitable.Fields) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding snapshot fields: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_token"}, {Name: "table_id"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&snapshotRow{
		AppToken: loc.AppToken, TableID: loc.TableID, RecordID: loc.RecordID,
		Fields: string(encoded), UpdatedAt: time.Now().UTC(),
	}).Error
}

// DeleteSnapshot removes a record's snapshot (deletion reconciliation).
func (s *Store) DeleteSnapshot(loc bitable.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(&snapshotRow{}, &snapshotRow{
		AppToken: loc.AppToken, TableID: loc.TableID, RecordID: loc.RecordID,
	}).Error
}

// SnapshotRecordIDs lists all snapshotted record ids for a table.
func (s *Store) SnapshotRecordIDs(key bitable.TableKey) ([]string, error) {
	var ids []string
	err := s.db.Model(&snapshotRow{}).
		Where("app_token = ? AND table_id = ?", key.AppToken, key.TableID).
		Pluck("record_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing snapshot ids: %w", err)
	}
	return ids, nil
}

// LoadCheckpoint returns the scan cursor for a table ("" when unset).
func (s *Store) LoadCheckpoint(key bitable.TableKey) (string, int64, error) {
	var row checkpointRow
	err := s.db.Where(&checkpointRow{AppToken: key.AppToken, TableID: key.TableID}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("loading checkpoint: %w", err)
	}
	return row.Cursor, row.Scanned, nil
}

// SaveCheckpoint advances the scan cursor for a table.
func (s *Store) SaveCheckpoint(key bitable.TableKey, cursor string, scanned int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_token"}, {Name: "table_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "scanned", "updated_at"}),
	}).Create(&checkpointRow{
		AppToken: key.AppToken, TableID: key.TableID,
		Cursor: cursor, Scanned: scanned, UpdatedAt: time.Now().UTC(),
	}).Error
}

// SaveUpsertMirror records the target record an upsert action maintains
// for a given source record.
func (s *Store) SaveUpsertMirror(ruleID, sourceRecordID string, target bitable.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_id"}, {Name: "source_record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"target_app_token", "target_table_id", "target_record_id", "updated_at"}),
	}).Create(&upsertMirrorRow{
		RuleID: ruleID, SourceRecordID: sourceRecordID,
		TargetAppToken: target.AppToken, TargetTableID: target.TableID, TargetRecordID: target.RecordID,
		UpdatedAt: time.Now().UTC(),
	}).Error
}

// UpsertMirror is one source→target link.
type UpsertMirror struct {
	RuleID         string
	SourceRecordID string
	Target         bitable.Locator
}

// UpsertMirrors lists the links for a rule.
func (s *Store) UpsertMirrors(ruleID string) ([]UpsertMirror, error) {
	var rows []upsertMirrorRow
	if err := s.db.Where(&upsertMirrorRow{RuleID: ruleID}).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing upsert mirrors: %w", err)
	}
	out := make([]UpsertMirror, 0, len(rows))
	for _, r := range rows {
		out = append(out, UpsertMirror{
			RuleID:         r.RuleID,
			SourceRecordID: r.SourceRecordID,
			Target: bitable.Locator{
				AppToken: r.TargetAppToken, TableID: r.TargetTableID, RecordID: r.TargetRecordID,
			},
		})
	}
	return out, nil
}

// DeleteUpsertMirror removes one link after its target was reconciled.
func (s *Store) DeleteUpsertMirror(ruleID, sourceRecordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(&upsertMirrorRow{}, &upsertMirrorRow{
		RuleID: ruleID, SourceRecordID: sourceRecordID,
	}).Error
}
