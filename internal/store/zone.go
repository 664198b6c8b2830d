package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krata-zone/kratad/internal/model"
)

// zoneRow persists a Zone as an opaque JSON blob keyed by uuid, mirroring
// the single json-value-per-uuid shape of the original's redb table
// (NETWORK_RESERVATION_TABLE's sibling zone table): the Spec/Status
// payload has no query needs of its own, only lookup-by-uuid and
// list-all, so there's nothing relational to gain from column-per-field.
type zoneRow struct {
	UUID string `gorm:"primaryKey"`
	Data []byte
}

func (zoneRow) TableName() string { return "zones" }

// ZoneStore implements reconcile.ZoneStore.
type ZoneStore struct {
	db *gorm.DB
}

func (s *ZoneStore) List() ([]*model.Zone, error) {
	var rows []zoneRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	zones := make([]*model.Zone, 0, len(rows))
	for _, row := range rows {
		var z model.Zone
		if err := json.Unmarshal(row.Data, &z); err != nil {
			return nil, fmt.Errorf("corrupt zone record %s: %w", row.UUID, err)
		}
		zones = append(zones, &z)
	}
	return zones, nil
}

func (s *ZoneStore) Read(id uuid.UUID) (*model.Zone, bool, error) {
	var row zoneRow
	err := s.db.Where("uuid = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var z model.Zone
	if err := json.Unmarshal(row.Data, &z); err != nil {
		return nil, false, fmt.Errorf("corrupt zone record %s: %w", id, err)
	}
	return &z, true, nil
}

func (s *ZoneStore) Write(z *model.Zone) error {
	data, err := json.Marshal(z)
	if err != nil {
		return err
	}
	row := zoneRow{UUID: z.UUID, Data: data}
	return s.db.Save(&row).Error
}

func (s *ZoneStore) Delete(id uuid.UUID) error {
	return s.db.Where("uuid = ?", id.String()).Delete(&zoneRow{}).Error
}
