package store

import (
	"errors"

	"gorm.io/gorm"

	"github.com/krata-zone/kratad/internal/model"
)

// reservationRow is the column-per-field counterpart to zoneRow: unlike
// a Zone, a NetworkReservation's fields are exactly what NetworkAssigner
// queries and updates, so real columns (as jvp's repository package
// does for its instance/volume/image tables) fit better than a JSON blob.
type reservationRow struct {
	UUID        string `gorm:"primaryKey"`
	IPv4        string
	IPv6        string
	MAC         string
	IPv4Prefix  int
	IPv6Prefix  int
	GatewayIPv4 string
	GatewayIPv6 string
	GatewayMAC  string
}

func (reservationRow) TableName() string { return "network_reservations" }

func rowToReservation(r reservationRow) model.NetworkReservation {
	return model.NetworkReservation{
		UUID:        r.UUID,
		IPv4:        r.IPv4,
		IPv6:        r.IPv6,
		MAC:         r.MAC,
		IPv4Prefix:  r.IPv4Prefix,
		IPv6Prefix:  r.IPv6Prefix,
		GatewayIPv4: r.GatewayIPv4,
		GatewayIPv6: r.GatewayIPv6,
		GatewayMAC:  r.GatewayMAC,
	}
}

func reservationToRow(r model.NetworkReservation) reservationRow {
	return reservationRow{
		UUID:        r.UUID,
		IPv4:        r.IPv4,
		IPv6:        r.IPv6,
		MAC:         r.MAC,
		IPv4Prefix:  r.IPv4Prefix,
		IPv6Prefix:  r.IPv6Prefix,
		GatewayIPv4: r.GatewayIPv4,
		GatewayIPv6: r.GatewayIPv6,
		GatewayMAC:  r.GatewayMAC,
	}
}

// ReservationStore implements network.ReservationStore.
type ReservationStore struct {
	db *gorm.DB
}

func (s *ReservationStore) List() (map[string]model.NetworkReservation, error) {
	var rows []reservationRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]model.NetworkReservation, len(rows))
	for _, row := range rows {
		out[row.UUID] = rowToReservation(row)
	}
	return out, nil
}

func (s *ReservationStore) Read(id string) (model.NetworkReservation, bool, error) {
	var row reservationRow
	err := s.db.Where("uuid = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.NetworkReservation{}, false, nil
	}
	if err != nil {
		return model.NetworkReservation{}, false, err
	}
	return rowToReservation(row), true, nil
}

func (s *ReservationStore) Update(id string, r model.NetworkReservation) error {
	row := reservationToRow(r)
	row.UUID = id
	return s.db.Save(&row).Error
}

func (s *ReservationStore) Remove(id string) error {
	return s.db.Where("uuid = ?", id).Delete(&reservationRow{}).Error
}
