// Package store is the daemon's persistence layer: a pure-Go sqlite
// database (no cgo, via modernc.org/sqlite) accessed through gorm,
// backing the zone table and the network reservation table the
// reconciler and network assigner read and write through.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Store wraps the gorm handle shared by ZoneStore and ReservationStore.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the sqlite database at path and migrates the
// zone and reservation tables.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Writes come from several goroutines (concurrent reconciles and the
	// control service); one connection serializes them and avoids sqlite
	// SQLITE_BUSY churn under modernc's pure-Go driver.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
		Conn:       sqlDB,
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	if err := db.AutoMigrate(&zoneRow{}, &reservationRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Zones returns a reconcile.ZoneStore backed by this database.
func (s *Store) Zones() *ZoneStore {
	return &ZoneStore{db: s.db}
}

// Reservations returns a network.ReservationStore backed by this database.
func (s *Store) Reservations() *ReservationStore {
	return &ReservationStore{db: s.db}
}
