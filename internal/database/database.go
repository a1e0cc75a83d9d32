package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"paper-trader-go/internal/models"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema for all persisted entities.
// Existing rows are never dropped: the execution ledger and position history
// must survive restarts for the idempotency guarantees to hold.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Recommendation{},
		&models.Execution{},
		&models.ActivePosition{},
		&models.PositionHistory{},
		&models.DispatcherRun{},
		&models.BrokerEvent{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
