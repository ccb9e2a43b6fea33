package db

import (
	"fmt"

	"github.com/zulandar/fibreflow/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by the import pipeline.
func AllModels() []interface{} {
	return []interface{}{
		&models.ImportJob{},
		&models.ImportBatch{},
		&models.Pole{},
		&models.Drop{},
		&models.FibreSegment{},
	}
}

// AutoMigrate creates or updates the pipeline tables. Production schemas are
// provisioned out of band; this exists for local setups and tests.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
