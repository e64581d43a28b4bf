package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a named data migration applied at most once per database.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, migrations []Migration, logger *zap.Logger) error {
	for _, migration := range migrations {
		if migration.Name == "" || migration.Apply == nil {
			return fmt.Errorf("database migration requires a name and an apply function")
		}
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.Apply(db); err != nil {
			return fmt.Errorf("database migration %s: %w", migration.Name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}
