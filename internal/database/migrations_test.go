package database

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sampleRow struct {
	Key   string `gorm:"column:sample_key;primaryKey;size:64"`
	Value string `gorm:"column:sample_value"`
}

func (sampleRow) TableName() string {
	return "sample_rows"
}

func TestOpenSQLiteAppliesMigrationsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	applied := 0
	schema := Schema{
		Models: []any{&sampleRow{}},
		Migrations: []Migration{{
			Name: "2026-10-01_seed_sample_row",
			Apply: func(db *gorm.DB) error {
				applied++
				return db.Create(&sampleRow{Key: "greeting", Value: "hello"}).Error
			},
		}},
	}

	database, err := OpenSQLite(databasePath, schema, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := Close(database); err != nil {
		testContext.Fatalf("failed to close sqlite: %v", err)
	}

	reopened, err := OpenSQLite(databasePath, schema, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen sqlite: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(reopened) })

	if applied != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", applied)
	}

	var stored sampleRow
	if err := reopened.Where("sample_key = ?", "greeting").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.Value != "hello" {
		testContext.Fatalf("unexpected value %q", stored.Value)
	}

	var record migrationRecord
	if err := reopened.Where("name = ?", "2026-10-01_seed_sample_row").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteReportsFailedMigration(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "failing.db")
	schema := Schema{Migrations: []Migration{{
		Name:  "2026-10-02_broken",
		Apply: func(*gorm.DB) error { return errors.New("boom") },
	}}}

	if _, err := OpenSQLite(databasePath, schema, nil); err == nil {
		testContext.Fatalf("expected migration failure to be reported")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", Schema{}, nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
