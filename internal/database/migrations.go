package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillOwnerMemberships = "2024-10-01_backfill_owner_memberships"
	migrationRepairZeroVersions       = "2024-10-08_repair_zero_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillOwnerMemberships, apply: backfillOwnerMemberships},
		{name: migrationRepairZeroVersions, apply: repairZeroVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Documents created before memberships existed only carry owner_id.
func backfillOwnerMemberships(db *gorm.DB) error {
	return db.Exec(`INSERT INTO document_members (document_id, user_id, role, created_at)
SELECT d.document_id, d.owner_id, 'owner', d.created_at FROM documents d
WHERE NOT EXISTS (
	SELECT 1 FROM document_members m WHERE m.document_id = d.document_id AND m.user_id = d.owner_id
)`).Error
}

func repairZeroVersions(db *gorm.DB) error {
	return db.Exec("UPDATE documents SET version = 1 WHERE version < 1").Error
}
