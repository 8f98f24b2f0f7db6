package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/placevote/internal/compaction"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Early builds recorded a row for every tick, including ticks with an empty log.
const migrationPruneEmptyCompactionRuns = "2026-09-14_prune_empty_compaction_runs"

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
		{name: migrationPruneEmptyCompactionRuns, apply: pruneEmptyCompactionRuns},
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

func pruneEmptyCompactionRuns(db *gorm.DB) error {
	return db.
		Where("events_moved = 0 AND status = ?", compaction.StatusSucceeded).
		Delete(&compaction.Run{}).Error
}
