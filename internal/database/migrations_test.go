package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/placevote/internal/compaction"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPrunesEmptyCompactionRuns(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&compaction.Run{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	seeded := []compaction.Run{
		{RunID: "empty", StartedAtSeconds: 1, FinishedAtSeconds: 1, Status: compaction.StatusSucceeded},
		{RunID: "moved", StartedAtSeconds: 2, FinishedAtSeconds: 2, EventsMoved: 4, BytesMoved: 400, Status: compaction.StatusSucceeded},
		{RunID: "failed", StartedAtSeconds: 3, FinishedAtSeconds: 3, Status: compaction.StatusFailed, ErrorMessage: "disk full"},
	}
	if err := database.Create(&seeded).Error; err != nil {
		testContext.Fatalf("failed to insert runs: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []compaction.Run
	if err := database.Order("run_id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload runs: %v", err)
	}
	if len(remaining) != 2 || remaining[0].RunID != "failed" || remaining[1].RunID != "moved" {
		testContext.Fatalf("unexpected runs after migration: %+v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPruneEmptyCompactionRuns).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations should be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "placevote.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&compaction.Run{}) {
		testContext.Fatalf("expected compaction_runs table")
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
