package compaction

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const (
	// StatusSucceeded marks a cycle that moved events into the main store.
	StatusSucceeded = "succeeded"
	// StatusFailed marks a cycle that returned an error.
	StatusFailed = "failed"

	defaultListLimit = 50
	maxListLimit     = 500
)

var errMissingDatabase = errors.New("compaction: database handle is required")

// Run is one recorded compaction cycle.
type Run struct {
	RunID             string `gorm:"column:run_id;primaryKey;size:64;not null"`
	StartedAtSeconds  int64  `gorm:"column:started_at_s;not null;index:idx_compaction_runs_started"`
	FinishedAtSeconds int64  `gorm:"column:finished_at_s;not null"`
	EventsMoved       int64  `gorm:"column:events_moved;not null;default:0"`
	BytesMoved        int64  `gorm:"column:bytes_moved;not null;default:0"`
	Status            string `gorm:"column:status;size:16;not null"`
	ErrorMessage      string `gorm:"column:error_message;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Run) TableName() string {
	return "compaction_runs"
}

// Ledger stores compaction history in SQL.
type Ledger struct {
	db *gorm.DB
}

// NewLedger wraps an open database. The compaction_runs table must already be migrated.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Ledger{db: db}, nil
}

// Record inserts a finished run.
func (l *Ledger) Record(ctx context.Context, run Run) error {
	return l.db.WithContext(ctx).Create(&run).Error
}

// List returns the most recent runs, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var runs []Run
	err := l.db.WithContext(ctx).
		Order("started_at_s DESC").
		Order("run_id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
