package schema

import (
	"time"

	"github.com/propsight/propsight-backend/internal/domain"
)

// SyncRun represents the sync_runs ledger - one record per orchestrated
// execution of the sync engine. Created at run start, mutated only by the
// owning run, immutable once it reaches a terminal status.
type SyncRun struct {
	// ID is a ULID so the ledger sorts chronologically by primary key
	ID string `gorm:"column:id;primaryKey;type:text"`
	// Mode the run executed in (shadow, production, dry_run)
	Mode domain.SyncMode `gorm:"column:mode;not null;type:text"`
	// GitRevision records the code revision that produced the run
	GitRevision string `gorm:"column:git_revision;type:text"`
	// Status is the run lifecycle status
	Status domain.RunStatus `gorm:"column:status;not null;type:text;index:idx_sync_runs_status"`
	// FailureReason is a structured reason string for failed runs
	FailureReason *string `gorm:"column:failure_reason;type:text"`

	BatchesTotal     int `gorm:"column:batches_total;not null;default:0"`
	BatchesSucceeded int `gorm:"column:batches_succeeded;not null;default:0"`
	BatchesFailed    int `gorm:"column:batches_failed;not null;default:0"`
	RowsFetched      int `gorm:"column:rows_fetched;not null;default:0"`
	RowsInserted     int `gorm:"column:rows_inserted;not null;default:0"`
	RowsUpdated      int `gorm:"column:rows_updated;not null;default:0"`
	RowsSkipped      int `gorm:"column:rows_skipped;not null;default:0"`

	StartedAt time.Time  `gorm:"column:started_at;not null;default:now()"`
	EndedAt   *time.Time `gorm:"column:ended_at"`

	// Associations
	ComparisonReport *ComparisonReport `gorm:"foreignKey:SyncRunID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the SyncRun model
func (SyncRun) TableName() string {
	return "sync_runs"
}
