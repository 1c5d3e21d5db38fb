package schema

import (
	"time"

	"gorm.io/datatypes"
)

// ComparisonReport represents the comparison_reports table - delta metrics
// between a run's aggregate view and the previous baseline. Created once per
// run, immutable after creation, owned by the SyncRun that produced it.
type ComparisonReport struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// SyncRunID is the owning run
	SyncRunID string `gorm:"column:sync_run_id;not null;type:text;uniqueIndex"`
	// BaselineMissing flags the first-ever run, which has nothing to compare
	// against and is automatically within thresholds
	BaselineMissing bool `gorm:"column:baseline_missing;not null;default:false"`
	// WithinThresholds reports whether every metric stayed inside its
	// configured tolerance
	WithinThresholds bool `gorm:"column:within_thresholds;not null"`
	// RowCountBefore is the baseline row count
	RowCountBefore int64 `gorm:"column:row_count_before;not null"`
	// RowCountAfter is the row count of the new aggregate view
	RowCountAfter int64 `gorm:"column:row_count_after;not null"`
	// Metrics holds per-metric baseline/current/delta/threshold/breached
	Metrics datatypes.JSONMap `gorm:"column:metrics;type:jsonb"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
}

// TableName specifies the table name for the ComparisonReport model
func (ComparisonReport) TableName() string {
	return "comparison_reports"
}
