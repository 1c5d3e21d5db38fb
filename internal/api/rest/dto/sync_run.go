// Package dto holds the REST wire representations, decoupled from the gorm
// models so schema changes never leak into API responses unreviewed.
package dto

import (
	"time"

	"github.com/propsight/propsight-backend/internal/store/schema"
)

// SyncRun is the wire representation of one sync run ledger entry
type SyncRun struct {
	ID            string     `json:"id"`
	Mode          string     `json:"mode"`
	GitRevision   string     `json:"git_revision,omitempty"`
	Status        string     `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`

	Batches Batches `json:"batches"`
	Rows    Rows    `json:"rows"`

	Comparison *Comparison `json:"comparison,omitempty"`
}

// Batches groups the per-run batch counters
type Batches struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Rows groups the per-run row counters
type Rows struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Comparison is the wire representation of a run's comparison report
type Comparison struct {
	BaselineMissing  bool                   `json:"baseline_missing"`
	WithinThresholds bool                   `json:"within_thresholds"`
	RowCountBefore   int64                  `json:"row_count_before"`
	RowCountAfter    int64                  `json:"row_count_after"`
	Metrics          map[string]interface{} `json:"metrics"`
}

// FromSyncRun converts a schema.SyncRun into its wire representation
func FromSyncRun(run *schema.SyncRun) *SyncRun {
	out := &SyncRun{
		ID:            run.ID,
		Mode:          string(run.Mode),
		GitRevision:   run.GitRevision,
		Status:        string(run.Status),
		FailureReason: run.FailureReason,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		Batches: Batches{
			Total:     run.BatchesTotal,
			Succeeded: run.BatchesSucceeded,
			Failed:    run.BatchesFailed,
		},
		Rows: Rows{
			Fetched:  run.RowsFetched,
			Inserted: run.RowsInserted,
			Updated:  run.RowsUpdated,
			Skipped:  run.RowsSkipped,
		},
	}

	if run.ComparisonReport != nil {
		out.Comparison = &Comparison{
			BaselineMissing:  run.ComparisonReport.BaselineMissing,
			WithinThresholds: run.ComparisonReport.WithinThresholds,
			RowCountBefore:   run.ComparisonReport.RowCountBefore,
			RowCountAfter:    run.ComparisonReport.RowCountAfter,
			Metrics:          run.ComparisonReport.Metrics,
		}
	}

	return out
}
