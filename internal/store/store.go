package store

import (
	"context"
	"time"

	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// UpsertResult reports what one batch upsert did
type UpsertResult struct {
	Inserted int
	Updated  int
}

// RunCounts carries the accumulated counters written at run finalization
type RunCounts struct {
	BatchesTotal     int
	BatchesSucceeded int
	BatchesFailed    int
	RowsFetched      int
	RowsInserted     int
	RowsUpdated      int
	RowsSkipped      int
}

// TransactionAggregate is the statistical view the shadow comparator works
// with: one snapshot of the canonical table restricted to a source tag and a
// date window
type TransactionAggregate struct {
	RowCount     int64
	MedianPSF    float64
	MeanPrice    float64
	NewSaleShare float64 // fraction of rows that are new sales, 0..1
}

// KPIRow is the headline market aggregate for a window
type KPIRow struct {
	Volume     int64   `json:"volume"`
	MedianPSF  float64 `json:"median_psf"`
	MeanPSF    float64 `json:"mean_psf"`
	TotalValue float64 `json:"total_value"`
}

// PriceBandRow is one PSF histogram band
type PriceBandRow struct {
	BandLow  float64 `json:"band_low"`
	BandHigh float64 `json:"band_high"`
	Count    int64   `json:"count"`
}

// GrowthPoint is one month of the median PSF series
type GrowthPoint struct {
	Month     time.Time `json:"month"`
	MedianPSF float64   `json:"median_psf"`
	Volume    int64     `json:"volume"`
}

// SupplyRow is one project in the new-sale supply pipeline
type SupplyRow struct {
	ProjectName string    `json:"project_name"`
	District    string    `json:"district"`
	UnitsSold   int64     `json:"units_sold"`
	FirstSale   time.Time `json:"first_sale"`
	LastSale    time.Time `json:"last_sale"`
}

// ExitQueueRow summarizes exit-pressure proxies for a district
type ExitQueueRow struct {
	District       string  `json:"district"`
	SubSaleShare   float64 `json:"sub_sale_share"`
	ShortHoldShare float64 `json:"short_hold_share"`
	Volume         int64   `json:"volume"`
}

// Store defines the interface for database operations
type Store interface {
	// AcquireSyncLock takes the advisory lock guarding "one active run".
	// Returns false without blocking when another run holds it.
	AcquireSyncLock(ctx context.Context) (bool, error)
	// ReleaseSyncLock releases the advisory lock
	ReleaseSyncLock(ctx context.Context) error

	// CreateSyncRun opens a run record in the ledger
	CreateSyncRun(ctx context.Context, run *schema.SyncRun) error
	// FinalizeSyncRun writes the terminal status, reason and counters.
	// Refuses to touch a run that is no longer running.
	FinalizeSyncRun(ctx context.Context, runID string, status domain.RunStatus, reason *string, counts RunCounts) error
	// GetSyncRun retrieves one run with its comparison report
	GetSyncRun(ctx context.Context, runID string) (*schema.SyncRun, error)
	// ListSyncRuns retrieves runs newest-first
	ListSyncRuns(ctx context.Context, limit, offset int) ([]schema.SyncRun, error)

	// UpsertTransactionBatch applies one batch's rows in a single short
	// transaction, keyed on the natural key with the allow-listed update set
	UpsertTransactionBatch(ctx context.Context, rows []schema.Transaction) (UpsertResult, error)

	// TransactionAggregate computes the comparator's statistical view over
	// rows with the given source tag since the window start
	TransactionAggregate(ctx context.Context, source domain.SourceTag, since time.Time) (*TransactionAggregate, error)
	// CreateComparisonReport persists a run's comparison outcome
	CreateComparisonReport(ctx context.Context, report *schema.ComparisonReport) error

	// Read-side aggregation over committed production rows
	MarketKPIs(ctx context.Context, district string, months int) (*KPIRow, error)
	PriceBands(ctx context.Context, district string, months int, bandWidth float64) ([]PriceBandRow, error)
	PriceGrowth(ctx context.Context, district string, years int) ([]GrowthPoint, error)
	SupplyPipeline(ctx context.Context, months int) ([]SupplyRow, error)
	ExitQueueRisk(ctx context.Context, district string, months int) ([]ExitQueueRow, error)
}
