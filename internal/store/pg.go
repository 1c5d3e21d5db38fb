package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// syncAdvisoryLockKey is the advisory lock key guarding "one active sync run"
// across all processes sharing the database
const syncAdvisoryLockKey int64 = 0x5052_5341 // "PRSA"

type pgStore struct {
	db *gorm.DB

	// lockConn pins the advisory lock to one pooled connection for its
	// whole lifetime; advisory locks are session-scoped
	lockMu   sync.Mutex
	lockConn *sql.Conn
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the canonical tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.Transaction{},
		&schema.SyncRun{},
		&schema.ComparisonReport{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		normalizePoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// normalizePoolSettings applies defaults and clamps pool settings.
// database/sql treats MaxOpenConns=0 as "unlimited" and MaxIdleConns=0 as "no
// idle connections", neither of which we want by default.
func normalizePoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// calculateSafeBatchSize computes the batch size for bulk inserts that stays
// under PostgreSQL's 65535 extended-protocol parameter limit, with headroom
// for the ON CONFLICT clause and GORM bookkeeping.
func calculateSafeBatchSize(totalRecords int, fieldsPerRecord int) int {
	const maxParams = 65535
	const totalHeadroom = 1000

	availableParams := maxParams - totalHeadroom
	safeBatchSize := max(availableParams/fieldsPerRecord, 1)

	if safeBatchSize > totalRecords {
		return totalRecords
	}

	return safeBatchSize
}

// AcquireSyncLock takes the advisory lock without blocking. The lock is held
// on a dedicated connection until ReleaseSyncLock.
func (s *pgStore) AcquireSyncLock(ctx context.Context) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn != nil {
		return false, fmt.Errorf("sync lock already held by this process")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return false, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to obtain connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", syncAdvisoryLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	s.lockConn = conn
	return true, nil
}

// ReleaseSyncLock releases the advisory lock and returns its connection to
// the pool
func (s *pgStore) ReleaseSyncLock(ctx context.Context) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn == nil {
		return nil
	}

	_, err := s.lockConn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", syncAdvisoryLockKey)
	closeErr := s.lockConn.Close()
	s.lockConn = nil

	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return closeErr
}

// CreateSyncRun opens a run record in the ledger
func (s *pgStore) CreateSyncRun(ctx context.Context, run *schema.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// FinalizeSyncRun writes the terminal status and counters. A run that has
// already reached a terminal status is never touched again.
func (s *pgStore) FinalizeSyncRun(ctx context.Context, runID string, status domain.RunStatus, reason *string, counts RunCounts) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize run %s with non-terminal status %q", runID, status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run schema.SyncRun
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", runID).
			First(&run).Error; err != nil {
			return fmt.Errorf("failed to load sync run %s: %w", runID, err)
		}

		if run.Status.Terminal() {
			return domain.ErrRunFinalized
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":            status,
			"failure_reason":    reason,
			"ended_at":          now,
			"batches_total":     counts.BatchesTotal,
			"batches_succeeded": counts.BatchesSucceeded,
			"batches_failed":    counts.BatchesFailed,
			"rows_fetched":      counts.RowsFetched,
			"rows_inserted":     counts.RowsInserted,
			"rows_updated":      counts.RowsUpdated,
			"rows_skipped":      counts.RowsSkipped,
		}

		if err := tx.Model(&schema.SyncRun{}).Where("id = ?", runID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to finalize sync run %s: %w", runID, err)
		}

		return nil
	})
}

// GetSyncRun retrieves one run with its comparison report
func (s *pgStore) GetSyncRun(ctx context.Context, runID string) (*schema.SyncRun, error) {
	var run schema.SyncRun
	err := s.db.WithContext(ctx).
		Preload("ComparisonReport").
		Where("id = ?", runID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	return &run, nil
}

// ListSyncRuns retrieves runs newest-first
func (s *pgStore) ListSyncRuns(ctx context.Context, limit, offset int) ([]schema.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var runs []schema.SyncRun
	err := s.db.WithContext(ctx).
		Preload("ComparisonReport").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}

	return runs, nil
}

// UpsertTransactionBatch applies one batch's rows in a single short
// transaction so a mid-batch crash cannot leave the batch half-applied and
// concurrent readers are never blocked for more than one batch's writes.
//
// The conflict target is the natural key (project_name, transaction_date,
// content_hash, source_tag); on conflict only the allow-listed revisable
// columns are assigned.
func (s *pgStore) UpsertTransactionBatch(ctx context.Context, rows []schema.Transaction) (UpsertResult, error) {
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}

	var result UpsertResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keys := make([][]interface{}, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, []interface{}{
				row.ProjectName, row.TransactionDate, row.ContentHash, row.SourceTag,
			})
		}

		// Probe on the full natural key so rows with the same hash under a
		// different tag or project are still counted as inserts
		var existing []schema.Transaction
		if err := tx.Model(&schema.Transaction{}).
			Select("project_name", "transaction_date", "content_hash", "source_tag").
			Where("(project_name, transaction_date, content_hash, source_tag) IN ?", keys).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to probe existing rows: %w", err)
		}

		existingSet := make(map[string]struct{}, len(existing))
		for i := range existing {
			existingSet[existing[i].NaturalKey()] = struct{}{}
		}
		for i := range rows {
			if _, ok := existingSet[rows[i].NaturalKey()]; ok {
				result.Updated++
			} else {
				result.Inserted++
			}
		}

		conflictCols := make([]clause.Column, 0, 4)
		for _, name := range schema.UpsertConflictColumns() {
			conflictCols = append(conflictCols, clause.Column{Name: name})
		}

		batchSize := calculateSafeBatchSize(len(rows), 22)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   conflictCols,
			DoUpdates: clause.AssignmentColumns(schema.UpsertUpdateColumns()),
		}).CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("failed to upsert transactions: %w", err)
		}

		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	return result, nil
}

// TransactionAggregate computes the comparator's statistical view
func (s *pgStore) TransactionAggregate(ctx context.Context, source domain.SourceTag, since time.Time) (*TransactionAggregate, error) {
	var agg TransactionAggregate
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			count(*) AS row_count,
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY price_psf), 0) AS median_psf,
			COALESCE(avg(price), 0) AS mean_price,
			COALESCE(avg(CASE WHEN sale_type = 'new_sale' THEN 1.0 ELSE 0.0 END), 0) AS new_sale_share
		FROM transactions
		WHERE source_tag = ? AND transaction_date >= ?`,
		source, since,
	).Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute transaction aggregate: %w", err)
	}

	return &agg, nil
}

// CreateComparisonReport persists a run's comparison outcome
func (s *pgStore) CreateComparisonReport(ctx context.Context, report *schema.ComparisonReport) error {
	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("failed to create comparison report: %w", err)
	}
	return nil
}

// MarketKPIs computes the headline aggregates over committed production rows
func (s *pgStore) MarketKPIs(ctx context.Context, district string, months int) (*KPIRow, error) {
	var kpi KPIRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			count(*) AS volume,
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY price_psf), 0) AS median_psf,
			COALESCE(avg(price_psf), 0) AS mean_psf,
			COALESCE(sum(price), 0) AS total_value
		FROM transactions
		WHERE source_tag = ?
		  AND transaction_date >= date_trunc('month', now()) - make_interval(months => ?)
		  AND (? = '' OR district = ?)`,
		domain.SourceURAAPI, months, district, district,
	).Scan(&kpi).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute market KPIs: %w", err)
	}

	return &kpi, nil
}

// PriceBands computes a PSF histogram over committed production rows
func (s *pgStore) PriceBands(ctx context.Context, district string, months int, bandWidth float64) ([]PriceBandRow, error) {
	if bandWidth <= 0 {
		bandWidth = 200
	}

	var bands []PriceBandRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			floor(price_psf / ?) * ? AS band_low,
			floor(price_psf / ?) * ? + ? AS band_high,
			count(*) AS count
		FROM transactions
		WHERE source_tag = ?
		  AND transaction_date >= date_trunc('month', now()) - make_interval(months => ?)
		  AND (? = '' OR district = ?)
		GROUP BY 1, 2
		ORDER BY 1`,
		bandWidth, bandWidth, bandWidth, bandWidth, bandWidth,
		domain.SourceURAAPI, months, district, district,
	).Scan(&bands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute price bands: %w", err)
	}

	return bands, nil
}

// PriceGrowth computes the monthly median PSF series
func (s *pgStore) PriceGrowth(ctx context.Context, district string, years int) ([]GrowthPoint, error) {
	var points []GrowthPoint
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			date_trunc('month', transaction_date) AS month,
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY price_psf), 0) AS median_psf,
			count(*) AS volume
		FROM transactions
		WHERE source_tag = ?
		  AND transaction_date >= date_trunc('month', now()) - make_interval(years => ?)
		  AND (? = '' OR district = ?)
		GROUP BY 1
		ORDER BY 1`,
		domain.SourceURAAPI, years, district, district,
	).Scan(&points).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute price growth: %w", err)
	}

	return points, nil
}

// SupplyPipeline summarizes recent new-sale activity by project
func (s *pgStore) SupplyPipeline(ctx context.Context, months int) ([]SupplyRow, error) {
	var rowsOut []SupplyRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			project_name,
			district,
			count(*) AS units_sold,
			min(transaction_date) AS first_sale,
			max(transaction_date) AS last_sale
		FROM transactions
		WHERE source_tag = ?
		  AND sale_type = 'new_sale'
		  AND transaction_date >= date_trunc('month', now()) - make_interval(months => ?)
		GROUP BY project_name, district
		ORDER BY units_sold DESC
		LIMIT 100`,
		domain.SourceURAAPI, months,
	).Scan(&rowsOut).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute supply pipeline: %w", err)
	}

	return rowsOut, nil
}

// ExitQueueRisk computes exit-pressure proxies per district: the sub-sale
// share and the share of resales inside the first five years of the lease
func (s *pgStore) ExitQueueRisk(ctx context.Context, district string, months int) ([]ExitQueueRow, error) {
	var rowsOut []ExitQueueRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			district,
			COALESCE(avg(CASE WHEN sale_type = 'sub_sale' THEN 1.0 ELSE 0.0 END), 0) AS sub_sale_share,
			COALESCE(avg(CASE WHEN sale_type = 'resale'
				AND lease_start_year IS NOT NULL
				AND extract(year FROM transaction_date) - lease_start_year <= 5
				THEN 1.0 ELSE 0.0 END), 0) AS short_hold_share,
			count(*) AS volume
		FROM transactions
		WHERE source_tag = ?
		  AND transaction_date >= date_trunc('month', now()) - make_interval(months => ?)
		  AND (? = '' OR district = ?)
		GROUP BY district
		ORDER BY district`,
		domain.SourceURAAPI, months, district, district,
	).Scan(&rowsOut).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute exit queue risk: %w", err)
	}

	return rowsOut, nil
}
