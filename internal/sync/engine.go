// Package sync implements the URA synchronization engine: an explicit finite
// state machine that fetches the authority dataset, maps it into canonical
// rows, upserts them idempotently and compares the result against the
// previous baseline before the run is allowed to finish.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/propsight/propsight-backend/internal/adapter"
	"github.com/propsight/propsight-backend/internal/config"
	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/logger"
	"github.com/propsight/propsight-backend/internal/mapper"
	"github.com/propsight/propsight-backend/internal/providers/ura"
	"github.com/propsight/propsight-backend/internal/store"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// State is one step of the engine's run lifecycle
type State string

const (
	StateNotStarted        State = "not_started"
	StateCheckingKillSwitch State = "checking_kill_switch"
	StateFetchingToken     State = "fetching_token"
	StateFetchingBatches   State = "fetching_batches"
	StateMapping           State = "mapping"
	StateUpserting         State = "upserting"
	StateComparing         State = "comparing"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
	StateDisabled          State = "disabled"
)

// terminal reports whether the state ends the run
func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDisabled
}

// Outcome is what one engine invocation produced
type Outcome struct {
	RunID  string
	Status domain.RunStatus
	Reason string
	Counts store.RunCounts
}

// ExitCode maps the outcome onto the process exit code contract:
// 0 success, 1 failure, 2 disabled via kill switch
func (o *Outcome) ExitCode() int {
	switch o.Status {
	case domain.RunStatusSucceeded:
		return 0
	case domain.RunStatusDisabled:
		return 2
	default:
		return 1
	}
}

// Engine orchestrates one sync run
type Engine struct {
	policy     config.SyncPolicyConfig
	client     ura.Client
	store      store.Store
	clock      adapter.Clock
	comparator *Comparator
}

// NewEngine creates a sync engine. The policy is expected to be freshly
// resolved by the caller for every run.
func NewEngine(policy config.SyncPolicyConfig, client ura.Client, st store.Store, clock adapter.Clock) *Engine {
	return &Engine{
		policy:     policy,
		client:     client,
		store:      st,
		clock:      clock,
		comparator: NewComparator(policy.Thresholds),
	}
}

// runState carries everything a run accumulates while moving through the
// state machine
type runState struct {
	runID     string
	mode      domain.SyncMode
	sourceTag domain.SourceTag

	today       time.Time
	cutoff      time.Time
	windowStart time.Time

	lockHeld bool

	// rawBatches holds successful fetches keyed by batch number
	rawBatches map[int][]ura.RawProject
	// mappedBatches holds canonical rows per batch, upserted batch-by-batch
	mappedBatches map[int][]schema.Transaction

	baseline *store.TransactionAggregate
	report   *schema.ComparisonReport

	counts store.RunCounts
	reason string
}

// Run executes one pass of the state machine. Nothing throws past this
// boundary: every failure becomes a terminal outcome with a structured reason.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	rs := &runState{
		today:         e.clock.Now().UTC(),
		rawBatches:    make(map[int][]ura.RawProject),
		mappedBatches: make(map[int][]schema.Transaction),
	}

	defer func() {
		if rs.lockHeld {
			if err := e.store.ReleaseSyncLock(context.Background()); err != nil {
				logger.Error(err)
			}
		}
	}()

	handlers := map[State]func(context.Context, *runState) (State, error){
		StateCheckingKillSwitch: e.checkKillSwitch,
		StateFetchingToken:     e.fetchToken,
		StateFetchingBatches:   e.fetchBatches,
		StateMapping:           e.mapBatches,
		StateUpserting:         e.upsertBatches,
		StateComparing:         e.compare,
	}

	state := StateCheckingKillSwitch
	for !state.terminal() {
		logger.InfoCtx(ctx, "Sync engine state transition",
			zap.String("state", string(state)),
			zap.String("run_id", rs.runID),
		)

		next, err := handlers[state](ctx, rs)
		if err != nil {
			rs.reason = err.Error()
			next = StateFailed
		}
		state = next
	}

	return e.finalize(ctx, rs, state)
}

// finalize is the single terminal-state writer. Once it records a terminal
// status the run object is never updated again.
func (e *Engine) finalize(ctx context.Context, rs *runState, state State) (*Outcome, error) {
	outcome := &Outcome{
		RunID:  rs.runID,
		Reason: rs.reason,
		Counts: rs.counts,
	}

	switch state {
	case StateSucceeded:
		outcome.Status = domain.RunStatusSucceeded
	case StateDisabled:
		outcome.Status = domain.RunStatusDisabled
	default:
		outcome.Status = domain.RunStatusFailed
	}

	// A disabled run never opened a ledger record; there is nothing to write
	if rs.runID == "" {
		logger.InfoCtx(ctx, "Sync run finished without ledger record",
			zap.String("status", string(outcome.Status)),
			zap.String("reason", rs.reason),
		)
		return outcome, nil
	}

	var reason *string
	if rs.reason != "" {
		reason = &rs.reason
	}

	// Finalization must not be skipped on cancellation, so it runs on a
	// fresh context
	finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.store.FinalizeSyncRun(finalizeCtx, rs.runID, outcome.Status, reason, rs.counts); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("run_id", rs.runID))
		return outcome, fmt.Errorf("failed to finalize sync run: %w", err)
	}

	logger.InfoCtx(ctx, "Sync run finalized",
		zap.String("run_id", rs.runID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", rs.reason),
		zap.Int("batches_succeeded", rs.counts.BatchesSucceeded),
		zap.Int("batches_failed", rs.counts.BatchesFailed),
		zap.Int("rows_fetched", rs.counts.RowsFetched),
		zap.Int("rows_inserted", rs.counts.RowsInserted),
		zap.Int("rows_updated", rs.counts.RowsUpdated),
		zap.Int("rows_skipped", rs.counts.RowsSkipped),
	)

	return outcome, nil
}

// checkKillSwitch validates policy and exits before any I/O when sync is
// disabled. On the way out it takes the advisory lock and opens the run
// ledger record.
func (e *Engine) checkKillSwitch(ctx context.Context, rs *runState) (State, error) {
	if !e.policy.Enabled {
		rs.reason = "sync disabled by kill switch"
		return StateDisabled, nil
	}

	if err := e.policy.Validate(); err != nil {
		return StateFailed, &domain.ConfigError{Field: "sync", Msg: err.Error()}
	}

	mode, known := domain.ParseSyncMode(e.policy.Mode)
	if !known {
		// Fail closed to shadow, the least destructive mode
		logger.WarnCtx(ctx, "Unrecognized sync mode, falling back to shadow",
			zap.String("mode", e.policy.Mode),
		)
	}
	rs.mode = mode
	rs.sourceTag = domain.SourceForMode(mode)
	rs.cutoff = e.policy.CutoffDate(rs.today)
	rs.windowStart = e.policy.RevisionWindowDate(rs.today)

	acquired, err := e.store.AcquireSyncLock(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !acquired {
		return StateFailed, domain.ErrRunAlreadyActive
	}
	rs.lockHeld = true

	run := &schema.SyncRun{
		ID:          ulid.Make().String(),
		Mode:        mode,
		GitRevision: e.policy.GitRevision,
		Status:      domain.RunStatusRunning,
		StartedAt:   rs.today,
	}
	if err := e.store.CreateSyncRun(ctx, run); err != nil {
		return StateFailed, err
	}
	rs.runID = run.ID

	logger.InfoCtx(ctx, "Sync run opened",
		zap.String("run_id", rs.runID),
		zap.String("mode", string(mode)),
		zap.Time("cutoff", rs.cutoff),
		zap.Time("revision_window", rs.windowStart),
	)

	return StateFetchingToken, nil
}

// fetchToken refreshes the authority token and captures the pre-run baseline
// aggregate. A credential rejection is fatal: no further state is entered and
// nothing has been written.
func (e *Engine) fetchToken(ctx context.Context, rs *runState) (State, error) {
	if _, err := e.client.GetToken(ctx); err != nil {
		return StateFailed, err
	}

	// The production baseline must be captured before any of this run's
	// writes land. Shadow and dry runs re-read it window-restricted at
	// comparison time; their writes never touch the production tag.
	baseline, err := e.store.TransactionAggregate(ctx, domain.SourceURAAPI, rs.cutoff)
	if err != nil {
		return StateFailed, err
	}
	rs.baseline = baseline

	// First-ever sync backfills the whole cutoff horizon; later runs only
	// re-apply the revision window
	if baseline.RowCount == 0 {
		rs.windowStart = rs.cutoff
	}

	return StateFetchingBatches, nil
}

// fetchBatches fetches all partitions, concurrently up to the configured
// bound. Individual batch failures are recorded and the run proceeds; only
// total failure is fatal.
func (e *Engine) fetchBatches(ctx context.Context, rs *runState) (State, error) {
	batchCount := e.client.BatchCount()
	rs.counts.BatchesTotal = batchCount

	type fetchResult struct {
		projects []ura.RawProject
		err      error
		visited  bool
	}
	results := make([]fetchResult, batchCount+1)

	if e.policy.FetchConcurrency <= 1 {
		// Serial path: lazy iteration, continue past failed batches
		e.client.FetchAllBatches(ctx, func(batch int, projects []ura.RawProject, err error) bool {
			results[batch] = fetchResult{projects: projects, err: err, visited: true}
			return !domain.IsTokenError(err)
		})
	} else {
		pool := pond.NewPool(e.policy.FetchConcurrency, pond.WithContext(ctx))
		for batch := 1; batch <= batchCount; batch++ {
			b := batch
			pool.Submit(func() {
				projects, err := e.client.FetchBatch(ctx, b)
				results[b] = fetchResult{projects: projects, err: err, visited: true}
			})
		}
		pool.StopAndWait()
	}

	for batch := 1; batch <= batchCount; batch++ {
		res := results[batch]
		// Batches the iteration never reached count as neither succeeded nor
		// failed
		if !res.visited {
			continue
		}
		if res.err != nil {
			// Losing the token mid-run is not a batch-local problem
			if domain.IsTokenError(res.err) {
				return StateFailed, res.err
			}
			rs.counts.BatchesFailed++
			logger.WarnCtx(ctx, "Batch fetch failed, continuing with remaining batches",
				zap.Int("batch", batch),
				zap.Error(res.err),
			)
			continue
		}
		rs.counts.BatchesSucceeded++
		rs.rawBatches[batch] = res.projects
	}

	if err := ctx.Err(); err != nil {
		return StateFailed, fmt.Errorf("cancelled: %w", err)
	}

	if rs.counts.BatchesSucceeded == 0 {
		return StateFailed, fmt.Errorf("all %d batches failed", batchCount)
	}

	return StateMapping, nil
}

// mapBatches maps raw projects into canonical rows. Entry-level failures are
// counted, never fatal. Rows outside the run's date window are dropped, and
// rows sharing a natural key collapse to one: a single INSERT statement must
// not carry the same conflict key twice.
func (e *Engine) mapBatches(ctx context.Context, rs *runState) (State, error) {
	m := mapper.New(rs.sourceTag, rs.runID)
	seen := make(map[string]struct{})

	for batch, projects := range rs.rawBatches {
		if err := ctx.Err(); err != nil {
			return StateFailed, fmt.Errorf("cancelled: %w", err)
		}

		var batchRows []schema.Transaction
		for _, project := range projects {
			rows, skipped := m.MapProject(project)
			rs.counts.RowsFetched += len(rows) + skipped
			rs.counts.RowsSkipped += skipped

			for _, row := range rows {
				if row.TransactionDate.Before(rs.windowStart) {
					rs.counts.RowsSkipped++
					continue
				}
				if _, dup := seen[row.NaturalKey()]; dup {
					rs.counts.RowsSkipped++
					continue
				}
				seen[row.NaturalKey()] = struct{}{}
				batchRows = append(batchRows, row)
			}
		}
		rs.mappedBatches[batch] = batchRows
	}

	return StateUpserting, nil
}

// upsertBatches applies each batch inside its own short transaction so a
// mid-batch crash cannot leave a batch half-applied and readers are never
// blocked for more than one batch's writes. Dry runs write nothing.
func (e *Engine) upsertBatches(ctx context.Context, rs *runState) (State, error) {
	if rs.mode == domain.SyncModeDryRun {
		logger.InfoCtx(ctx, "Dry run: skipping upserts",
			zap.Int("batches", len(rs.mappedBatches)),
		)
		return StateComparing, nil
	}

	batchCount := e.client.BatchCount()
	for batch := 1; batch <= batchCount; batch++ {
		rows, ok := rs.mappedBatches[batch]
		if !ok || len(rows) == 0 {
			continue
		}

		// Abortable between batches: completed batch upserts stay committed
		if err := ctx.Err(); err != nil {
			return StateFailed, fmt.Errorf("cancelled: %w", err)
		}

		result, err := e.store.UpsertTransactionBatch(ctx, rows)
		if err != nil {
			rs.counts.BatchesFailed++
			rs.counts.BatchesSucceeded--
			logger.WarnCtx(ctx, "Batch upsert failed, continuing with remaining batches",
				zap.Int("batch", batch),
				zap.Error(err),
			)
			continue
		}

		rs.counts.RowsInserted += result.Inserted
		rs.counts.RowsUpdated += result.Updated
	}

	if rs.counts.BatchesSucceeded == 0 {
		return StateFailed, fmt.Errorf("all batches failed during upsert")
	}

	return StateComparing, nil
}

// compare always runs after upserting, in every mode. In production a breach
// fails the run even though data was written, so operators are alerted; in
// shadow it is logged and recorded but does not affect the terminal status.
//
// Both sides of the comparison cover the same date window. Production compares
// full-horizon views, before and after the run's writes. Shadow and dry runs
// only ever carry revision-window rows, so they compare against the production
// view restricted to that same window; an unrestricted baseline would breach
// the row-count threshold on every run.
func (e *Engine) compare(ctx context.Context, rs *runState) (State, error) {
	var current *store.TransactionAggregate
	baseline := rs.baseline
	var err error

	switch rs.mode {
	case domain.SyncModeProduction:
		current, err = e.store.TransactionAggregate(ctx, rs.sourceTag, rs.cutoff)
		if err != nil {
			return StateFailed, err
		}
	case domain.SyncModeDryRun:
		var all []schema.Transaction
		for _, rows := range rs.mappedBatches {
			all = append(all, rows...)
		}
		current = AggregateRows(all)
		baseline, err = e.store.TransactionAggregate(ctx, domain.SourceURAAPI, rs.windowStart)
		if err != nil {
			return StateFailed, err
		}
	default:
		current, err = e.store.TransactionAggregate(ctx, rs.sourceTag, rs.windowStart)
		if err != nil {
			return StateFailed, err
		}
		baseline, err = e.store.TransactionAggregate(ctx, domain.SourceURAAPI, rs.windowStart)
		if err != nil {
			return StateFailed, err
		}
	}

	report := e.comparator.Compare(rs.runID, current, baseline)
	rs.report = report

	if err := e.store.CreateComparisonReport(ctx, report); err != nil {
		return StateFailed, err
	}

	if report.WithinThresholds {
		return StateSucceeded, nil
	}

	metric, delta, threshold, _ := FirstBreach(report)
	breach := &domain.ThresholdBreach{Metric: metric, DeltaPct: delta, ThresholdPct: threshold}

	if rs.mode == domain.SyncModeProduction && e.policy.Thresholds.TreatBreachFatal {
		return StateFailed, breach
	}

	// Shadow and dry-run breaches are advisory: shadow writes are isolated by
	// source tag and never reach the production read path
	logger.WarnCtx(ctx, "Comparison breached thresholds (advisory in this mode)",
		zap.String("mode", string(rs.mode)),
		zap.String("metric", metric),
		zap.Float64("delta_pct", delta),
		zap.Float64("threshold_pct", threshold),
	)

	return StateSucceeded, nil
}
