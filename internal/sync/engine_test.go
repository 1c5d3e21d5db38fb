package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsight/propsight-backend/internal/config"
	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/logger"
	"github.com/propsight/propsight-backend/internal/providers/ura"
	"github.com/propsight/propsight-backend/internal/store"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

// fakeClock pins the engine to a fixed date so window math is deterministic
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *fakeClock) Sleep(d time.Duration)                  {}
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return make(chan time.Time) }

// fakeStore is an in-memory Store that records every call for ordering and
// zero-I/O assertions
type fakeStore struct {
	mu    sync.Mutex
	calls []string

	lockDenied bool
	lockHeld   bool

	createdRun *schema.SyncRun

	upserts    [][]schema.Transaction
	upsertErrs map[int]error // keyed by upsert call index, 0-based

	aggregates map[domain.SourceTag]*store.TransactionAggregate

	reports []*schema.ComparisonReport

	finalizeCount int
	finalStatus   domain.RunStatus
	finalReason   *string
	finalCounts   store.RunCounts
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		upsertErrs: make(map[int]error),
		aggregates: make(map[domain.SourceTag]*store.TransactionAggregate),
	}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) AcquireSyncLock(ctx context.Context) (bool, error) {
	s.record("AcquireSyncLock")
	if s.lockDenied {
		return false, nil
	}
	s.lockHeld = true
	return true, nil
}

func (s *fakeStore) ReleaseSyncLock(ctx context.Context) error {
	s.record("ReleaseSyncLock")
	s.lockHeld = false
	return nil
}

func (s *fakeStore) CreateSyncRun(ctx context.Context, run *schema.SyncRun) error {
	s.record("CreateSyncRun")
	s.createdRun = run
	return nil
}

func (s *fakeStore) FinalizeSyncRun(ctx context.Context, runID string, status domain.RunStatus, reason *string, counts store.RunCounts) error {
	s.record("FinalizeSyncRun")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCount++
	s.finalStatus = status
	s.finalReason = reason
	s.finalCounts = counts
	return nil
}

func (s *fakeStore) GetSyncRun(ctx context.Context, runID string) (*schema.SyncRun, error) {
	return s.createdRun, nil
}

func (s *fakeStore) ListSyncRuns(ctx context.Context, limit, offset int) ([]schema.SyncRun, error) {
	return nil, nil
}

func (s *fakeStore) UpsertTransactionBatch(ctx context.Context, rows []schema.Transaction) (store.UpsertResult, error) {
	s.record("UpsertTransactionBatch")
	s.mu.Lock()
	idx := len(s.upserts)
	s.upserts = append(s.upserts, rows)
	err := s.upsertErrs[idx]
	s.mu.Unlock()
	if err != nil {
		return store.UpsertResult{}, err
	}
	return store.UpsertResult{Inserted: len(rows)}, nil
}

func (s *fakeStore) TransactionAggregate(ctx context.Context, source domain.SourceTag, since time.Time) (*store.TransactionAggregate, error) {
	s.record("TransactionAggregate")
	if agg, ok := s.aggregates[source]; ok {
		return agg, nil
	}
	return &store.TransactionAggregate{}, nil
}

func (s *fakeStore) CreateComparisonReport(ctx context.Context, report *schema.ComparisonReport) error {
	s.record("CreateComparisonReport")
	s.reports = append(s.reports, report)
	return nil
}

func (s *fakeStore) MarketKPIs(ctx context.Context, district string, months int) (*store.KPIRow, error) {
	return nil, nil
}

func (s *fakeStore) PriceBands(ctx context.Context, district string, months int, bandWidth float64) ([]store.PriceBandRow, error) {
	return nil, nil
}

func (s *fakeStore) PriceGrowth(ctx context.Context, district string, years int) ([]store.GrowthPoint, error) {
	return nil, nil
}

func (s *fakeStore) SupplyPipeline(ctx context.Context, months int) ([]store.SupplyRow, error) {
	return nil, nil
}

func (s *fakeStore) ExitQueueRisk(ctx context.Context, district string, months int) ([]store.ExitQueueRow, error) {
	return nil, nil
}

// fakeClient serves canned batches the way the real client would
type fakeClient struct {
	tokenErr   error
	tokenCalls int

	batches   map[int][]ura.RawProject
	batchErrs map[int]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		batches:   make(map[int][]ura.RawProject),
		batchErrs: make(map[int]error),
	}
}

func (c *fakeClient) GetToken(ctx context.Context) (string, error) {
	c.tokenCalls++
	if c.tokenErr != nil {
		return "", c.tokenErr
	}
	return "tok", nil
}

func (c *fakeClient) FetchBatch(ctx context.Context, batch int) ([]ura.RawProject, error) {
	if err := c.batchErrs[batch]; err != nil {
		return nil, err
	}
	return c.batches[batch], nil
}

func (c *fakeClient) FetchAllBatches(ctx context.Context, fn func(batch int, projects []ura.RawProject, err error) bool) {
	for batch := 1; batch <= c.BatchCount(); batch++ {
		if ctx.Err() != nil {
			return
		}
		projects, err := c.FetchBatch(ctx, batch)
		if !fn(batch, projects, err) {
			return
		}
	}
}

func (c *fakeClient) BatchCount() int {
	return 4
}

func rawProject(name string, dates ...string) ura.RawProject {
	entries := make([]ura.RawTransaction, 0, len(dates))
	for _, d := range dates {
		entries = append(entries, ura.RawTransaction{
			ContractDate: d,
			Price:        "1500000",
			Area:         "85",
			FloorRange:   "06-10",
			TypeOfSale:   "3",
			District:     "15",
			Tenure:       "Freehold",
		})
	}
	return ura.RawProject{Project: name, Transactions: entries}
}

func testPolicy(mode string) config.SyncPolicyConfig {
	return config.SyncPolicyConfig{
		Enabled:              true,
		Mode:                 mode,
		RevisionWindowMonths: 3,
		CutoffYears:          5,
		FetchConcurrency:     1,
		Thresholds: config.ThresholdsConfig{
			RowCountDropPct:  5,
			MedianPSFPct:     10,
			MeanPricePct:     15,
			NewSaleSharePct:  20,
			TreatBreachFatal: true,
		},
	}
}

func testEngine(policy config.SyncPolicyConfig, client ura.Client, st store.Store) *Engine {
	clock := &fakeClock{now: time.Date(2026, time.August, 30, 6, 0, 0, 0, time.UTC)}
	return NewEngine(policy, client, st, clock)
}

func fillAllBatches(client *fakeClient) {
	for batch := 1; batch <= client.BatchCount(); batch++ {
		client.batches[batch] = []ura.RawProject{rawProject(fmt.Sprintf("PROJECT %d", batch), "0626", "0726")}
	}
}

func TestEngineKillSwitchExitsBeforeAnyIO(t *testing.T) {
	policy := testPolicy("shadow")
	policy.Enabled = false
	st := newFakeStore()
	client := newFakeClient()

	outcome, err := testEngine(policy, client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusDisabled, outcome.Status)
	assert.Equal(t, 2, outcome.ExitCode())
	assert.Empty(t, outcome.RunID)
	assert.Empty(t, st.calls, "disabled runs must perform no store I/O")
	assert.Equal(t, 0, client.tokenCalls, "disabled runs must perform no network I/O")
}

func TestEngineInvalidPolicyFailsBeforeLock(t *testing.T) {
	policy := testPolicy("shadow")
	policy.CutoffYears = 0
	st := newFakeStore()

	outcome, err := testEngine(policy, newFakeClient(), st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.ExitCode())
	assert.Empty(t, st.calls)
}

func TestEngineSecondConcurrentRunRejected(t *testing.T) {
	st := newFakeStore()
	st.lockDenied = true

	outcome, err := testEngine(testPolicy("shadow"), newFakeClient(), st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "already active")
	assert.Nil(t, st.createdRun, "a rejected run must not open a ledger record")
}

func TestEngineTokenFailureLeavesNoPartialWrites(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	client.tokenErr = &domain.TokenError{StatusCode: 401, Msg: "bad credentials"}

	outcome, err := testEngine(testPolicy("production"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Empty(t, st.upserts)
	assert.Empty(t, st.reports)
	assert.Equal(t, 1, st.finalizeCount)
	assert.Equal(t, domain.RunStatusFailed, st.finalStatus)
	require.NotNil(t, st.finalReason)
	assert.Contains(t, *st.finalReason, "bad credentials")
	assert.False(t, st.lockHeld, "the advisory lock must be released on failure")
}

func TestEngineHappyPathShadow(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.NotEmpty(t, outcome.RunID)

	assert.Equal(t, 4, outcome.Counts.BatchesTotal)
	assert.Equal(t, 4, outcome.Counts.BatchesSucceeded)
	assert.Equal(t, 0, outcome.Counts.BatchesFailed)
	assert.Equal(t, 8, outcome.Counts.RowsFetched)
	assert.Equal(t, 8, outcome.Counts.RowsInserted)

	// Shadow rows carry the shadow source tag
	require.NotEmpty(t, st.upserts)
	for _, batch := range st.upserts {
		for _, row := range batch {
			assert.Equal(t, domain.SourceURAAPIShadow, row.SourceTag)
			assert.Equal(t, outcome.RunID, row.SyncRunID)
		}
	}

	require.Len(t, st.reports, 1)
	assert.Equal(t, outcome.RunID, st.reports[0].SyncRunID)
	assert.Equal(t, 1, st.finalizeCount)
	assert.Equal(t, domain.RunStatusSucceeded, st.finalStatus)
	assert.False(t, st.lockHeld)
}

func TestEngineBaselineCapturedBeforeUpserts(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)

	_, err := testEngine(testPolicy("production"), client, st).Run(context.Background())
	require.NoError(t, err)

	firstAggregate := -1
	firstUpsert := -1
	for i, call := range st.calls {
		if call == "TransactionAggregate" && firstAggregate == -1 {
			firstAggregate = i
		}
		if call == "UpsertTransactionBatch" && firstUpsert == -1 {
			firstUpsert = i
		}
	}
	require.NotEqual(t, -1, firstAggregate)
	require.NotEqual(t, -1, firstUpsert)
	assert.Less(t, firstAggregate, firstUpsert,
		"the baseline must be captured before this run writes anything")
}

func TestEnginePartialBatchFailureSucceeds(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)
	client.batchErrs[2] = &domain.TransientError{Err: errors.New("upstream flake")}

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)
	assert.Equal(t, 3, outcome.Counts.BatchesSucceeded)
	assert.Equal(t, 1, outcome.Counts.BatchesFailed)
	assert.Len(t, st.upserts, 3)
}

func TestEngineAllBatchesFailedIsFatal(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	for batch := 1; batch <= client.BatchCount(); batch++ {
		client.batchErrs[batch] = &domain.TransientError{Err: errors.New("down")}
	}

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "all 4 batches failed")
	assert.Empty(t, st.upserts)
}

func TestEngineMidRunTokenLossIsFatal(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)
	client.batchErrs[3] = &domain.TokenError{StatusCode: 401, Msg: "token revoked"}

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "token revoked")
}

func TestEngineConcurrentFetchPath(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)

	policy := testPolicy("shadow")
	policy.FetchConcurrency = 3

	outcome, err := testEngine(policy, client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)
	assert.Equal(t, 4, outcome.Counts.BatchesSucceeded)
	assert.Len(t, st.upserts, 4)
}

func TestEngineProductionBreachIsFatalButDataStaysWritten(t *testing.T) {
	client := newFakeClient()
	fillAllBatches(client)

	// Production mode reads the same source tag twice, first as baseline and
	// then as the post-upsert view: serve a healthy baseline followed by a
	// collapsed row count far beyond the 5% drop tolerance
	seq := &sequencedAggregateStore{fakeStore: newFakeStore()}
	seq.sequence = []*store.TransactionAggregate{
		{RowCount: 10000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3},
		{RowCount: 5000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3},
	}

	outcome, err := testEngine(testPolicy("production"), client, seq).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "threshold breach")
	assert.NotEmpty(t, seq.upserts, "breach detection happens after the write, data stays written")
	require.Len(t, seq.reports, 1)
	assert.False(t, seq.reports[0].WithinThresholds)
}

func TestEngineShadowBreachIsAdvisory(t *testing.T) {
	st := newFakeStore()
	st.aggregates[domain.SourceURAAPI] = &store.TransactionAggregate{
		RowCount: 10000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3,
	}
	st.aggregates[domain.SourceURAAPIShadow] = &store.TransactionAggregate{
		RowCount: 5000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3,
	}
	client := newFakeClient()
	fillAllBatches(client)

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status,
		"shadow breaches are logged, never fatal")
	require.Len(t, st.reports, 1)
	assert.False(t, st.reports[0].WithinThresholds)
}

func TestEngineDryRunWritesNothing(t *testing.T) {
	st := newFakeStore()
	st.aggregates[domain.SourceURAAPI] = &store.TransactionAggregate{
		RowCount: 8, MedianPSF: 1640, MeanPrice: 1_500_000, NewSaleShare: 0,
	}
	client := newFakeClient()
	fillAllBatches(client)

	outcome, err := testEngine(testPolicy("dry_run"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)
	assert.Empty(t, st.upserts, "dry runs must not write transaction rows")
	assert.Equal(t, 0, outcome.Counts.RowsInserted)
	require.Len(t, st.reports, 1, "the comparison still runs against the in-memory aggregate")
	assert.Equal(t, int64(8), st.reports[0].RowCountAfter)
}

func TestEngineCancellationFinalizesFailed(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	fillAllBatches(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.True(t, strings.Contains(outcome.Reason, "cancelled"), "reason %q", outcome.Reason)
	assert.Equal(t, 1, st.finalizeCount, "cancelled runs still finalize their ledger record")
}

func TestEngineCollapsesDuplicateRowsWithinBatch(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()
	// Two identical units in one project-month map to the same natural key;
	// only one may reach the INSERT statement
	client.batches[1] = []ura.RawProject{rawProject("DUO RESIDENCES", "0626", "0626")}

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)
	assert.Equal(t, 2, outcome.Counts.RowsFetched)
	assert.Equal(t, 1, outcome.Counts.RowsSkipped)
	assert.Equal(t, 1, outcome.Counts.RowsInserted)

	require.Len(t, st.upserts, 1)
	require.Len(t, st.upserts[0], 1)
}

// aggCall records one TransactionAggregate invocation
type aggCall struct {
	source domain.SourceTag
	since  time.Time
}

type windowRecordingStore struct {
	*fakeStore
	aggCalls []aggCall
}

func (s *windowRecordingStore) TransactionAggregate(ctx context.Context, source domain.SourceTag, since time.Time) (*store.TransactionAggregate, error) {
	s.aggCalls = append(s.aggCalls, aggCall{source: source, since: since})
	return s.fakeStore.TransactionAggregate(ctx, source, since)
}

func TestEngineShadowComparisonUsesMatchingWindows(t *testing.T) {
	st := &windowRecordingStore{fakeStore: newFakeStore()}
	st.aggregates[domain.SourceURAAPI] = &store.TransactionAggregate{
		RowCount: 10000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3,
	}
	st.aggregates[domain.SourceURAAPIShadow] = &store.TransactionAggregate{
		RowCount: 10000, MedianPSF: 1850, MeanPrice: 1_900_000, NewSaleShare: 0.3,
	}
	client := newFakeClient()
	fillAllBatches(client)

	policy := testPolicy("shadow")
	outcome, err := testEngine(policy, client, st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, outcome.Status)

	now := time.Date(2026, time.August, 30, 6, 0, 0, 0, time.UTC)
	cutoff := policy.CutoffDate(now)
	window := policy.RevisionWindowDate(now)

	// First read is the full-horizon production baseline used for first-run
	// detection; the comparison itself reads both tags over the same revision
	// window, so a healthy shadow run stays within thresholds
	require.Len(t, st.aggCalls, 3)
	assert.Equal(t, aggCall{source: domain.SourceURAAPI, since: cutoff}, st.aggCalls[0])
	assert.Equal(t, aggCall{source: domain.SourceURAAPIShadow, since: window}, st.aggCalls[1])
	assert.Equal(t, aggCall{source: domain.SourceURAAPI, since: window}, st.aggCalls[2])

	require.Len(t, st.reports, 1)
	assert.True(t, st.reports[0].WithinThresholds)
}

// haltingClient cancels the run context after serving a fixed number of
// batches, then stops iterating the way the real client does on cancellation
type haltingClient struct {
	*fakeClient
	cancel context.CancelFunc
	serve  int
}

func (c *haltingClient) FetchAllBatches(ctx context.Context, fn func(batch int, projects []ura.RawProject, err error) bool) {
	for batch := 1; batch <= c.BatchCount(); batch++ {
		if batch > c.serve {
			c.cancel()
			return
		}
		projects, err := c.FetchBatch(ctx, batch)
		if !fn(batch, projects, err) {
			return
		}
	}
}

func TestEngineCancelledFetchCountsOnlyVisitedBatches(t *testing.T) {
	st := newFakeStore()
	inner := newFakeClient()
	fillAllBatches(inner)

	ctx, cancel := context.WithCancel(context.Background())
	client := &haltingClient{fakeClient: inner, cancel: cancel, serve: 2}

	outcome, err := testEngine(testPolicy("shadow"), client, st).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "cancelled")
	assert.Equal(t, 2, st.finalCounts.BatchesSucceeded,
		"batches the iteration never reached must not count as succeeded")
	assert.Equal(t, 0, st.finalCounts.BatchesFailed)
	assert.Equal(t, 1, st.finalizeCount)
}

// sequencedAggregateStore serves a different aggregate on each call so a test
// can model the table changing between the baseline capture and the post-run
// read
type sequencedAggregateStore struct {
	*fakeStore
	sequence []*store.TransactionAggregate
	served   int
}

func (s *sequencedAggregateStore) TransactionAggregate(ctx context.Context, source domain.SourceTag, since time.Time) (*store.TransactionAggregate, error) {
	s.record("TransactionAggregate")
	if s.served < len(s.sequence) {
		agg := s.sequence[s.served]
		s.served++
		return agg, nil
	}
	return &store.TransactionAggregate{}, nil
}
