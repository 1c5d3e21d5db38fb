package sync

import (
	"math"

	"gorm.io/datatypes"

	"github.com/propsight/propsight-backend/internal/config"
	"github.com/propsight/propsight-backend/internal/store"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// Metric names reported by the comparator
const (
	MetricRowCount     = "row_count"
	MetricMedianPSF    = "median_psf"
	MetricMeanPrice    = "mean_price"
	MetricNewSaleShare = "new_sale_share"
)

// Comparator runs the statistical comparison between a freshly synced
// aggregate view and the previous baseline. Purely advisory: it never mutates
// persisted data; the engine decides whether a breach is fatal.
type Comparator struct {
	thresholds config.ThresholdsConfig
}

// NewComparator creates a comparator with the configured per-metric tolerances
func NewComparator(thresholds config.ThresholdsConfig) *Comparator {
	return &Comparator{thresholds: thresholds}
}

// Compare produces the comparison report for one run. A missing baseline
// (first-ever run) is automatically within thresholds but flagged for
// observability.
func (c *Comparator) Compare(runID string, current, baseline *store.TransactionAggregate) *schema.ComparisonReport {
	report := &schema.ComparisonReport{
		SyncRunID:     runID,
		RowCountAfter: current.RowCount,
		Metrics:       datatypes.JSONMap{},
	}

	if baseline == nil || baseline.RowCount == 0 {
		report.BaselineMissing = true
		report.WithinThresholds = true
		return report
	}

	report.RowCountBefore = baseline.RowCount

	within := true

	// Row count is one-sided: only a drop beyond the tolerance is anomalous,
	// growth is expected
	rowDeltaPct := pctDelta(float64(baseline.RowCount), float64(current.RowCount))
	rowBreached := rowDeltaPct < -c.thresholds.RowCountDropPct
	within = within && !rowBreached
	report.Metrics[MetricRowCount] = metricEntry(float64(baseline.RowCount), float64(current.RowCount), rowDeltaPct, c.thresholds.RowCountDropPct, rowBreached)

	psfDeltaPct := pctDelta(baseline.MedianPSF, current.MedianPSF)
	psfBreached := math.Abs(psfDeltaPct) > c.thresholds.MedianPSFPct
	within = within && !psfBreached
	report.Metrics[MetricMedianPSF] = metricEntry(baseline.MedianPSF, current.MedianPSF, psfDeltaPct, c.thresholds.MedianPSFPct, psfBreached)

	priceDeltaPct := pctDelta(baseline.MeanPrice, current.MeanPrice)
	priceBreached := math.Abs(priceDeltaPct) > c.thresholds.MeanPricePct
	within = within && !priceBreached
	report.Metrics[MetricMeanPrice] = metricEntry(baseline.MeanPrice, current.MeanPrice, priceDeltaPct, c.thresholds.MeanPricePct, priceBreached)

	// Share metrics are compared in percentage points, not relative terms
	shareDeltaPts := (current.NewSaleShare - baseline.NewSaleShare) * 100
	shareBreached := math.Abs(shareDeltaPts) > c.thresholds.NewSaleSharePct
	within = within && !shareBreached
	report.Metrics[MetricNewSaleShare] = metricEntry(baseline.NewSaleShare, current.NewSaleShare, shareDeltaPts, c.thresholds.NewSaleSharePct, shareBreached)

	report.WithinThresholds = within
	return report
}

// FirstBreach returns the name and delta of the first breached metric in the
// report, if any
func FirstBreach(report *schema.ComparisonReport) (string, float64, float64, bool) {
	for _, name := range []string{MetricRowCount, MetricMedianPSF, MetricMeanPrice, MetricNewSaleShare} {
		entry, ok := report.Metrics[name].(map[string]interface{})
		if !ok {
			continue
		}
		if breached, _ := entry["breached"].(bool); breached {
			delta, _ := entry["delta_pct"].(float64)
			threshold, _ := entry["threshold_pct"].(float64)
			return name, delta, threshold, true
		}
	}
	return "", 0, 0, false
}

func metricEntry(baseline, current, deltaPct, thresholdPct float64, breached bool) map[string]interface{} {
	return map[string]interface{}{
		"baseline":      baseline,
		"current":       current,
		"delta_pct":     deltaPct,
		"threshold_pct": thresholdPct,
		"breached":      breached,
	}
}

// pctDelta returns the relative change from baseline to current in percent
func pctDelta(baseline, current float64) float64 {
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return (current - baseline) / baseline * 100
}
