package sync

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/store"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// AggregateRows computes the comparator's statistical view from in-memory
// rows. Used by dry runs, where nothing has been committed to compare against.
func AggregateRows(rows []schema.Transaction) *store.TransactionAggregate {
	agg := &store.TransactionAggregate{RowCount: int64(len(rows))}
	if len(rows) == 0 {
		return agg
	}

	psfs := make([]float64, 0, len(rows))
	priceSum := decimal.Zero
	newSales := 0

	for _, row := range rows {
		psfs = append(psfs, row.PricePSF.InexactFloat64())
		priceSum = priceSum.Add(row.Price)
		if row.SaleType == domain.SaleTypeNewSale {
			newSales++
		}
	}

	sort.Float64s(psfs)
	agg.MedianPSF = median(psfs)
	agg.MeanPrice = priceSum.Div(decimal.NewFromInt(int64(len(rows)))).InexactFloat64()
	agg.NewSaleShare = float64(newSales) / float64(len(rows))

	return agg
}

// median interpolates the middle value of a sorted slice, matching
// percentile_cont(0.5) semantics
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
