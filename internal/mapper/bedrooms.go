package mapper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/propsight/propsight-backend/internal/domain"
)

// HarmonizationCutoff is the date the authority's ultra-compact size bands
// took effect for new launches. Inclusive: a new sale dated exactly on the
// cutoff uses the ultra-compact table.
var HarmonizationCutoff = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

// sizeBand maps a maximum strata area in square metres to a bedroom count.
// Bands are ordered ascending; the first band whose MaxAreaSQM covers the
// unit wins.
type sizeBand struct {
	MaxAreaSQM float64
	Bedrooms   int
}

// ultraCompactBands covers new launches from the harmonization cutoff onward,
// where developers shrank typical unit sizes
var ultraCompactBands = []sizeBand{
	{MaxAreaSQM: 40, Bedrooms: 1},
	{MaxAreaSQM: 55, Bedrooms: 2},
	{MaxAreaSQM: 75, Bedrooms: 3},
	{MaxAreaSQM: 100, Bedrooms: 4},
}

// modernCompactBands covers new launches before the cutoff
var modernCompactBands = []sizeBand{
	{MaxAreaSQM: 50, Bedrooms: 1},
	{MaxAreaSQM: 70, Bedrooms: 2},
	{MaxAreaSQM: 90, Bedrooms: 3},
	{MaxAreaSQM: 120, Bedrooms: 4},
}

// legacyBands covers the resale and sub-sale stock, which skews larger
var legacyBands = []sizeBand{
	{MaxAreaSQM: 60, Bedrooms: 1},
	{MaxAreaSQM: 80, Bedrooms: 2},
	{MaxAreaSQM: 110, Bedrooms: 3},
	{MaxAreaSQM: 140, Bedrooms: 4},
}

// maxBedrooms is assigned to anything larger than the last band
const maxBedrooms = 5

// BedroomCount derives a bedroom count from strata area using the size-band
// table selected by sale type and transaction date
func BedroomCount(areaSQM decimal.Decimal, saleType domain.SaleType, txDate time.Time) int {
	var bands []sizeBand
	switch {
	case saleType == domain.SaleTypeNewSale && !txDate.Before(HarmonizationCutoff):
		bands = ultraCompactBands
	case saleType == domain.SaleTypeNewSale:
		bands = modernCompactBands
	default:
		bands = legacyBands
	}

	area := areaSQM.InexactFloat64()
	for _, band := range bands {
		if area <= band.MaxAreaSQM {
			return band.Bedrooms
		}
	}
	return maxBedrooms
}
