// Package analytics serves aggregate market statistics over committed
// production rows. It never reads shadow-tagged data, so a shadow sync run can
// never influence what the read API returns.
package analytics

import (
	"context"
	"time"

	"github.com/propsight/propsight-backend/internal/store"
)

const (
	defaultWindowMonths = 12
	maxWindowMonths     = 120
	defaultGrowthYears  = 5
	maxGrowthYears      = 20
	defaultBandWidth    = 200
	maxBandWidth        = 2000
)

// GrowthEntry is one month of the price growth series with the year-over-year
// change attached when the matching month a year earlier exists
type GrowthEntry struct {
	Month     time.Time `json:"month"`
	MedianPSF float64   `json:"median_psf"`
	Volume    int64     `json:"volume"`
	YoYPct    *float64  `json:"yoy_pct,omitempty"`
}

// Service exposes the read-side aggregation operations
type Service struct {
	store store.Store
}

// NewService creates an analytics service backed by the given store
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// MarketKPIs returns headline volume and price aggregates for the trailing
// window, optionally restricted to one district
func (s *Service) MarketKPIs(ctx context.Context, district string, months int) (*store.KPIRow, error) {
	return s.store.MarketKPIs(ctx, district, clampMonths(months))
}

// PriceBands returns the PSF histogram for the trailing window
func (s *Service) PriceBands(ctx context.Context, district string, months int, bandWidth float64) ([]store.PriceBandRow, error) {
	if bandWidth <= 0 {
		bandWidth = defaultBandWidth
	}
	if bandWidth > maxBandWidth {
		bandWidth = maxBandWidth
	}
	return s.store.PriceBands(ctx, district, clampMonths(months), bandWidth)
}

// PriceGrowth returns the monthly median PSF series with year-over-year
// deltas computed against the same month one year earlier
func (s *Service) PriceGrowth(ctx context.Context, district string, years int) ([]GrowthEntry, error) {
	if years <= 0 {
		years = defaultGrowthYears
	}
	if years > maxGrowthYears {
		years = maxGrowthYears
	}

	points, err := s.store.PriceGrowth(ctx, district, years)
	if err != nil {
		return nil, err
	}

	byMonth := make(map[time.Time]float64, len(points))
	for _, p := range points {
		byMonth[p.Month.UTC()] = p.MedianPSF
	}

	entries := make([]GrowthEntry, 0, len(points))
	for _, p := range points {
		entry := GrowthEntry{
			Month:     p.Month,
			MedianPSF: p.MedianPSF,
			Volume:    p.Volume,
		}
		if prior, ok := byMonth[p.Month.UTC().AddDate(-1, 0, 0)]; ok && prior != 0 {
			yoy := (p.MedianPSF - prior) / prior * 100
			entry.YoYPct = &yoy
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// SupplyPipeline returns recent new-sale activity grouped by project as a
// proxy for upcoming supply absorption
func (s *Service) SupplyPipeline(ctx context.Context, months int) ([]store.SupplyRow, error) {
	return s.store.SupplyPipeline(ctx, clampMonths(months))
}

// ExitQueueRisk returns per-district exit-pressure proxies: the sub-sale share
// and the share of resales inside the first five years of the lease
func (s *Service) ExitQueueRisk(ctx context.Context, district string, months int) ([]store.ExitQueueRow, error) {
	return s.store.ExitQueueRisk(ctx, district, clampMonths(months))
}

func clampMonths(months int) int {
	if months <= 0 {
		return defaultWindowMonths
	}
	if months > maxWindowMonths {
		return maxWindowMonths
	}
	return months
}
