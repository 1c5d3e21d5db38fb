// Package mapper transforms raw authority records into canonical transaction
// rows: field renaming, enumeration normalization, derived-field computation
// and the stable content hash used for idempotent upserts.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/logger"
	"github.com/propsight/propsight-backend/internal/providers/ura"
	"github.com/propsight/propsight-backend/internal/store/schema"
)

// sqmToSqft converts square metres to square feet for PSF derivation
var sqmToSqft = decimal.NewFromFloat(10.7639)

// Mapper maps raw projects into canonical rows for one sync run
type Mapper struct {
	sourceTag domain.SourceTag
	syncRunID string
}

// New creates a mapper stamping rows with the given source tag and run ID
func New(sourceTag domain.SourceTag, syncRunID string) *Mapper {
	return &Mapper{
		sourceTag: sourceTag,
		syncRunID: syncRunID,
	}
}

// MapProject produces one canonical row per transaction entry in the project.
// Entries that fail required-field validation are skipped and counted, never
// fatal for the project.
func (m *Mapper) MapProject(raw ura.RawProject) (rows []schema.Transaction, skipped int) {
	rows = make([]schema.Transaction, 0, len(raw.Transactions))

	for _, entry := range raw.Transactions {
		row, err := m.mapEntry(raw, entry)
		if err != nil {
			skipped++
			logger.Warn("skipping transaction entry",
				zap.String("project", raw.Project),
				zap.String("contract_date", entry.ContractDate),
				zap.Error(err),
			)
			continue
		}
		rows = append(rows, row)
	}

	return rows, skipped
}

// mapEntry maps a single raw transaction entry into a canonical row
func (m *Mapper) mapEntry(raw ura.RawProject, entry ura.RawTransaction) (schema.Transaction, error) {
	txDate, err := ParseContractDate(entry.ContractDate)
	if err != nil {
		return schema.Transaction{}, err
	}

	price, err := parsePositiveDecimal(entry.Price, "price")
	if err != nil {
		return schema.Transaction{}, err
	}

	area, err := parsePositiveDecimal(entry.Area, "area")
	if err != nil {
		return schema.Transaction{}, err
	}

	saleType, known := domain.ParseSaleTypeCode(entry.TypeOfSale)
	if !known {
		// Conservative default: treat unknown codes as resale rather than
		// dropping the row. Logged so operators can audit historical codes.
		logger.Warn("unknown sale-type code, defaulting to resale",
			zap.String("code", entry.TypeOfSale),
			zap.String("project", raw.Project),
		)
	}

	psf := price.Div(area.Mul(sqmToSqft)).Round(2)

	var netPrice *decimal.Decimal
	if strings.TrimSpace(entry.NettPrice) != "" && entry.NettPrice != "-" {
		np, err := parsePositiveDecimal(entry.NettPrice, "nett price")
		if err == nil {
			netPrice = &np
		}
	}

	leaseStart, remaining := ParseLease(entry.Tenure, txDate.Year())

	row := schema.Transaction{
		ProjectName:         strings.TrimSpace(raw.Project),
		TransactionDate:     txDate,
		ContractDateCode:    entry.ContractDate,
		Price:               price,
		NetPrice:            netPrice,
		AreaSQM:             area,
		PricePSF:            psf,
		District:            strings.TrimSpace(entry.District),
		BedroomCount:        BedroomCount(area, saleType, txDate),
		PropertyType:        strings.TrimSpace(entry.PropertyType),
		SaleType:            saleType,
		FloorRange:          strings.TrimSpace(entry.FloorRange),
		TenureText:          strings.TrimSpace(entry.Tenure),
		LeaseStartYear:      leaseStart,
		RemainingLeaseYears: remaining,
		SourceTag:           m.sourceTag,
		SyncRunID:           m.syncRunID,
	}
	row.ContentHash = ContentHash(row.ProjectName, row.TransactionDate, row.Price, row.AreaSQM, row.District, row.SaleType, row.FloorRange)

	if len(entry.Extras) > 0 {
		row.Extras = datatypes.JSONMap(entry.Extras)
	}

	return row, nil
}

// ParseContractDate resolves the authority's MMYY contract code to a calendar
// date normalized to the first of the month. Invalid codes are rejected, not
// clamped.
func ParseContractDate(code string) (time.Time, error) {
	if len(code) != 4 {
		return time.Time{}, fmt.Errorf("contract date code %q must be 4 digits", code)
	}

	month, err := strconv.Atoi(code[:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("contract date code %q has invalid month: %w", code, err)
	}
	year, err := strconv.Atoi(code[2:])
	if err != nil {
		return time.Time{}, fmt.Errorf("contract date code %q has invalid year: %w", code, err)
	}

	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("contract date code %q has month out of range", code)
	}

	return time.Date(2000+year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

// parsePositiveDecimal parses a numeric source field, tolerating thousands
// separators. Zero or negative values are invalid.
func parsePositiveDecimal(s string, field string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("missing %s", field)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%s must be positive, got %q", field, s)
	}

	return d, nil
}
