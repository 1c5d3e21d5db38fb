package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/propsight/propsight-backend/internal/domain"
)

// Transaction represents the transactions table - the canonical, fully
// normalized unit of truth for one private-residential transaction.
//
// Rows are created and updated only by the sync engine's upsert step, keyed on
// the natural key (project_name, transaction_date, content_hash, source_tag).
// The content hash is a pure function of the semantically significant fields,
// so repeated runs over unchanged input converge instead of duplicating. The
// source tag is part of the key so shadow runs land next to production rows
// instead of on them.
type Transaction struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ProjectName is the development the unit belongs to
	ProjectName string `gorm:"column:project_name;not null;type:text;uniqueIndex:idx_txn_natural_key,priority:1;index:idx_txn_project"`
	// TransactionDate is the contract month resolved to the first of the month
	TransactionDate time.Time `gorm:"column:transaction_date;not null;type:date;uniqueIndex:idx_txn_natural_key,priority:2;index:idx_txn_date"`
	// ContractDateCode is the raw MMYY code the date was resolved from
	ContractDateCode string `gorm:"column:contract_date_code;not null;type:text"`
	// Price is the transacted price in SGD
	Price decimal.Decimal `gorm:"column:price;not null;type:numeric(14,2)"`
	// NetPrice is the price net of developer rebates, when disclosed
	NetPrice *decimal.Decimal `gorm:"column:net_price;type:numeric(14,2)"`
	// AreaSQM is the strata area in square metres
	AreaSQM decimal.Decimal `gorm:"column:area_sqm;not null;type:numeric(10,2)"`
	// PricePSF is price per square foot, derived at mapping time
	PricePSF decimal.Decimal `gorm:"column:price_psf;not null;type:numeric(10,2)"`
	// District is the two-digit postal district
	District string `gorm:"column:district;not null;type:text;index:idx_txn_district"`
	// BedroomCount is derived from area via the tiered size-band heuristics
	BedroomCount int `gorm:"column:bedroom_count;not null"`
	// PropertyType is the authority's property type label
	PropertyType string `gorm:"column:property_type;not null;type:text"`
	// SaleType is the normalized sale type (new_sale, sub_sale, resale)
	SaleType domain.SaleType `gorm:"column:sale_type;not null;type:text;index:idx_txn_sale_type"`
	// FloorRange is the floor band, e.g. "06-10"
	FloorRange string `gorm:"column:floor_range;not null;type:text"`
	// TenureText is the free-text tenure as published by the authority
	TenureText string `gorm:"column:tenure_text;not null;type:text"`
	// LeaseStartYear is parsed from the tenure text; nil for freehold
	LeaseStartYear *int `gorm:"column:lease_start_year"`
	// RemainingLeaseYears is the stated term minus elapsed years at the
	// transaction date; nil for freehold, never zero
	RemainingLeaseYears *int `gorm:"column:remaining_lease_years"`
	// SourceTag identifies which pipeline produced the row
	SourceTag domain.SourceTag `gorm:"column:source_tag;not null;type:text;uniqueIndex:idx_txn_natural_key,priority:4;index:idx_txn_source_tag"`
	// ContentHash is the deterministic fingerprint of the semantic fields
	ContentHash string `gorm:"column:content_hash;not null;type:text;uniqueIndex:idx_txn_natural_key,priority:3"`
	// SyncRunID references the run that last touched the row
	SyncRunID string `gorm:"column:sync_run_id;not null;type:text;index:idx_txn_sync_run"`
	// Extras preserves unrecognized source fields without interpreting them
	Extras datatypes.JSONMap `gorm:"column:extras;type:jsonb"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()"`
}

// TableName specifies the table name for the Transaction model
func (Transaction) TableName() string {
	return "transactions"
}

// UpsertConflictColumns is the natural key the upsert conflicts on. The
// source tag must stay in the key: without it a shadow run would conflict
// with, and revise, the production rows it is supposed to be isolated from.
func UpsertConflictColumns() []string {
	return []string{"project_name", "transaction_date", "content_hash", "source_tag"}
}

// NaturalKey is the string form of the conflict key, used to collapse
// duplicate rows before they reach a single INSERT statement.
func (t *Transaction) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		t.ProjectName,
		t.TransactionDate.Format("2006-01-02"),
		t.ContentHash,
		t.SourceTag,
	)
}

// UpsertUpdateColumns is the allow-listed set of revisable columns. Everything
// outside this set is immutable once inserted so derived and administrative
// fields can never be clobbered by a revision.
func UpsertUpdateColumns() []string {
	return []string{
		"price",
		"net_price",
		"area_sqm",
		"price_psf",
		"floor_range",
		"sale_type",
		"district",
		"sync_run_id",
		"updated_at",
	}
}
