package domain

// SyncMode controls how a sync run's writes are exposed to the read path
type SyncMode string

const (
	// SyncModeShadow writes rows under a shadow source tag, isolated from the
	// production read path. Threshold breaches are logged but never fatal.
	SyncModeShadow SyncMode = "shadow"
	// SyncModeProduction writes rows under the production source tag.
	// Threshold breaches mark the run failed.
	SyncModeProduction SyncMode = "production"
	// SyncModeDryRun fetches and maps but commits nothing; the comparison runs
	// against the in-memory aggregate.
	SyncModeDryRun SyncMode = "dry_run"
)

// ParseSyncMode maps a raw mode string to a SyncMode. Unrecognized values fail
// closed to shadow, the least destructive mode; the caller is expected to log
// the fallback.
func ParseSyncMode(s string) (SyncMode, bool) {
	switch SyncMode(s) {
	case SyncModeShadow, SyncModeProduction, SyncModeDryRun:
		return SyncMode(s), true
	default:
		return SyncModeShadow, false
	}
}

// SaleType is the normalized transaction sale type
type SaleType string

const (
	SaleTypeNewSale SaleType = "new_sale"
	SaleTypeSubSale SaleType = "sub_sale"
	SaleTypeResale  SaleType = "resale"
)

// saleTypeByCode is the authority's type-of-sale code table
var saleTypeByCode = map[string]SaleType{
	"1": SaleTypeNewSale,
	"2": SaleTypeSubSale,
	"3": SaleTypeResale,
}

// ParseSaleTypeCode maps an authority sale-type code to a SaleType. Unknown
// codes fall back to resale as a conservative default; the second return value
// reports whether the code was recognized so the caller can log it.
func ParseSaleTypeCode(code string) (SaleType, bool) {
	if st, ok := saleTypeByCode[code]; ok {
		return st, true
	}
	return SaleTypeResale, false
}

// SourceTag identifies which pipeline produced a canonical row
type SourceTag string

const (
	// SourceURAAPI marks rows synced from the authority API in production mode
	SourceURAAPI SourceTag = "ura_api"
	// SourceURAAPIShadow marks rows written by shadow-mode runs; invisible to
	// the production read path
	SourceURAAPIShadow SourceTag = "ura_api_shadow"
	// SourceLegacyImport marks rows loaded from historical file imports
	SourceLegacyImport SourceTag = "legacy_import"
)

// SourceForMode returns the source tag a run in the given mode writes under
func SourceForMode(mode SyncMode) SourceTag {
	if mode == SyncModeShadow {
		return SourceURAAPIShadow
	}
	return SourceURAAPI
}

// RunStatus is the lifecycle status of a sync run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDisabled  RunStatus = "disabled"
)

// Terminal reports whether the status is immutable
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusDisabled
}
