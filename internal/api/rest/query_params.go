package rest

import (
	"regexp"

	"github.com/gin-gonic/gin"
)

const MAX_PAGE_SIZE = 100

// districtPattern matches the authority's two-digit postal district codes
var districtPattern = regexp.MustCompile(`^(0[1-9]|1[0-9]|2[0-8])$`)

// MarketQueryParams holds the shared filters of the market endpoints
type MarketQueryParams struct {
	District string `form:"district"`
	Months   int    `form:"months,default=12"`
}

// PriceBandsQueryParams holds query parameters for GET /market/price-bands
type PriceBandsQueryParams struct {
	MarketQueryParams
	BandWidth float64 `form:"band_width,default=200"`
}

// PriceGrowthQueryParams holds query parameters for GET /market/price-growth
type PriceGrowthQueryParams struct {
	District string `form:"district"`
	Years    int    `form:"years,default=5"`
}

// ListSyncRunsQueryParams holds query parameters for GET /ops/sync-runs
type ListSyncRunsQueryParams struct {
	Limit  int `form:"limit,default=20"`
	Offset int `form:"offset,default=0"`
}

// ParseMarketQuery parses the shared market filters
func ParseMarketQuery(c *gin.Context) (*MarketQueryParams, error) {
	var params MarketQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	if err := validateDistrict(params.District); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParsePriceBandsQuery parses query parameters for GET /market/price-bands
func ParsePriceBandsQuery(c *gin.Context) (*PriceBandsQueryParams, error) {
	var params PriceBandsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	if err := validateDistrict(params.District); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParsePriceGrowthQuery parses query parameters for GET /market/price-growth
func ParsePriceGrowthQuery(c *gin.Context) (*PriceGrowthQueryParams, error) {
	var params PriceGrowthQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}
	if err := validateDistrict(params.District); err != nil {
		return nil, err
	}
	return &params, nil
}

// ParseListSyncRunsQuery parses query parameters for GET /ops/sync-runs
func ParseListSyncRunsQuery(c *gin.Context) (*ListSyncRunsQueryParams, error) {
	var params ListSyncRunsQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, err
	}

	// Cap limit
	if params.Limit > MAX_PAGE_SIZE {
		params.Limit = MAX_PAGE_SIZE
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	return &params, nil
}

func validateDistrict(district string) error {
	if district == "" {
		return nil
	}
	if !districtPattern.MatchString(district) {
		return &validationError{msg: "district must be a two-digit code between 01 and 28"}
	}
	return nil
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
