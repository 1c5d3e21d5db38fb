package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/propsight/propsight-backend/internal/analytics"
	"github.com/propsight/propsight-backend/internal/api/rest/dto"
	"github.com/propsight/propsight-backend/internal/store"
)

// Handler handles REST API requests
type Handler struct {
	analytics *analytics.Service
	store     store.Store
}

// NewHandler creates a new REST handler
func NewHandler(svc *analytics.Service, st store.Store) *Handler {
	return &Handler{
		analytics: svc,
		store:     st,
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetMarketKPIs handles GET /api/v1/market/kpis
func (h *Handler) GetMarketKPIs(c *gin.Context) {
	params, err := ParseMarketQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	kpis, err := h.analytics.MarketKPIs(c.Request.Context(), params.District, params.Months)
	if err != nil {
		respondInternalError(c, err, "Failed to compute market KPIs",
			zap.String("district", params.District),
		)
		return
	}

	c.JSON(http.StatusOK, kpis)
}

// GetPriceBands handles GET /api/v1/market/price-bands
func (h *Handler) GetPriceBands(c *gin.Context) {
	params, err := ParsePriceBandsQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	bands, err := h.analytics.PriceBands(c.Request.Context(), params.District, params.Months, params.BandWidth)
	if err != nil {
		respondInternalError(c, err, "Failed to compute price bands",
			zap.String("district", params.District),
		)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bands": bands})
}

// GetPriceGrowth handles GET /api/v1/market/price-growth
func (h *Handler) GetPriceGrowth(c *gin.Context) {
	params, err := ParsePriceGrowthQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	series, err := h.analytics.PriceGrowth(c.Request.Context(), params.District, params.Years)
	if err != nil {
		respondInternalError(c, err, "Failed to compute price growth",
			zap.String("district", params.District),
		)
		return
	}

	c.JSON(http.StatusOK, gin.H{"series": series})
}

// GetSupplyPipeline handles GET /api/v1/market/supply-pipeline
func (h *Handler) GetSupplyPipeline(c *gin.Context) {
	params, err := ParseMarketQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	projects, err := h.analytics.SupplyPipeline(c.Request.Context(), params.Months)
	if err != nil {
		respondInternalError(c, err, "Failed to compute supply pipeline")
		return
	}

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetExitQueueRisk handles GET /api/v1/market/exit-queue
func (h *Handler) GetExitQueueRisk(c *gin.Context) {
	params, err := ParseMarketQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	districts, err := h.analytics.ExitQueueRisk(c.Request.Context(), params.District, params.Months)
	if err != nil {
		respondInternalError(c, err, "Failed to compute exit queue risk",
			zap.String("district", params.District),
		)
		return
	}

	c.JSON(http.StatusOK, gin.H{"districts": districts})
}

// ListSyncRuns handles GET /api/v1/ops/sync-runs
func (h *Handler) ListSyncRuns(c *gin.Context) {
	params, err := ParseListSyncRunsQuery(c)
	if err != nil {
		respondBadRequest(c, "Invalid query parameters", err.Error())
		return
	}

	runs, err := h.store.ListSyncRuns(c.Request.Context(), params.Limit, params.Offset)
	if err != nil {
		respondInternalError(c, err, "Failed to list sync runs")
		return
	}

	out := make([]*dto.SyncRun, 0, len(runs))
	for i := range runs {
		out = append(out, dto.FromSyncRun(&runs[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   out,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// GetSyncRun handles GET /api/v1/ops/sync-runs/:id
func (h *Handler) GetSyncRun(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondBadRequest(c, "Missing run ID")
		return
	}

	run, err := h.store.GetSyncRun(c.Request.Context(), id)
	if err != nil {
		respondInternalError(c, err, "Failed to get sync run",
			zap.String("run_id", id),
		)
		return
	}
	if run == nil {
		respondNotFound(c, "Sync run not found")
		return
	}

	c.JSON(http.StatusOK, dto.FromSyncRun(run))
}
