// Package rest exposes the versioned read API: public market aggregates and
// JWT-protected operational visibility into the sync-run ledger.
package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/propsight/propsight-backend/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler *Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Market aggregates (public read access)
		v1.GET("/market/kpis", handler.GetMarketKPIs)
		v1.GET("/market/price-bands", handler.GetPriceBands)
		v1.GET("/market/price-growth", handler.GetPriceGrowth)
		v1.GET("/market/supply-pipeline", handler.GetSupplyPipeline)
		v1.GET("/market/exit-queue", handler.GetExitQueueRisk)

		// Sync-run ledger (requires authentication)
		ops := v1.Group("/ops", middleware.Auth(authCfg))
		{
			ops.GET("/sync-runs", handler.ListSyncRuns)
			ops.GET("/sync-runs/:id", handler.GetSyncRun)
		}
	}
}
