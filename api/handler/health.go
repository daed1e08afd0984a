package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
)

// StatsSource reports lifecycle counts.
type StatsSource interface {
	Stats() lifecycle.Stats
}

// openContextsDegraded is the open-context count above which the service
// reports itself degraded.
const openContextsDegraded = 64

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when too many contexts are open, which usually means
// intercepted pages are piling up unattended.
func Health(st StatsSource, catalog *sources.Catalog, startTime time.Time, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := st.Stats()

		status := "healthy"
		if stats.Contexts > openContextsDegraded {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:       status,
			Uptime:       time.Since(startTime).Round(time.Second).String(),
			OpenContexts: stats.Contexts,
			Policies:     stats.Policies,
			Sources:      catalog.Len(),
			Version:      version,
		})
	}
}
