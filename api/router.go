package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/fusion/api/handler"
	"github.com/use-agent/fusion/api/middleware"
	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/metrics"
	"github.com/use-agent/fusion/sources"
)

// Deps are the services the routes are served from.
type Deps struct {
	Searcher  handler.Searcher
	Opener    handler.Opener
	Stats     handler.StatsSource
	Catalog   *sources.Catalog
	Metrics   *metrics.Collector
	StartTime time.Time
	Version   string
}

// NewRouter creates a configured Gin engine with all routes and middleware.
// Background work started by the middleware stops when ctx is done.
//
// Middleware chain:
//
//	Global:  Recovery → Logger → Metrics
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics are outside auth so monitoring probes always work.
func NewRouter(ctx context.Context, d Deps, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(d.Metrics.Middleware())

	r.GET("/metrics", d.Metrics.Handler())

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(d.Stats, d.Catalog, d.StartTime, d.Version))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	protected.GET("/sources", handler.Sources(d.Catalog))

	// Aggregation
	protected.POST("/search", handler.PostSearch(d.Searcher))
	protected.GET("/search", handler.GetSearch(d.Searcher))
	protected.GET("/search/stream", handler.Stream(d.Searcher))

	// Direct open
	protected.POST("/open", handler.Open(d.Opener, d.Catalog))

	return r
}
