package httpserver

import (
	"net/http"
	"time"

	"github.com/aak1247/sessiontap/internal/config"
	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/aak1247/sessiontap/internal/metrics"
	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/aak1247/sessiontap/internal/query"
	"github.com/aak1247/sessiontap/internal/queue"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the collaborators the router wires into handlers. Any of them may
// be nil; the matching endpoints then answer 501.
type Deps struct {
	Publisher queue.Publisher
	DB        *gorm.DB
	Recorder  *metrics.RedisRecorder
	Stats     *obs.Stats
	Limiter   *ingest.RateLimiter
}

func New(cfg config.Config, deps Deps) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Stats != nil {
		router.Use(observabilityMiddleware(deps.Stats))
	}
	router.Use(maintenanceMiddleware(cfg.MaintenanceMode))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	apiRoot := router.Group("/api")
	{
		apiRoot.GET("/status", query.StatusHandler(deps.DB, cfg.MaintenanceMode, deps.Recorder != nil))
		apiRoot.GET("/stats", query.StatsHandler(deps.Stats))
	}

	ingestAPI := router.Group("/api")
	ingestAPI.Use(ingestObserver(deps.Stats), RequireAPIKey(cfg.APIKeys))
	{
		h := ingest.SessionHandler(deps.Publisher, deps.Limiter)
		ingestAPI.POST("/sessions/", h)
		ingestAPI.POST("/sessions", h)
	}

	queryAPI := router.Group("/api")
	queryAPI.Use(RequireAPIKey(cfg.APIKeys))
	{
		queryAPI.GET("/sessions/recent", query.RecentBatchesHandler(deps.DB))
		queryAPI.GET("/sessions/:sessionId/events", query.SessionTimelineHandler(deps.DB))
		queryAPI.GET("/events/recent", query.RecentEventsHandler(deps.DB))
		queryAPI.GET("/errors/recent", query.RecentErrorsHandler(deps.DB))

		queryAPI.GET("/metrics/today", query.MetricsTodayHandler(deps.Recorder))
		queryAPI.GET("/analytics/active", query.ActiveSeriesHandler(deps.Recorder))
		queryAPI.GET("/analytics/dist", query.DistributionHandler(deps.Recorder))
		queryAPI.GET("/analytics/retention", query.RetentionHandler(deps.Recorder))
	}

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
