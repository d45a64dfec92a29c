package query

import (
	"context"
	"net/http"
	"time"

	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type SystemStatus string

const (
	SystemStatusRunning     SystemStatus = "running"
	SystemStatusMaintenance SystemStatus = "maintenance"
	SystemStatusException   SystemStatus = "exception"
)

// StatusHandler reports whether the collector can accept and store batches.
// A collector without a database is still running when it only publishes.
func StatusHandler(db *gorm.DB, maintenanceMode bool, metricsEnabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maintenanceMode {
			respondOK(c, gin.H{
				"status":  SystemStatusMaintenance,
				"metrics": metricsEnabled,
				"message": "maintenance",
			})
			return
		}
		if db == nil {
			respondOK(c, gin.H{
				"status":   SystemStatusRunning,
				"database": false,
				"metrics":  metricsEnabled,
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := ping(ctx, db); err != nil {
			respondOK(c, gin.H{
				"status":   SystemStatusException,
				"database": true,
				"metrics":  metricsEnabled,
				"message":  "database unavailable",
			})
			return
		}
		respondOK(c, gin.H{
			"status":   SystemStatusRunning,
			"database": true,
			"metrics":  metricsEnabled,
		})
	}
}

// StatsHandler serves the in-process counters. It is not scoped to an API
// key.
func StatsHandler(stats *obs.Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		if stats == nil {
			respondErr(c, http.StatusNotImplemented, "stats not configured")
			return
		}
		respondOK(c, stats.Snapshot())
	}
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
