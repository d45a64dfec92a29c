package query

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aak1247/sessiontap/internal/metrics"
	"github.com/gin-gonic/gin"
)

func recorderAndKey(c *gin.Context, recorder *metrics.RedisRecorder) (string, bool) {
	if recorder == nil {
		respondErr(c, http.StatusNotImplemented, "metrics not configured")
		return "", false
	}
	key, ok := apiKey(c)
	if !ok {
		respondErr(c, http.StatusUnauthorized, "api key required")
		return "", false
	}
	return key, true
}

// GET /api/metrics/today
func MetricsTodayHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := recorderAndKey(c, recorder)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		counts, _, err := recorder.Today(ctx, key, time.Now())
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		respondOK(c, counts)
	}
}

// GET /api/analytics/active?bucket=day|month&start=RFC3339&end=RFC3339
func ActiveSeriesHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := recorderAndKey(c, recorder)
		if !ok {
			return
		}
		bucket := strings.ToLower(strings.TrimSpace(c.DefaultQuery("bucket", "day")))
		if bucket != "day" && bucket != "month" {
			respondErr(c, http.StatusBadRequest, "invalid bucket")
			return
		}
		defaultDays := 30
		if bucket == "month" {
			defaultDays = 365
		}
		start, end := timeRange(c, time.Now(), defaultDays)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		series, err := recorder.ActiveSeries(ctx, key, start, end, bucket)
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		respondOK(c, gin.H{
			"bucket": bucket,
			"start":  start.Format(time.RFC3339),
			"end":    end.Format(time.RFC3339),
			"series": series,
		})
	}
}

// GET /api/analytics/dist?dim=event|country|app_version&start=RFC3339&end=RFC3339&limit=10
func DistributionHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := recorderAndKey(c, recorder)
		if !ok {
			return
		}
		dim := strings.ToLower(strings.TrimSpace(c.Query("dim")))
		switch dim {
		case "event", "country", "app_version":
		default:
			respondErr(c, http.StatusBadRequest, "invalid dim")
			return
		}
		limit := parseLimit(c.Query("limit"), 10, 100)
		start, end := timeRange(c, time.Now(), 7)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		items, err := recorder.Distribution(ctx, key, dim, start, end, limit)
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		respondOK(c, gin.H{
			"dim":   dim,
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
			"items": items,
		})
	}
}

// GET /api/analytics/retention?days=1,7,30&start=RFC3339&end=RFC3339
func RetentionHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := recorderAndKey(c, recorder)
		if !ok {
			return
		}
		days := parseCSVPositiveInts(c.Query("days"), []int{1, 7, 30}, 10, 365)
		start, end := timeRange(c, time.Now(), 14)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		rows, err := recorder.Retention(ctx, key, start, end, days)
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		respondOK(c, gin.H{
			"days":  days,
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
			"rows":  rows,
		})
	}
}
