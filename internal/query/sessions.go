package query

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aak1247/sessiontap/internal/model"
	"github.com/aak1247/sessiontap/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type batchRow struct {
	ID           string            `json:"id"`
	Received     time.Time         `json:"received"`
	SessionID    string            `json:"session_id,omitempty"`
	UserIDHash   string            `json:"user_id_hash,omitempty"`
	AppVersion   string            `json:"app_version,omitempty"`
	SessionStart int64             `json:"session_start_ms"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Country      string            `json:"country,omitempty"`
	City         string            `json:"city,omitempty"`
	Events       int               `json:"events"`
	Errors       int               `json:"errors"`
	SDK          map[string]string `json:"sdk,omitempty"`
}

type eventRow struct {
	SessionID  string            `json:"session_id,omitempty"`
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
	TimeOffset int64             `json:"time_offset"`
	Duration   int64             `json:"duration"`
	ClientID   int64             `json:"client_id"`
	Received   time.Time         `json:"received"`
}

type errorRow struct {
	SessionID   string    `json:"session_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	LineNumber  int       `json:"line_number"`
	Timestamp   int64     `json:"timestamp"`
	ClientID    int64     `json:"client_id"`
	Received    time.Time `json:"received"`
}

func toEventRows(in []model.SessionEvent) []eventRow {
	out := make([]eventRow, 0, len(in))
	for _, e := range in {
		params := map[string]string{}
		_ = json.Unmarshal(e.Parameters, &params)
		out = append(out, eventRow{
			SessionID:  e.SessionID,
			Name:       e.Name,
			Parameters: params,
			TimeOffset: e.TimeOffset,
			Duration:   e.Duration,
			ClientID:   e.ClientID,
			Received:   e.Received,
		})
	}
	return out
}

// GET /api/sessions/recent?limit=50
func RecentBatchesHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := dbAndKey(c, db)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		rows, err := store.RecentBatches(ctx, db, key, parseLimit(c.Query("limit"), 50, 500))
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		out := make([]batchRow, 0, len(rows))
		for _, b := range rows {
			var sdk map[string]string
			if len(b.SDK) > 0 {
				_ = json.Unmarshal(b.SDK, &sdk)
			}
			out = append(out, batchRow{
				ID:           b.ID.String(),
				Received:     b.Received,
				SessionID:    b.SessionID,
				UserIDHash:   b.UserIDHash,
				AppVersion:   b.AppVersion,
				SessionStart: b.SessionStartMS,
				Latitude:     b.Latitude,
				Longitude:    b.Longitude,
				Country:      b.Country,
				City:         b.City,
				Events:       b.EventCount,
				Errors:       b.ErrorCount,
				SDK:          sdk,
			})
		}
		respondOK(c, out)
	}
}

// GET /api/sessions/:sessionId/events
func SessionTimelineHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := dbAndKey(c, db)
		if !ok {
			return
		}
		sessionID := strings.TrimSpace(c.Param("sessionId"))
		if sessionID == "" {
			respondErr(c, http.StatusBadRequest, "sessionId required")
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		rows, err := store.SessionTimeline(ctx, db, key, sessionID)
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		if len(rows) == 0 {
			respondErr(c, http.StatusNotFound, "not found")
			return
		}
		respondOK(c, toEventRows(rows))
	}
}

// GET /api/events/recent?name=&limit=50
func RecentEventsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := dbAndKey(c, db)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		rows, err := store.RecentEvents(ctx, db, key, c.Query("name"), parseLimit(c.Query("limit"), 50, 500))
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		respondOK(c, toEventRows(rows))
	}
}

// GET /api/errors/recent?limit=50
func RecentErrorsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := dbAndKey(c, db)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		rows, err := store.RecentErrors(ctx, db, key, parseLimit(c.Query("limit"), 50, 500))
		if err != nil {
			respondBackendErr(c, err)
			return
		}
		out := make([]errorRow, 0, len(rows))
		for _, e := range rows {
			out = append(out, errorRow{
				SessionID:   e.SessionID,
				Name:        e.Name,
				Description: e.Description,
				LineNumber:  e.LineNumber,
				Timestamp:   e.Timestamp,
				ClientID:    e.ClientID,
				Received:    e.Received,
			})
		}
		respondOK(c, out)
	}
}

func dbAndKey(c *gin.Context, db *gorm.DB) (string, bool) {
	if db == nil {
		respondErr(c, http.StatusNotImplemented, "database not configured")
		return "", false
	}
	key, ok := apiKey(c)
	if !ok {
		respondErr(c, http.StatusUnauthorized, "api key required")
		return "", false
	}
	return key, true
}
