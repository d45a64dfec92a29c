package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/gin-gonic/gin"
)

// apiKey returns the key RequireAPIKey stored on the context.
func apiKey(c *gin.Context) (string, bool) {
	k := c.GetString(ingest.ContextAPIKey)
	return k, k != ""
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func parseLimit(s string, def, max int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseCSVPositiveInts(raw string, def []int, maxN int, maxValue int) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	seen := map[int]bool{}
	var out []int
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > maxValue {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if len(out) >= maxN {
			break
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// timeRange reads start/end query params; missing values default to the
// window of defaultDays days ending now.
func timeRange(c *gin.Context, now time.Time, defaultDays int) (time.Time, time.Time) {
	start, okStart := parseTime(c.Query("start"))
	end, okEnd := parseTime(c.Query("end"))
	if !okEnd {
		end = now.UTC()
	}
	if !okStart {
		start = end.AddDate(0, 0, -(defaultDays - 1))
	}
	return start, end
}
