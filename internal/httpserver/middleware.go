package httpserver

import (
	"net/http"
	"strings"

	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/gin-gonic/gin"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, X-Api-Key, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func maintenanceMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		switch c.Request.URL.Path {
		case "/healthz", "/api/status":
			c.Next()
			return
		default:
			if strings.HasPrefix(c.Request.URL.Path, "/api/") || c.Request.URL.Path == "/api" {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "err": "maintenance"})
			} else {
				c.String(http.StatusServiceUnavailable, "maintenance")
			}
			c.Abort()
			return
		}
	}
}

// RequireAPIKey authenticates agents and readers by the X-Api-Key header or
// the api_key query parameter. An empty allow-list accepts any non-empty key.
func RequireAPIKey(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-Api-Key"))
		if key == "" {
			key = strings.TrimSpace(c.Query("api_key"))
		}
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "err": "api key required"})
			c.Abort()
			return
		}
		if len(set) > 0 {
			if _, ok := set[key]; !ok {
				c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "err": "unknown api key"})
				c.Abort()
				return
			}
		}
		c.Set(ingest.ContextAPIKey, key)
		c.Next()
	}
}
