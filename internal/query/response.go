package query

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// envelope is the body of every query reply:
//
//	{"code":0,"data":...}
//	{"code":<http status>,"err":"..."}
type envelope struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Data: data})
}

func respondErr(c *gin.Context, status int, msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = http.StatusText(status)
	}
	c.JSON(status, envelope{Code: status, Err: msg})
}

// respondBackendErr reports a database or Redis failure. Timeouts become 504,
// anything else 503; the cause is logged rather than returned.
func respondBackendErr(c *gin.Context, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	slog.Warn("query backend failed", "path", c.FullPath(), "status", status, "err", err)
	respondErr(c, status, "backend unavailable")
}
