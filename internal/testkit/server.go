package testkit

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aak1247/sessiontap/internal/config"
	"github.com/aak1247/sessiontap/internal/consumer"
	"github.com/aak1247/sessiontap/internal/httpserver"
	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const TestAPIKey = "test-key"

// Server is an in-process collector: HTTP ingest writes straight to an
// in-memory database through a DirectPublisher.
type Server struct {
	DB        *gorm.DB
	Processor *consumer.Processor
	Stats     *obs.Stats
	Config    config.Config
	HTTP      *httptest.Server
}

func NewServer(t testing.TB) *Server {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := OpenTestDB(t)
	stats := obs.New()
	cfg := config.Config{
		HTTPAddr: "127.0.0.1:0",
		APIKeys:  []string{TestAPIKey},
	}

	proc, err := consumer.NewProcessor(consumer.ProcessorOptions{
		DB:            db,
		Stats:         stats,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(proc.Close)

	srv := httpserver.New(cfg, httpserver.Deps{
		Publisher: &consumer.DirectPublisher{Processor: proc},
		DB:        db,
		Stats:     stats,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &Server{
		DB:        db,
		Processor: proc,
		Stats:     stats,
		Config:    cfg,
		HTTP:      ts,
	}
}
