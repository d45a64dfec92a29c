package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aak1247/sessiontap/sdks/go/sessiontap"
	"github.com/gin-gonic/gin"
)

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func main() {
	baseURL := getenv("SESSIONTAP_BASE_URL", "http://localhost:8080")
	apiKey := getenv("SESSIONTAP_API_KEY", "demo")
	gzip := getenvBool("SESSIONTAP_GZIP", true)
	interval := getenvDuration("SESSIONTAP_SEND_INTERVAL", 5*time.Second)

	httpAddr := getenv("HTTP_ADDR", ":8090")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// One agent, one session for the lifetime of the process.
	agent, err := sessiontap.New(sessiontap.Options{
		BaseURL:      baseURL,
		Gzip:         gzip,
		SendInterval: interval,
		Logger:       logger,
	})
	if err != nil {
		panic(err)
	}
	agent.SetAppVersion("gin-demo")
	if err := agent.StartSession(apiKey); err != nil {
		panic(err)
	}
	agent.LogEvent("demo_init", map[string]string{"addr": httpAddr}, nil)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Report panics, then let gin.Recovery answer 500.
	r.Use(func(c *gin.Context) {
		defer agent.Recover(true)
		c.Next()
	})

	// One timed event per request.
	r.Use(func(c *gin.Context) {
		name := "request " + c.Request.Method + " " + c.Request.URL.Path
		agent.LogEvent(name, map[string]string{"client_ip": c.ClientIP()}, &sessiontap.EventOptions{Timed: true})
		c.Next()
		agent.EndTimedEvent(name, map[string]string{"status": strconv.Itoa(c.Writer.Status())})
	})

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":   true,
			"hint": "try /track?name=signup, /fail or /panic",
		})
	})

	r.GET("/track", func(c *gin.Context) {
		name := strings.TrimSpace(c.Query("name"))
		if name == "" {
			name = "signup"
		}
		if uid := strings.TrimSpace(c.Query("user")); uid != "" {
			agent.SetUserID(uid)
		}
		agent.LogEvent(name, map[string]string{"from": "gin-demo"}, nil)
		c.JSON(http.StatusOK, gin.H{"queued": true, "name": name})
	})

	r.GET("/fail", func(c *gin.Context) {
		agent.LogError("demo_error", "handler reported a failure", 0)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed"})
	})

	r.GET("/panic", func(c *gin.Context) {
		panic("demo panic")
	})

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			agent.LogError("server_error", err.Error(), 0)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	agent.EndSession(endCtx)
	endCancel()
}
