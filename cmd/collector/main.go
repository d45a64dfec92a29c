package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aak1247/sessiontap/internal/cleanup"
	"github.com/aak1247/sessiontap/internal/config"
	"github.com/aak1247/sessiontap/internal/consumer"
	"github.com/aak1247/sessiontap/internal/db"
	"github.com/aak1247/sessiontap/internal/enrich"
	"github.com/aak1247/sessiontap/internal/httpserver"
	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/aak1247/sessiontap/internal/metrics"
	"github.com/aak1247/sessiontap/internal/migrate"
	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/aak1247/sessiontap/internal/queue"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, httpAddr string
	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a TOML config file")
	flagSet.StringVar(&httpAddr, "http-addr", "", "listen address (overrides HTTP_ADDR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("config loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := obs.New()

	var gdb *gorm.DB
	if cfg.HasDB() {
		gdb, err = db.Open(ctx, cfg.PostgresURL, cfg.SQLitePath, db.Options{})
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer sqlDB.Close()

		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = migrate.AutoMigrate(migCtx, gdb)
		cancel()
		if err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}

	var recorder *metrics.RedisRecorder
	if cfg.EnableMetrics {
		rdb, err := metrics.Connect(ctx, metrics.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		recorder = metrics.NewRedisRecorder(rdb)
	}

	geoip, err := enrich.NewGeoIP(cfg.GeoIPCityMMDB, cfg.GeoIPASNMMDB)
	if err != nil {
		return fmt.Errorf("geoip: %w", err)
	}
	if geoip != nil {
		defer geoip.Close()
	}

	newProcessor := func() (*consumer.Processor, error) {
		return consumer.NewProcessor(consumer.ProcessorOptions{
			DB:            gdb,
			Recorder:      recorder,
			GeoIP:         geoip,
			Stats:         stats,
			Logger:        logger.With("component", "processor"),
			BatchSize:     cfg.DBBatchSize,
			FlushInterval: cfg.DBFlushInterval.Duration,
		})
	}

	var (
		publisher     queue.Publisher
		nsqConsumer   *consumer.SessionConsumer
		directProcess *consumer.Processor
	)
	if cfg.NSQDAddress != "" {
		p, err := queue.NewNSQPublisher(cfg.NSQDAddress, logger.With("component", "nsq-producer"))
		if err != nil {
			return fmt.Errorf("nsq publisher: %w", err)
		}
		if err := p.Ping(); err != nil {
			logger.Warn("nsqd not reachable yet; publishes will fail until it is", "addr", cfg.NSQDAddress, "err", err)
		}
		defer p.Stop()
		publisher = queue.ObservePublisher(p, stats, logger.With("component", "publisher"))

		if cfg.RunConsumers {
			proc, err := newProcessor()
			if err != nil {
				return fmt.Errorf("processor: %w", err)
			}
			nsqConsumer, err = consumer.NewNSQSessionConsumer(ctx, cfg, proc, logger.With("component", "nsq"))
			if err != nil {
				proc.Close()
				return fmt.Errorf("session consumer: %w", err)
			}
			logger.Info("session consumer enabled", "channel", cfg.NSQChannel, "concurrency", cfg.NSQConcurrency)
		}
		if cfg.NSQDHTTPAddress != "" {
			poller, err := obs.NewDepthPoller(cfg.NSQDHTTPAddress, ingest.TopicSessions)
			if err != nil {
				return fmt.Errorf("nsq depth poller: %w", err)
			}
			poller.Logger = logger.With("component", "nsq-depth")
			go poller.Run(ctx, stats)
		}
	} else {
		directProcess, err = newProcessor()
		if err != nil {
			return fmt.Errorf("processor: %w", err)
		}
		publisher = &consumer.DirectPublisher{Processor: directProcess}
		logger.Info("NSQD_ADDRESS not set; writing batches directly")
	}

	if gdb != nil && cfg.RetentionDays > 0 {
		w := cleanup.NewWorker(gdb, cfg.RetentionDays)
		w.Interval = cfg.CleanupInterval.Duration
		w.Stats = stats
		w.Logger = logger.With("component", "cleanup")
		go w.Run(ctx)
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Publisher: publisher,
		DB:        gdb,
		Recorder:  recorder,
		Stats:     stats,
		Limiter:   ingest.NewRateLimiter(cfg.IngestRateLimit, cfg.IngestBurst),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("http listening", "addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	nsqConsumer.Stop()
	directProcess.Close()
	return serveErr
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
