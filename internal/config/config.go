package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	HTTPAddr  string `toml:"http_addr"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// APIKeys is the ingest allow-list. Empty accepts any non-empty key.
	APIKeys []string `toml:"api_keys"`

	NSQDAddress     string `toml:"nsqd_address"`
	// NSQDHTTPAddress enables topic depth polling when set.
	NSQDHTTPAddress string `toml:"nsqd_http_address"`
	NSQChannel      string `toml:"nsq_channel"`
	NSQMaxInFlight  int    `toml:"nsq_max_in_flight"`
	NSQConcurrency  int    `toml:"nsq_concurrency"`
	RunConsumers    bool   `toml:"run_consumers"`

	PostgresURL string `toml:"postgres_url"`
	SQLitePath  string `toml:"sqlite_path"`

	DBBatchSize     int      `toml:"db_batch_size"`
	DBFlushInterval Duration `toml:"db_flush_interval"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	EnableMetrics bool   `toml:"enable_metrics"`

	GeoIPCityMMDB string `toml:"geoip_city_mmdb"`
	GeoIPASNMMDB  string `toml:"geoip_asn_mmdb"`

	IngestRateLimit float64 `toml:"ingest_rate_limit"`
	IngestBurst     int     `toml:"ingest_burst"`

	RetentionDays   int      `toml:"retention_days"`
	CleanupInterval Duration `toml:"cleanup_interval"`

	MaintenanceMode bool `toml:"maintenance_mode"`
}

// Duration reads TOML strings such as "250ms" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		NSQChannel:      "session-consumer",
		NSQMaxInFlight:  200,
		NSQConcurrency:  4,
		RunConsumers:    true,
		DBBatchSize:     200,
		DBFlushInterval: Duration{50 * time.Millisecond},
		EnableMetrics:   true,
		IngestBurst:     20,
		CleanupInterval: Duration{10 * time.Minute},
	}
}

// Load layers an optional TOML file and then the environment on top of
// Default, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenvDefault("LOG_FORMAT", cfg.LogFormat)
	if raw := strings.TrimSpace(os.Getenv("API_KEYS")); raw != "" {
		cfg.APIKeys = splitList(raw)
	}

	cfg.NSQDAddress = getenvDefault("NSQD_ADDRESS", cfg.NSQDAddress)
	cfg.NSQDHTTPAddress = getenvDefault("NSQD_HTTP_ADDRESS", cfg.NSQDHTTPAddress)
	cfg.NSQChannel = getenvDefault("NSQ_CHANNEL", cfg.NSQChannel)
	cfg.NSQMaxInFlight = parseIntDefault(os.Getenv("NSQ_MAX_IN_FLIGHT"), cfg.NSQMaxInFlight)
	cfg.NSQConcurrency = parseIntDefault(os.Getenv("NSQ_CONCURRENCY"), cfg.NSQConcurrency)
	cfg.RunConsumers = parseBoolDefault(os.Getenv("RUN_CONSUMERS"), cfg.RunConsumers)

	cfg.PostgresURL = getenvDefault("POSTGRES_URL", cfg.PostgresURL)
	cfg.SQLitePath = getenvDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.DBBatchSize = parseIntDefault(os.Getenv("DB_BATCH_SIZE"), cfg.DBBatchSize)
	cfg.DBFlushInterval.Duration = parseDurationDefault(os.Getenv("DB_FLUSH_INTERVAL"), cfg.DBFlushInterval.Duration)

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenvDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseIntDefault(os.Getenv("REDIS_DB"), cfg.RedisDB)
	cfg.EnableMetrics = parseBoolDefault(os.Getenv("ENABLE_METRICS"), cfg.EnableMetrics) && cfg.RedisAddr != ""

	cfg.GeoIPCityMMDB = getenvDefault("GEOIP_CITY_MMDB", cfg.GeoIPCityMMDB)
	cfg.GeoIPASNMMDB = getenvDefault("GEOIP_ASN_MMDB", cfg.GeoIPASNMMDB)

	cfg.IngestRateLimit = parseFloatDefault(os.Getenv("INGEST_RATE_LIMIT"), cfg.IngestRateLimit)
	cfg.IngestBurst = parseIntDefault(os.Getenv("INGEST_BURST"), cfg.IngestBurst)

	cfg.RetentionDays = parseIntDefault(os.Getenv("RETENTION_DAYS"), cfg.RetentionDays)
	cfg.CleanupInterval.Duration = parseDurationDefault(os.Getenv("CLEANUP_INTERVAL"), cfg.CleanupInterval.Duration)

	cfg.MaintenanceMode = parseBoolDefault(os.Getenv("MAINTENANCE_MODE"), cfg.MaintenanceMode)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.PostgresURL != "" && c.SQLitePath != "" {
		return errors.New("set only one of POSTGRES_URL and SQLITE_PATH")
	}
	if c.RunConsumers && c.NSQDAddress != "" && !c.HasDB() {
		return errors.New("POSTGRES_URL or SQLITE_PATH is required when RUN_CONSUMERS=true")
	}
	if c.NSQDAddress == "" && !c.HasDB() {
		return errors.New("either NSQD_ADDRESS or a database is required")
	}
	if c.IngestRateLimit < 0 {
		return errors.New("INGEST_RATE_LIMIT must be >= 0")
	}
	if c.RetentionDays < 0 {
		return errors.New("RETENTION_DAYS must be >= 0")
	}
	return nil
}

// HasDB reports whether a database backend is configured.
func (c Config) HasDB() bool {
	return c.PostgresURL != "" || c.SQLitePath != ""
}

func getenvDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseBoolDefault(value string, defaultValue bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseIntDefault(value string, defaultValue int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatDefault(value string, defaultValue float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationDefault(value string, defaultValue time.Duration) time.Duration {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) String() string {
	return fmt.Sprintf(
		"http=%s nsqd=%s consumers=%v pg=%s sqlite=%s redis=%s metrics=%v geoip=%v api_keys=%d rate=%g/%d retention=%dd maintenance=%v",
		c.HTTPAddr,
		redactEmpty(c.NSQDAddress),
		c.RunConsumers,
		redactPostgresURL(c.PostgresURL),
		redactEmpty(c.SQLitePath),
		redactEmpty(c.RedisAddr),
		c.EnableMetrics,
		c.GeoIPCityMMDB != "" || c.GeoIPASNMMDB != "",
		len(c.APIKeys),
		c.IngestRateLimit,
		c.IngestBurst,
		c.RetentionDays,
		c.MaintenanceMode,
	)
}

func redactPostgresURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "<none>"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<set>"
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	host := u.Host
	db := strings.TrimPrefix(u.Path, "/")
	if user == "" && host == "" && db == "" {
		return "<set>"
	}
	if user == "" {
		user = "?"
	}
	if host == "" {
		host = "?"
	}
	if db == "" {
		db = "?"
	}
	return fmt.Sprintf("%s@%s/%s", user, host, db)
}

func redactEmpty(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "<none>"
	}
	return s
}
