// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_SERVER_PORT.
const EnvPrefix = "HARVESTER"

// Backend names accepted by the selector fields.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig sizes the worker pool and its queue.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// BucketConfig is one token bucket definition.
type BucketConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	BurstCapacity int           `mapstructure:"burst_capacity"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
}

// RateLimitConfig holds one bucket definition per strategy.
type RateLimitConfig struct {
	Free  BucketConfig `mapstructure:"free"`
	Proxy BucketConfig `mapstructure:"proxy"`
}

// RetryConfig shapes the backoff curve.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMaxDelay time.Duration `mapstructure:"backoff_max_delay"`
}

// RedisConfig locates the cache server.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig selects the read cache.
type CacheConfig struct {
	Backend    string      `mapstructure:"backend"`
	TTLSeconds int         `mapstructure:"ttl_seconds"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// TTL returns the configured entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ScrapeConfig bounds pagination and tunes the direct fetcher.
type ScrapeConfig struct {
	MaxPagesFree   int           `mapstructure:"max_pages_free"`
	MaxPagesProxy  int           `mapstructure:"max_pages_proxy"`
	HardMaxPages   int           `mapstructure:"hard_max_pages"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgents     []string      `mapstructure:"user_agents"`
	DedupeWindow   time.Duration `mapstructure:"dedupe_window"`
}

// ProxyConfig holds the paid scraping proxy endpoint and credentials.
type ProxyConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig selects the review and job store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// ArchiveConfig selects where raw pages are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFiles exports variables from .env style files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.enqueue_timeout", "5s")

	v.SetDefault("rate_limit.free.rate_per_second", 1.0)
	v.SetDefault("rate_limit.free.burst_capacity", 1)
	v.SetDefault("rate_limit.free.max_wait", "30s")
	v.SetDefault("rate_limit.proxy.rate_per_second", 5.0)
	v.SetDefault("rate_limit.proxy.burst_capacity", 5)
	v.SetDefault("rate_limit.proxy.max_wait", "30s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", "5s")
	v.SetDefault("retry.backoff_max_delay", "30s")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl_seconds", 900)
	v.SetDefault("cache.redis.address", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("scrape.max_pages_free", 2)
	v.SetDefault("scrape.max_pages_proxy", 10)
	v.SetDefault("scrape.hard_max_pages", 50)
	v.SetDefault("scrape.request_timeout", "30s")
	v.SetDefault("scrape.user_agents", []string{})
	v.SetDefault("scrape.dedupe_window", "0s")

	v.SetDefault("proxy.base_url", "https://realtime.oxylabs.io/v1/queries")
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite.path", "review-harvester.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.local_dir", "data/raw")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Worker.QueueDepth > 0, "worker.queue_depth must be > 0")
	check(c.RateLimit.Free.RatePerSecond > 0, "rate_limit.free.rate_per_second must be > 0")
	check(c.RateLimit.Proxy.RatePerSecond > 0, "rate_limit.proxy.rate_per_second must be > 0")
	check(c.RateLimit.Free.BurstCapacity > 0, "rate_limit.free.burst_capacity must be > 0")
	check(c.RateLimit.Proxy.BurstCapacity > 0, "rate_limit.proxy.burst_capacity must be > 0")
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be > 0")
	check(c.Retry.BackoffBase > 0, "retry.backoff_base must be > 0")
	check(c.Retry.BackoffMaxDelay >= c.Retry.BackoffBase, "retry.backoff_max_delay must be >= retry.backoff_base")
	check(c.Cache.TTLSeconds > 0, "cache.ttl_seconds must be > 0")
	check(c.Scrape.MaxPagesFree > 0 && c.Scrape.MaxPagesProxy > 0, "scrape.max_pages_* must be > 0")
	check(c.Scrape.HardMaxPages > 0, "scrape.hard_max_pages must be > 0")
	check(c.Scrape.DedupeWindow >= 0, "scrape.dedupe_window must be >= 0")

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Cache.Redis.Address != "", "cache.redis.address is required for the redis backend")
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of memory, redis", c.Cache.Backend))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		check(c.Storage.SQLite.Path != "", "storage.sqlite.path is required for the sqlite backend")
	case BackendPostgres:
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for the postgres backend")
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of memory, sqlite, postgres", c.Storage.Backend))
	}

	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		check(c.Archive.LocalDir != "", "archive.local_dir is required for the local backend")
	case BackendGCS:
		check(c.Archive.GCSBucket != "", "archive.gcs_bucket is required for the gcs backend")
	default:
		problems = append(problems, fmt.Sprintf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend))
	}

	check(c.PubSub.TopicName == "" || c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub.topic_name is set")

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s: %w", strings.Join(problems, "; "), scraper.ErrConfiguration)
	}
	return nil
}
