// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds settings shared by the server, worker and consumer binaries.
type Config struct {
	Env      string
	LogLevel string
	Port     string

	DatabaseURL string

	RabbitMQURL       string
	Queue             string
	Prefetch          int
	PublishTimeout    time.Duration
	CompressThreshold int

	NotifyMode string

	RateLimit RateLimitConfig

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxPublishRPS   float64
}

// RateLimitConfig configures throttling of mutating requests.
type RateLimitConfig struct {
	Window      time.Duration
	MaxAttempts int
	SweepEvery  time.Duration
	Reads       bool
	KeyHeader   string
	TrustXFF    bool

	Stats RateStatsConfig
}

// RateStatsConfig configures where limiter decisions are counted.
// An empty RedisAddr keeps the counters in process.
type RateStatsConfig struct {
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	Prefix          string
	TTL             time.Duration
	TrackIdentities bool
}

// Development reports whether APP_ENV is development.
func (c Config) Development() bool {
	return c.Env == "development"
}

// RequireDatabase fails when DATABASE_URL is missing.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("required environment variable DATABASE_URL not set")
	}
	return nil
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv. Malformed values are errors.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env{get: getenv}

	host := e.str("RABBITMQ_HOST", "localhost")
	cfg := Config{
		Env:         e.str("APP_ENV", "development"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		Port:        e.str("APP_PORT", "8080"),
		DatabaseURL: e.str("DATABASE_URL", ""),

		RabbitMQURL:       e.str("RABBITMQ_URL", fmt.Sprintf("amqp://guest:guest@%s:5672/", host)),
		Queue:             e.str("RABBITMQ_QUEUE", "produit_queue"),
		Prefetch:          e.integer("CONSUMER_PREFETCH", 10),
		PublishTimeout:    e.duration("PUBLISH_TIMEOUT", 5*time.Second),
		CompressThreshold: e.integer("PUBLISH_COMPRESS_THRESHOLD", 0),

		NotifyMode: strings.ToLower(e.str("NOTIFY_MODE", "direct")),

		RateLimit: RateLimitConfig{
			Window:      e.duration("RATE_LIMIT_WINDOW", time.Minute),
			MaxAttempts: e.integer("RATE_LIMIT_MAX_ATTEMPTS", 5),
			SweepEvery:  e.duration("RATE_LIMIT_SWEEP_EVERY", time.Minute),
			Reads:       e.flag("RATE_LIMIT_READS", false),
			KeyHeader:   e.str("RATE_LIMIT_KEY_HEADER", ""),
			TrustXFF:    e.flag("RATE_LIMIT_TRUST_XFF", false),
			Stats: RateStatsConfig{
				RedisAddr:       e.str("RATE_STATS_REDIS_ADDR", ""),
				RedisPassword:   e.get("RATE_STATS_REDIS_PASSWORD"),
				RedisDB:         e.integer("RATE_STATS_REDIS_DB", 0),
				Prefix:          e.str("RATE_STATS_PREFIX", "stockpile:ratelimit"),
				TTL:             e.duration("RATE_STATS_TTL", 24*time.Hour),
				TrackIdentities: e.flag("RATE_STATS_TRACK_IDENTITIES", false),
			},
		},

		OutboxPollInterval: e.duration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:    e.integer("OUTBOX_BATCH_SIZE", 100),
		OutboxPublishRPS:   e.number("OUTBOX_PUBLISH_RPS", 50),
	}

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive, got %d", cfg.RateLimit.MaxAttempts)
	}
	if cfg.RateLimit.Window <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.Stats.TTL <= 0 {
		return Config{}, fmt.Errorf("RATE_STATS_TTL must be positive, got %s", cfg.RateLimit.Stats.TTL)
	}
	return cfg, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *env) flag(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
