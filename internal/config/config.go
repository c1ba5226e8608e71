// Package config loads application configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bissquit/courtside-push/internal/connectivity"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: COURTSIDE_RETRY__MAX_ATTEMPTS.
const EnvPrefix = "COURTSIDE_"

// PathEnv names the environment variable holding the YAML config path.
const PathEnv = "CONFIG_PATH"

// Config is the application configuration.
type Config struct {
	Server       ServerConfig              `koanf:"server"`
	Log          LogConfig                 `koanf:"log"`
	Database     DatabaseConfig            `koanf:"database"`
	Redis        RedisConfig               `koanf:"redis"`
	Push         PushConfig                `koanf:"push"`
	Retry        RetryConfig               `koanf:"retry"`
	Breaker      BreakerConfig             `koanf:"breaker"`
	RateLimit    RateLimitConfig           `koanf:"ratelimit"`
	Queue        QueueConfig               `koanf:"queue"`
	Tokens       TokensConfig              `koanf:"tokens"`
	Errors       ErrorsConfig              `koanf:"errors"`
	Health       HealthConfig              `koanf:"health"`
	Connectivity connectivity.ProberConfig `koanf:"connectivity"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	// AdminToken protects /api/v1 when set.
	AdminToken         string   `koanf:"admin_token"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	// Migrate applies embedded migrations on startup.
	Migrate bool `koanf:"migrate"`
}

// RedisConfig contains settings of the queue store. An empty URL keeps the
// queue in process memory.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	Prefix          string        `koanf:"prefix"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	RetryInterval   time.Duration `koanf:"retry_interval"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// PushConfig contains push transport settings.
type PushConfig struct {
	URL         string        `koanf:"url"`
	AccessToken string        `koanf:"access_token"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"`
}

// RetryConfig contains the retry schedule.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	AttemptTimeout    time.Duration `koanf:"attempt_timeout"`
}

// BreakerConfig contains circuit breaker settings shared by every breaker.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	HalfOpenAttempts int           `koanf:"half_open_attempts"`
}

// RateLimitConfig contains the push admission window.
type RateLimitConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	Capacity         int           `koanf:"capacity"`
	MaxRetryAttempts int           `koanf:"max_retry_attempts"`
	StorageKey       string        `koanf:"storage_key"`
	SettleDelay      time.Duration `koanf:"settle_delay"`
	MetricsInterval  time.Duration `koanf:"metrics_interval"`
}

// TokensConfig contains push token lifecycle settings.
type TokensConfig struct {
	ExpiryDays      int           `koanf:"expiry_days"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// ErrorsConfig contains error log settings.
type ErrorsConfig struct {
	Capacity int `koanf:"capacity"`
	// Diagnostics mirrors every recorded error to the debug log.
	Diagnostics bool `koanf:"diagnostics"`
}

// HealthConfig contains periodic health check settings.
type HealthConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
			Migrate:         true,
		},
		Redis: RedisConfig{
			Prefix:          "courtside",
			ConnectAttempts: 5,
			RetryInterval:   2 * time.Second,
			ConnectTimeout:  5 * time.Second,
		},
		Push: PushConfig{
			URL:       "https://exp.host/--/api/v2/push/send",
			Timeout:   10 * time.Second,
			RateLimit: 10,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			AttemptTimeout:    15 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
			HalfOpenAttempts: 3,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      time.Minute,
		},
		Queue: QueueConfig{
			Capacity:         100,
			MaxRetryAttempts: 3,
			StorageKey:       "offline:notification_queue",
			SettleDelay:      time.Second,
			MetricsInterval:  15 * time.Second,
		},
		Tokens: TokensConfig{
			ExpiryDays:      30,
			CleanupInterval: 24 * time.Hour,
		},
		Errors: ErrorsConfig{
			Capacity: 100,
		},
		Health: HealthConfig{
			Interval: time.Minute,
		},
		Connectivity: connectivity.DefaultProberConfig(),
	}
}

// Load builds the configuration. Values from the file named by CONFIG_PATH
// override defaults and COURTSIDE_ environment variables override both.
func Load() (*Config, error) {
	return load(os.Getenv(PathEnv))
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey maps COURTSIDE_RETRY__MAX_ATTEMPTS to retry.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.MetricsPort == "" {
		errs = append(errs, errors.New("server.metrics_port is required"))
	}
	if c.Server.Port != "" && c.Server.Port == c.Server.MetricsPort {
		errs = append(errs, errors.New("server.port and server.metrics_port must differ"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Push.URL == "" {
		errs = append(errs, errors.New("push.url is required"))
	}
	if c.Push.RateLimit < 0 {
		errs = append(errs, errors.New("push.rate_limit must not be negative"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BackoffMultiplier <= 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be greater than 1, got %v", c.Retry.BackoffMultiplier))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.HalfOpenAttempts < 1 {
		errs = append(errs, errors.New("breaker.half_open_attempts must be at least 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be positive"))
	}

	if c.RateLimit.MaxRequests < 1 {
		errs = append(errs, errors.New("ratelimit.max_requests must be at least 1"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}

	if c.Queue.Capacity < 1 {
		errs = append(errs, errors.New("queue.capacity must be at least 1"))
	}
	if c.Queue.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("queue.max_retry_attempts must be at least 1"))
	}
	if c.Queue.StorageKey == "" {
		errs = append(errs, errors.New("queue.storage_key is required"))
	}

	if c.Tokens.ExpiryDays < 1 {
		errs = append(errs, errors.New("tokens.expiry_days must be at least 1"))
	}
	if c.Errors.Capacity < 1 {
		errs = append(errs, errors.New("errors.capacity must be at least 1"))
	}

	return errors.Join(errs...)
}
