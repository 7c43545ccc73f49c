// Package config loads and validates pagemine configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagemine/internal/storage/gcs"
	"github.com/JakeFAU/pagemine/internal/storage/local"
	"github.com/JakeFAU/pagemine/internal/storage/postgres"
	"github.com/JakeFAU/pagemine/internal/storage/redis"
)

// Storage backend names accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Auth     AuthConfig      `mapstructure:"auth"`
	API      APIConfig       `mapstructure:"api"`
	Realtime RealtimeConfig  `mapstructure:"realtime"`
	Mining   MiningConfig    `mapstructure:"mining"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Redis    redis.Config    `mapstructure:"redis"`
	DB       postgres.Config `mapstructure:"db"`
	GCS      gcs.Config      `mapstructure:"gcs"`
	PubSub   PubSubConfig    `mapstructure:"pubsub"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig points at the REST backend that sends messages.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// RealtimeConfig configures the server-push subscription.
type RealtimeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	PageID     string        `mapstructure:"page_id"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// MiningConfig tunes progress tracking and batch sending.
type MiningConfig struct {
	Key          string        `mapstructure:"key"`
	KeyPerPage   bool          `mapstructure:"key_per_page"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	HistoryKey   string        `mapstructure:"history_key"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// StorageConfig selects the durable slot backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for progress notifications. An empty
// TopicName disables the Pub/Sub sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether progress events should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEMINE")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.max_attempts", 3)
	v.SetDefault("api.backoff_initial", 250*time.Millisecond)
	v.SetDefault("api.backoff_max", 5*time.Second)
	v.SetDefault("realtime.base_url", "http://localhost:8000")
	v.SetDefault("realtime.backoff_min", time.Second)
	v.SetDefault("realtime.backoff_max", 30*time.Second)
	v.SetDefault("mining.key", "miningProgress")
	v.SetDefault("mining.grace_period", 3*time.Second)
	v.SetDefault("mining.poll_interval", time.Second)
	v.SetDefault("mining.batch_size", 50)
	v.SetDefault("mining.history_key", "miningHistory")
	v.SetDefault("mining.history_limit", 20)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/slots")
	v.SetDefault("redis.key_prefix", "pagemine:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("db.table", "kv_slots")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("gcs.prefix", "pagemine")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := validURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if c.API.MaxAttempts <= 0 {
		return fmt.Errorf("api.max_attempts must be > 0")
	}
	if err := validURL("realtime.base_url", c.Realtime.BaseURL); err != nil {
		return err
	}
	if c.Realtime.BackoffMin <= 0 || c.Realtime.BackoffMax < c.Realtime.BackoffMin {
		return fmt.Errorf("realtime.backoff_min must be > 0 and <= realtime.backoff_max")
	}
	if strings.TrimSpace(c.Mining.Key) == "" {
		return fmt.Errorf("mining.key must be set")
	}
	if c.Mining.GracePeriod <= 0 {
		return fmt.Errorf("mining.grace_period must be > 0")
	}
	if c.Mining.PollInterval <= 0 {
		return fmt.Errorf("mining.poll_interval must be > 0")
	}
	if c.Mining.BatchSize <= 0 {
		return fmt.Errorf("mining.batch_size must be > 0")
	}
	return c.validateStorage()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
		return nil
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
		return nil
	case BackendRedis:
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	case BackendPostgres:
		if strings.TrimSpace(c.DB.DSN) == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
		return nil
	case BackendGCS:
		if strings.TrimSpace(c.GCS.Bucket) == "" {
			return fmt.Errorf("gcs.bucket must be set for the gcs backend")
		}
		return nil
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
}

func validURL(key, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	return nil
}
