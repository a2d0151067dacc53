// Package config loads tiercache settings from a YAML file, optional .env
// files and TIERCACHE_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/queue"
	"github.com/agentuity/tiercache/resilience"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "TIERCACHE_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the complete tiercache configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Store    StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Queue    QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	Cache    CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Breaker  BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// StoreConfig selects and tunes the persistent tier.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is a file path for sqlite, a connection string for postgres and a
	// redis:// URL for redis.
	DSN          string        `yaml:"dsn" env:"DSN"`
	Prefix       string        `yaml:"prefix" env:"PREFIX"`
	QueryTimeout time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	// RPS limits calls to the store. Zero disables client-side limiting.
	RPS   float64 `yaml:"rps" env:"RPS"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// QueueConfig mirrors queue.Config.
type QueueConfig struct {
	Capacity         int           `yaml:"capacity" env:"CAPACITY"`
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	MinWriteInterval time.Duration `yaml:"min_write_interval" env:"MIN_WRITE_INTERVAL"`
	WriteDelay       time.Duration `yaml:"write_delay" env:"WRITE_DELAY"`
	ErrorCeiling     int           `yaml:"error_ceiling" env:"ERROR_CEILING"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay" env:"BASE_RETRY_DELAY"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`
	// Overflow is "drop-oldest" or "drop-newest".
	Overflow string `yaml:"overflow" env:"OVERFLOW"`
}

// CacheConfig tunes the memory tier.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// Sweep is the memory purge interval. Zero disables the sweep.
	Sweep time.Duration `yaml:"sweep" env:"SWEEP"`
}

// BreakerConfig guards persistent-tier reads. MaxFailures of zero disables
// the breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" env:"MAX_FAILURES"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Default returns the built-in configuration: an in-process store with the
// stock queue limits.
func Default() Config {
	q := queue.DefaultConfig()
	cb := resilience.DefaultCircuitBreakerConfig()
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver:       DriverMemory,
			Prefix:       "tiercache",
			QueryTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:         q.Capacity,
			BatchSize:        q.BatchSize,
			Interval:         q.Interval,
			MinWriteInterval: q.MinWriteInterval,
			WriteDelay:       q.WriteDelay,
			ErrorCeiling:     q.ErrorCeiling,
			BaseRetryDelay:   q.BaseRetryDelay,
			MaxRetryDelay:    q.MaxRetryDelay,
			Overflow:         q.Overflow.String(),
		},
		Cache: CacheConfig{
			DefaultTTL: cache.DefaultTTL,
		},
		Breaker: BreakerConfig{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
		},
	}
}

// Load builds a Config from Default, then the YAML file at path (skipped when
// path is empty), then the given .env files (missing files are skipped;
// variables already set in the process win), then the environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	var files []string
	for _, fn := range envFiles {
		if _, err := os.Stat(fn); err == nil {
			files = append(files, fn)
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return cfg, errors.Wrap(err, "config: load env files")
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, errors.Wrap(err, "config: parse env")
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis, DriverPostgres:
	default:
		return errors.Newf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		return errors.Newf("config: store driver %q requires a dsn", c.Store.Driver)
	}
	if c.Store.RPS < 0 || c.Store.Burst < 0 {
		return errors.New("config: store rps and burst must not be negative")
	}
	if _, err := c.overflow(); err != nil {
		return err
	}
	return nil
}

func (c Config) overflow() (queue.OverflowPolicy, error) {
	switch strings.ToLower(c.Queue.Overflow) {
	case "", queue.DropOldest.String():
		return queue.DropOldest, nil
	case queue.DropNewest.String():
		return queue.DropNewest, nil
	}
	return queue.DropOldest, errors.Newf("config: unknown queue overflow policy %q", c.Queue.Overflow)
}

// QueueConfig converts the queue settings.
func (c Config) QueueConfig() queue.Config {
	policy, _ := c.overflow()
	return queue.Config{
		Capacity:         c.Queue.Capacity,
		BatchSize:        c.Queue.BatchSize,
		Interval:         c.Queue.Interval,
		MinWriteInterval: c.Queue.MinWriteInterval,
		WriteDelay:       c.Queue.WriteDelay,
		ErrorCeiling:     c.Queue.ErrorCeiling,
		BaseRetryDelay:   c.Queue.BaseRetryDelay,
		MaxRetryDelay:    c.Queue.MaxRetryDelay,
		Overflow:         policy,
	}
}

// BreakerConfig converts the breaker settings. The second return value is
// false when the breaker is disabled.
func (c Config) BreakerConfig() (resilience.CircuitBreakerConfig, bool) {
	cb := resilience.DefaultCircuitBreakerConfig()
	if c.Breaker.MaxFailures <= 0 {
		return cb, false
	}
	cb.MaxFailures = c.Breaker.MaxFailures
	if c.Breaker.Timeout > 0 {
		cb.Timeout = c.Breaker.Timeout
	}
	return cb, true
}
