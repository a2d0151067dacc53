package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/tiercache/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(fn, []byte(content), 0o600))
	return fn
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, queue.DefaultConfig(), cfg.QueueConfig())
	assert.Equal(t, 24*time.Hour, cfg.Cache.DefaultTTL)
}

func TestLoadYAML(t *testing.T) {
	fn := writeFile(t, "tiercache.yaml", `
log_level: debug
store:
  driver: sqlite
  dsn: /tmp/cache.db
  rps: 2.5
  burst: 3
queue:
  capacity: 10
  interval: 1s
  write_delay: 50ms
  overflow: drop-newest
cache:
  sweep: 1m
`)
	cfg, err := Load(fn)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 2.5, cfg.Store.RPS)
	assert.Equal(t, 3, cfg.Store.Burst)

	qc := cfg.QueueConfig()
	assert.Equal(t, 10, qc.Capacity)
	assert.Equal(t, time.Second, qc.Interval)
	assert.Equal(t, 50*time.Millisecond, qc.WriteDelay)
	assert.Equal(t, queue.DropNewest, qc.Overflow)
	// untouched fields keep their defaults
	assert.Equal(t, 5, qc.BatchSize)
	assert.Equal(t, time.Minute, cfg.Cache.Sweep)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	fn := writeFile(t, "tiercache.yaml", "queue:\n  capacity: 10\n")
	t.Setenv("TIERCACHE_QUEUE_CAPACITY", "20")
	t.Setenv("TIERCACHE_QUEUE_BASE_RETRY_DELAY", "2s")
	t.Setenv("TIERCACHE_STORE_DRIVER", "redis")
	t.Setenv("TIERCACHE_STORE_DSN", "redis://localhost:6379/0")

	cfg, err := Load(fn)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Queue.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Queue.BaseRetryDelay)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
}

func TestLoadEnvFile(t *testing.T) {
	fn := writeFile(t, ".env", "TIERCACHE_LOG_LEVEL=warn\nTIERCACHE_BREAKER_MAX_FAILURES=0\n")
	t.Setenv("TIERCACHE_LOG_LEVEL", "")
	os.Unsetenv("TIERCACHE_LOG_LEVEL")
	t.Setenv("TIERCACHE_BREAKER_MAX_FAILURES", "")
	os.Unsetenv("TIERCACHE_BREAKER_MAX_FAILURES")

	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"), fn)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	_, enabled := cfg.BreakerConfig()
	assert.False(t, enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config: read")

	_, err = Load(writeFile(t, "bad.yaml", "queue: [\n"))
	assert.ErrorContains(t, err, "config: parse")

	t.Setenv("TIERCACHE_QUEUE_CAPACITY", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "config: parse env")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	cfg.Store.Driver = "mongo"
	assert.ErrorContains(t, cfg.Validate(), `unknown store driver "mongo"`)

	cfg = Default()
	cfg.Store.Driver = DriverPostgres
	assert.ErrorContains(t, cfg.Validate(), "requires a dsn")

	cfg = Default()
	cfg.Queue.Overflow = "drop-random"
	assert.ErrorContains(t, cfg.Validate(), "overflow policy")

	cfg = Default()
	cfg.Store.RPS = -1
	assert.Error(t, cfg.Validate())
}

func TestBreakerConfig(t *testing.T) {
	cfg := Default()
	cfg.Breaker.MaxFailures = 2
	cfg.Breaker.Timeout = time.Second
	cb, enabled := cfg.BreakerConfig()
	assert.True(t, enabled)
	assert.Equal(t, 2, cb.MaxFailures)
	assert.Equal(t, time.Second, cb.Timeout)
}
