package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/config"
	"github.com/agentuity/tiercache/env"
	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/metrics"
	"github.com/agentuity/tiercache/resilience"
	"github.com/agentuity/tiercache/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// flushTimeout bounds how long a command waits for pending writes on exit.
const flushTimeout = 30 * time.Second

type app struct {
	cfg      config.Config
	logger   logger.Logger
	registry *prometheus.Registry
	raw      store.PersistedCache
	adapter  *store.Adapter
	cache    *cache.Tiered[json.RawMessage]
	closers  []func() error
}

// loadConfig reads the config file and env files named on the command line,
// then applies explicit flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Driver, _ = flags.GetString("store")
	}
	if flags.Changed("dsn") {
		cfg.Store.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("rps") {
		cfg.Store.RPS, _ = flags.GetFloat64("rps")
	}
	if flags.Changed("burst") {
		cfg.Store.Burst, _ = flags.GetInt("burst")
	}
	return cfg, cfg.Validate()
}

// openStore connects the configured backend. The returned store is the raw
// backend; callers wrap it for rate limiting.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.PersistedCache, []func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil, nil
	case config.DriverSQLite:
		s, err := store.NewSQLite(ctx, cfg.DSN)
		return s, nil, err
	case config.DriverPostgres:
		s, err := store.NewPostgres(ctx, cfg.DSN)
		return s, nil, err
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.Wrap(err, "connect to redis")
		}
		return store.NewRedis(client, cfg.Prefix), []func() error{client.Close}, nil
	}
	return nil, nil, errors.Newf("unknown store driver %q", cfg.Driver)
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := env.NewLogger(cmd, cfg.LogLevel)

	raw, closers, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	log.Debug("using %s store %s", cfg.Store.Driver, config.MaskDSN(cfg.Store.DSN))
	remote := raw
	if cfg.Store.RPS > 0 {
		burst := cfg.Store.Burst
		if burst <= 0 {
			burst = 1
		}
		remote = store.NewRateLimited(raw, rate.NewLimiter(rate.Limit(cfg.Store.RPS), burst))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	adapterOpts := []store.AdapterOption{
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithQueryTimeout(cfg.Store.QueryTimeout),
	}
	if cb, ok := cfg.BreakerConfig(); ok {
		adapterOpts = append(adapterOpts, store.WithBreaker(resilience.NewCircuitBreaker(cb)))
	}
	adapter := store.NewAdapter(remote, adapterOpts...)

	c := cache.New[json.RawMessage](adapter,
		cache.WithLogger(log),
		cache.WithMetrics(m),
		cache.WithCodec[json.RawMessage](cache.JSONCodec[json.RawMessage]{}),
		cache.WithQueueConfig(cfg.QueueConfig()),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithMemorySweep(cfg.Cache.Sweep),
	)
	c.Start(ctx)

	return &app{
		cfg:      cfg,
		logger:   log,
		registry: reg,
		raw:      raw,
		adapter:  adapter,
		cache:    c,
		closers:  closers,
	}, nil
}

// Close persists pending writes, stops the cache and releases the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	var result error
	if err := a.cache.Flush(ctx); err != nil {
		a.logger.Warn("some writes were not persisted: %s", err)
		result = errors.CombineErrors(result, err)
	}
	if err := a.cache.Stop(); err != nil {
		result = errors.CombineErrors(result, err)
	}
	if err := a.adapter.Close(); err != nil {
		result = errors.CombineErrors(result, err)
	}
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}

// WriteMetrics writes every collected metric to w in the Prometheus text format.
func (a *app) WriteMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return nil
}

// withApp builds the app for cmd, runs fn and always tears the app down. With
// --metrics the metrics collected during the run are printed to stderr last.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if show, _ := cmd.Flags().GetBool("metrics"); show {
			if merr := a.WriteMetrics(cmd.ErrOrStderr()); merr != nil && err == nil {
				err = merr
			}
		}
	}()
	return fn(ctx, a)
}
