package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/env"
	"github.com/agentuity/tiercache/store"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tiercache",
		Short:        "Inspect and populate a two-tier cache",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.StringSlice("env-file", []string{".env"}, "env files to load before reading TIERCACHE_* variables")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("store", "", "persistent store driver (memory, sqlite, postgres, redis)")
	flags.String("dsn", "", "store path, connection string or redis:// url")
	flags.Float64("rps", 0, "maximum store calls per second, 0 for unlimited")
	flags.Int("burst", 1, "store call burst when --rps is set")
	flags.Bool("metrics", false, "print Prometheus metrics to stderr when the command finishes")

	root.AddCommand(newGetCmd(), newSetCmd(), newInvalidateCmd(), newStatsCmd(), newPurgeCmd())
	return root
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the cached JSON value for key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, ok := a.cache.Get(ctx, args[0])
				if !ok {
					return errors.Newf("%q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return nil
			})
		},
	}
}

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <json>",
		Short: "Cache a JSON value under key and persist it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage(args[1])
			if !json.Valid(value) {
				return errors.Newf("value for %q is not valid JSON", args[0])
			}
			ttl, err := env.DurationFlagOrEnv(cmd, "ttl", "TIERCACHE_TTL", 0)
			if err != nil {
				return err
			}
			priority, ok := cache.ParsePriority(flagString(cmd, "priority"))
			if !ok {
				return errors.Newf("unknown priority %q", flagString(cmd, "priority"))
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.cache.Set(ctx, args[0], value, cache.EntryOptions{TTL: ttl, CacheType: flagString(cmd, "type"), Priority: priority})
				return nil
			})
		},
	}
	cmd.Flags().String("ttl", "", "time to live, e.g. 90m, 1d, 2w (default 24h)")
	cmd.Flags().String("type", cache.DefaultCacheType, "cache type label")
	cmd.Flags().String("priority", string(cache.PriorityNormal), "priority (Low, Normal, High)")
	return cmd
}

func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>...",
		Short: "Remove keys from both tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				for _, key := range args {
					a.cache.Invalidate(ctx, key)
				}
				return nil
			})
		},
	}
}

type statsOutput struct {
	MemorySize        int        `json:"memory_size"`
	QueueSize         int        `json:"queue_size"`
	IsDraining        bool       `json:"is_draining"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastWriteTime     *time.Time `json:"last_write_time,omitempty"`
	Store             string     `json:"store"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s := a.cache.Stats()
				out := statsOutput{
					MemorySize:        s.MemorySize,
					QueueSize:         s.QueueSize,
					IsDraining:        s.IsDraining,
					ConsecutiveErrors: s.ConsecutiveErrors,
					Store:             a.cfg.Store.Driver,
				}
				if !s.LastWriteTime.IsZero() {
					out.LastWriteTime = &s.LastWriteTime
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired records from the persistent store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, ok := a.raw.(store.Purger)
				if !ok {
					return errors.Newf("store %q expires records itself", a.cfg.Store.Driver)
				}
				n, err := p.PurgeExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired records\n", n)
				return nil
			})
		},
	}
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
