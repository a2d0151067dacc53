// Package env holds helpers for resolving command-line settings from cobra
// flags with an environment fallback.
package env

import (
	"log"
	"os"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// DurationFlagOrEnv resolves a duration the same way as FlagOrEnv. Values may
// use day and week units ("1d12h", "2w").
func DurationFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue time.Duration) (time.Duration, error) {
	val := FlagOrEnv(cmd, flagName, envName, "")
	if val == "" {
		return defaultValue, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for --%s", flagName)
	}
	return d, nil
}

// LogLevel resolves the log-level flag, then TIERCACHE_LOG_LEVEL, then
// defaultValue. Unknown names resolve to info.
func LogLevel(cmd *cobra.Command, defaultValue string) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, defaultValue))
	return level
}

// NewLogger returns a console logger at the level chosen by LogLevel.
func NewLogger(cmd *cobra.Command, defaultValue string) logger.Logger {
	log.SetFlags(0)
	return logger.NewConsoleLogger(LogLevel(cmd, defaultValue))
}
