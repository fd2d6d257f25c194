// Command limerx streams samples from a LimeSDR board and serves live
// telemetry about the stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoLimeSDR/internal/discovery"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

const defaultConfigPath = "config.json"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.LookupEnv).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	root := &cobra.Command{
		Use:          "limerx",
		Short:        "LimeSDR receive source",
		SilenceUsage: true,
	}
	configPath := envString(lookup, "CONFIG", defaultConfigPath)
	root.AddCommand(newStreamCmd(configPath, lookup), newDiscoverCmd())
	return root
}

func newStreamCmd(configPath string, lookup func(string) (string, bool)) *cobra.Command {
	cfg := &cliConfig{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Configure a board and stream from it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, level, err := cfg.logger()
			if err != nil {
				return err
			}
			logging.SetDefault(logger)
			redirectStdlog(level, os.Stderr)
			if configPath != "" {
				if err := saveConfig(configPath, persistentFromCLI(*cfg)); err != nil {
					logger.Warn("save config", logging.F("path", configPath), logging.F("error", err))
				}
			}
			return runStream(cmd.Context(), *cfg, logger)
		},
	}

	defaults := defaultPersistentConfig()
	if configPath != "" {
		loaded, err := loadOrCreateConfig(configPath)
		if err != nil {
			logging.Default().Warn("load config, using defaults", logging.F("path", configPath), logging.F("error", err))
		} else {
			defaults = loaded
		}
	}
	bindFlags(cmd.Flags(), cfg, lookup, defaults)
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		service  string
		timeout  time.Duration
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for Lime boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			redirectStdlog(level, os.Stderr)
			return runDiscover(cmd.Context(), cmd.OutOrStdout(), service, timeout, logging.Default())
		},
	}
	cmd.Flags().StringVar(&service, "service", discovery.DefaultService, "mDNS service type")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Browse duration")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level for library output (debug|info|warn|error)")
	return cmd
}
