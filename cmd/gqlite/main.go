// Package main provides the gqlite CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/gqlite/pkg/config"
	"github.com/orneryd/gqlite/pkg/engine"
	"github.com/orneryd/gqlite/pkg/gqlite"
	"github.com/orneryd/gqlite/pkg/logging"
	"github.com/orneryd/gqlite/pkg/native"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gqlite",
		Short: "gqlite - graph query gateway",
		Long: `gqlite runs graph queries against an embedded or native graph engine
and returns the results as GraphJSON (nodes and links).

Commands:
  • serve   HTTP gateway (POST /query)
  • query   run one query and print the result
  • shell   interactive query prompt
  • bench   load and query benchmark`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().String("db", "", "Database path or :memory: (overrides config)")
	rootCmd.PersistentFlags().String("engine", "", "Engine: embedded or cgo (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gqlite v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newServeCmd(), newQueryCmd(), newShellCmd(), newBenchCmd(), newInitCmd())
	return rootCmd
}

// loadConfig reads --config and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v, _ := cmd.Flags().GetString("engine"); v != "" {
		cfg.Database.Engine = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, cfg.Validate()
}

// newLibrary selects the native library named by cfg.
func newLibrary(cfg *config.Config) (native.Library, error) {
	switch cfg.Database.Engine {
	case "cgo":
		lib, err := native.NewCgoLibrary()
		if err != nil {
			return nil, err
		}
		return lib, nil
	default:
		opts := engine.DefaultOptions()
		opts.SyncWrites = cfg.Database.SyncWrites
		opts.Logger = &log.Logger
		return engine.NewLibrary(&opts), nil
	}
}

// openDB builds a Manager for cfg and opens cfg.Database.Path. Closing the
// Manager closes the DB.
func openDB(ctx context.Context, cfg *config.Config) (*gqlite.Manager, *gqlite.DB, error) {
	lib, err := newLibrary(cfg)
	if err != nil {
		return nil, nil, err
	}
	policy, err := gqlite.ParsePolicy(cfg.Database.LockPolicy)
	if err != nil {
		return nil, nil, err
	}

	m, err := gqlite.NewManager(gqlite.Options{
		Library:            lib,
		Policy:             policy,
		MaxReaders:         cfg.Database.MaxReaders,
		TrackResources:     cfg.Database.TrackResources,
		SlowQueryThreshold: cfg.Logging.SlowQueryThreshold,
		Logger:             &log.Logger,
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := m.Open(ctx, cfg.Database.Path)
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, db, nil
}

// setupLogging applies cfg's logging section; the returned func flushes it.
func setupLogging(cfg *config.Config) func() {
	closer := logging.Apply(cfg.Logging)
	return func() { _ = closer.Close() }
}
