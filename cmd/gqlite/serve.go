package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/gqlite/pkg/cache"
	"github.com/orneryd/gqlite/pkg/config"
	"github.com/orneryd/gqlite/pkg/history"
	"github.com/orneryd/gqlite/pkg/server"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().String("address", "", "Bind address (overrides config)")
	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Server.Address = v
	}
	defer setupLogging(cfg)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Stringer("config", cfg).Msg("Starting gqlite")

	m, db, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("Database closed with errors")
		}
	}()

	srv, err := server.New(db, &server.Config{
		Address:        cfg.Server.Address,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    2 * cfg.Server.WriteTimeout,
		MaxRequestSize: cfg.Server.MaxBodyBytes,
		QueryTimeout:   cfg.Database.QueryTimeout,
		HistoryLimit:   cfg.History.Limit,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	store, err := newResultStore(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		srv.SetCache(store)
	}

	if cfg.History.Path != "" {
		h, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer h.Close()
		srv.SetHistory(h)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	log.Info().Msg("Server stopped gracefully")
	return nil
}

// newResultStore returns the configured cache, or nil when caching is off.
func newResultStore(ctx context.Context, cfg config.CacheConfig) (cache.ResultStore, error) {
	switch cfg.Backend {
	case "redis":
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		store, err := cache.NewRedisStore(pingCtx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting cache: %w", err)
		}
		return store, nil
	case "memory":
		return cache.NewMemoryStore(cfg.Size, cfg.TTL), nil
	default:
		return nil, nil
	}
}
