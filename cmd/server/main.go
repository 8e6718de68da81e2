package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vetrov0x/crabhouse/internal/api"
	"github.com/Vetrov0x/crabhouse/internal/config"
	"github.com/Vetrov0x/crabhouse/internal/metrics"
	"github.com/Vetrov0x/crabhouse/internal/store"
)

const tokenPurgeInterval = time.Hour

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Open the store, restoring the durable image if one exists
	st, err := store.NewSQLiteStore(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store initialization failed")
	}
	logger.Info().Str("path", cfg.DBPath).Msg("store ready")

	// First-boot seeding, then make the initial image durable right away
	seeded, err := st.SeedIfEmpty(ctx, cfg.FounderName)
	if err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
	if seeded {
		if err := st.Flush(); err != nil {
			logger.Error().Err(err).Msg("initial flush failed")
		}
	}

	// Expired-token maintenance: once at boot, then on an interval
	if n, err := st.PurgeExpiredTokens(ctx); err != nil {
		logger.Warn().Err(err).Msg("token purge failed")
	} else if n > 0 {
		metrics.TokensPurged.Add(float64(n))
		logger.Info().Int64("purged", n).Msg("purged expired tokens")
	}

	purgeCtx, stopPurge := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(tokenPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				n, err := st.PurgeExpiredTokens(purgeCtx)
				if err != nil {
					logger.Warn().Err(err).Msg("token purge failed")
					continue
				}
				if n > 0 {
					metrics.TokensPurged.Add(float64(n))
					logger.Info().Int64("purged", n).Msg("purged expired tokens")
				}
			}
		}
	}()

	// Create router and server
	router := api.NewRouter(logger, cfg, st)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting CrabHouse server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stopPurge()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Final synchronous flush happens inside Close; losing the debounce
	// window's writes is only acceptable on a hard crash, not here.
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close failed")
	}

	logger.Info().Msg("server stopped")
}
