package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/callsig/internal/adapter/driven/gateway/ws"
	repo "github.com/Wyydra/callsig/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/callsig/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/callsig/internal/adapter/driving/http"
	"github.com/Wyydra/callsig/internal/config"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logs, err := config.SetupLogging(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log configuration")
	}
	defer logs.Close()

	var store port.CallRecordStore
	var closeStore func() error
	if cfg.Database.Path == "" {
		store = repo.NewRecordRepository()
		closeStore = func() error { return nil }
		log.Warn().Msg("DATABASE_PATH empty, call records are kept in memory")
	} else {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open call record store")
		}
		store = db
		closeStore = db.Close
	}

	hub := ws.NewHub()
	go hub.Run()

	limits := ws.Limits{PerSecond: cfg.Relay.RatePerSecond, Burst: cfg.Relay.RateBurst}
	h := handler.NewHandler(hub, store, limits, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	if err := closeStore(); err != nil {
		log.Error().Err(err).Msg("Failed to close call record store")
	}
	log.Info().Msg("Server exited")
}
