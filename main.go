package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/alerts"
	"binance-sim-trader/internal/api"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/engine"
	"binance-sim-trader/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(settings.App.LogLevel, settings.App.Env)

	if dir := filepath.Dir(settings.Storage.SqlitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("create db directory failed")
		}
	}
	store, err := database.Open(settings.Storage.SqlitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}

	statusStore := api.NewStatusStore()
	streamStore := api.NewStreamStore()
	alerter := alerts.NewManager(store, settings.Alerts)

	rt, err := engine.NewRuntime(settings, store, statusStore, streamStore, alerter)
	if err != nil {
		log.Fatal().Err(err).Msg("runtime build failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("runtime start failed")
	}

	server := api.NewServer(settings, store, rt, statusStore, streamStore)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("api server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown failed")
	}
	rt.Stop()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("database close failed")
	}
}
