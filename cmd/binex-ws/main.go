// Command binex-ws runs the WebSocket market-data gateway: it fans the
// engine's published streams out to connected clients, serving each new
// subscriber a full snapshot before live deltas.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forecastlabs/binex/internal/config"
	"github.com/forecastlabs/binex/internal/database"
	"github.com/forecastlabs/binex/internal/marketdata"
	"github.com/forecastlabs/binex/internal/marketstore"
	"github.com/forecastlabs/binex/internal/subscriptions"
	"github.com/forecastlabs/binex/internal/ws"
	"github.com/forecastlabs/binex/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log, cfg); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(log *zap.Logger, cfg *config.Config) error {
	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	defer redisClient.Close()

	transport := marketdata.NewRedisPubSub(redisClient, log)
	defer transport.Close()

	// history is optional; snapshots fall back to the live cache alone
	var history marketstore.HistoryReader
	if db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		log.Warn("market history unavailable", zap.Error(err))
	} else {
		history = marketstore.NewStore(log, db)
	}

	hub := ws.NewHub(log)
	manager := subscriptions.NewManager(log, transport, history, hub)
	server := ws.NewServer(log, cfg.Gateway.Addr, hub, manager)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
