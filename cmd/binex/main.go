// Command binex runs the matching-engine daemon: order intake from the
// shared queue, matching and settlement, state checkpointing, and
// market-data publishing.
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
	"github.com/forecastlabs/binex/internal/engine"
	"github.com/forecastlabs/binex/internal/marketdata"
	"github.com/forecastlabs/binex/internal/marketstore"
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
		log.Fatal("engine exited", zap.Error(err))
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

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}

	store := marketstore.NewStore(log, db)
	store.Start()
	defer store.Stop()

	checkpoints, err := engine.NewCheckpointStore(cfg.Engine.CheckpointPath)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	transport := marketdata.NewRedisPubSub(redisClient, log)
	defer transport.Close()
	publisher := marketdata.NewPublisher(log, transport)

	eng := engine.New(log, engine.Options{
		QueueName:          cfg.Redis.OrderQueue,
		PollTimeout:        cfg.Engine.QueuePollTimeout,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		SummaryInterval:    cfg.Engine.SummaryInterval,
	}, redisClient, publisher, store, checkpoints)

	if err := eng.Bootstrap(ctx, cfg.Engine.SeedFunds, cfg.Engine.Markets); err != nil {
		return err
	}
	eng.Start()
	log.Info("engine ready",
		zap.String("queue", cfg.Redis.OrderQueue),
		zap.Strings("markets", cfg.Engine.Markets))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return eng.Stop(shutdownCtx)
}
