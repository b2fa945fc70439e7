package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomattend/internal/app"
	"roomattend/internal/config"
	"roomattend/internal/faceclient"
	"roomattend/internal/pipeline"
	"roomattend/internal/queue"
	"roomattend/internal/store"
)

// Worker consumes queued frames, resolves image frames through the face
// service, and runs each room's attendance engine.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
	logger.Info("worker stopped")
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	stores, err := app.LoadStores(ctx, cfg, db.Client)
	if err != nil {
		return err
	}

	if cfg.QueueBackend != "redis" {
		return fmt.Errorf("worker needs QUEUE_BACKEND=redis, the memory backend runs the pipeline inside the api")
	}
	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey, logger)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available, image frames will be skipped until it recovers", "error", err)
		} else {
			logger.Info("face service connected", "url", cfg.FaceServiceURL)
		}
	}

	src, err := pipeline.NewQueueSource(ctx, q, logger)
	if err != nil {
		return err
	}

	go stores.RefreshDirectory(ctx, 5*time.Minute, logger)

	runner := app.NewRunner(cfg, stores, logger, false, pipeline.WithRecognizer(face))
	logger.Info("worker started", "rooms", runner.Rooms())
	return runner.Run(ctx, src)
}
