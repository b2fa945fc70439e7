package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"roomattend/internal/app"
	"roomattend/internal/attendance"
	"roomattend/internal/config"
	"roomattend/internal/faceclient"
	"roomattend/internal/pipeline"
	"roomattend/internal/queue"
	"roomattend/internal/store"
)

// maxBacklog is the queued frame count past which /healthz reports the
// worker as falling behind.
const maxBacklog = 10000

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := runHTTP(cfg, logger); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("db not reachable, logs kept in memory", "error", err)
		_ = db.Close()
		db = nil
	} else if err := db.Migrate(ctx); err != nil {
		return err
	}
	defer db.Close()

	var sqlDB *sql.DB
	if db != nil {
		sqlDB = db.Client
	}
	stores, err := app.LoadStores(ctx, cfg, sqlDB)
	if err != nil {
		return err
	}

	srv := &server{
		cfg:    cfg,
		log:    logger,
		checks: map[string]HealthCheck{"db": db.Healthy},
	}

	var devices attendance.DeviceRegistry
	if db != nil {
		repo := attendance.NewRepository(db.Client)
		devices = repo
		srv.tokens = repo
	}
	srv.att = attendance.NewService(stores.Logs, devices, cfg.Rooms)

	pipelineDone := make(chan error, 1)
	if cfg.QueueBackend == "memory" {
		q := queue.NewInMemory(256)
		srv.frames = q
		face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
		runner := app.NewRunner(cfg, stores, logger, false, pipeline.WithRecognizer(face))
		src, err := pipeline.NewQueueSource(ctx, q, logger)
		if err != nil {
			return err
		}
		go stores.RefreshDirectory(ctx, 5*time.Minute, logger)
		go func() { pipelineDone <- runner.Run(ctx, src) }()
		logger.Info("pipeline running in-process", "rooms", runner.Rooms())
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		srv.frames = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey, logger)
		srv.checks["redis"] = redisClient.Healthy
		srv.checks["queue"] = redisClient.QueueCheck(queue.DefaultKey, maxBacklog)
		close(pipelineDone)
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      newRouter(srv),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "queue", cfg.QueueBackend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	if err := <-pipelineDone; err != nil {
		logger.Error("pipeline stopped with error", "error", err)
	}

	logger.Info("server exited")
	return nil
}
