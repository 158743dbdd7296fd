package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/0t4v14n0/medmais-scheduling/internal/config"
	"github.com/0t4v14n0/medmais-scheduling/internal/db"
	"github.com/0t4v14n0/medmais-scheduling/internal/logging"
	redisclient "github.com/0t4v14n0/medmais-scheduling/internal/redis"
	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("noshow-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("schedule", cfg.SweepSchedule),
		zap.Duration("grace", cfg.NoShowGrace))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	repo := schedule.NewPgRepository(pgPool)
	locker := redisclient.NewCalendarLocker(rdb, cfg.LockTTL)
	svc := schedule.NewService(repo, locker, nil, logger, cfg)

	// Run once at startup, then on the cron schedule
	runOnce(rootCtx, svc, logger)

	c := cron.New()
	if _, err := c.AddFunc(cfg.SweepSchedule, func() {
		runOnce(rootCtx, svc, logger)
	}); err != nil {
		logger.Fatal("invalid sweep schedule", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping noshow-worker")

	<-c.Stop().Done()
}

func runOnce(ctx context.Context, svc *schedule.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := svc.SweepNoShows(runCtx)
	if err != nil {
		logger.Error("sweep run error", zap.Error(err))
		return
	}
	logger.Info("sweep run complete",
		zap.Int("swept", swept),
		zap.Duration("took", time.Since(start)))
}
