package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/arena"
	"github.com/darksquare/arena/internal/clock"
	"github.com/darksquare/arena/internal/config"
	"github.com/darksquare/arena/internal/engine"
	"github.com/darksquare/arena/internal/obslog"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	var repo arena.Repository
	if cfg.DatabaseURL != "" {
		pg, err := arena.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres init error", zap.Error(err))
		}
		repo = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		repo = arena.NewMemRepository()
	}
	defer repo.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis url error", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	offers := arena.NewRedisDrawOffers(rdb, cfg.DrawOfferTTL())

	clk := clock.System()
	svc := arena.NewService(repo, clk, cfg.TimeControls, cfg.Bots, offers)

	grace := time.Duration(cfg.EngineGraceMs) * time.Millisecond
	eng, err := engine.New(cfg.StockfishPath, cfg.EngineSessionsMax, grace)
	if err != nil {
		logger.Fatal("engine init error", zap.Error(err))
	}
	defer eng.Close()

	// Engine self-check: replay an empty game and make sure the
	// process answers before accepting work.
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
	startFEN, err := eng.PositionAfter(checkCtx, "startpos", nil)
	checkCancel()
	if err != nil {
		logger.Fatal("engine self-check failed", zap.Error(err))
	}
	logger.Info("engine ready",
		zap.String("binary", cfg.StockfishPath),
		zap.String("startpos", startFEN))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mover := arena.NewBotMover(ctx, svc, eng, arena.BotMoverConfig{
		DelayMin: time.Duration(cfg.BotDelayMinMs) * time.Millisecond,
		DelayMax: time.Duration(cfg.BotDelayMaxMs) * time.Millisecond,
	})
	svc.SetBotScheduler(mover)

	queue := arena.NewQueue(repo, svc, clk, arena.QueueConfig{
		BotFallbackAfter: cfg.BotFallbackAfter(),
		SweepInterval:    cfg.SweepInterval(),
	})
	go queue.Run(ctx)

	reconciler := arena.NewReconciler(repo, svc, clk, cfg.SweepInterval(), cfg.SweepIdleGrace())
	go reconciler.Run(ctx)

	logger.Info("arena server running",
		zap.Int("time_controls", len(cfg.TimeControls)),
		zap.Int("bots", len(cfg.Bots)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	mover.Wait()
}
