package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openassets/solvency-backend/internal/blockchain"
	"github.com/openassets/solvency-backend/internal/cache"
	"github.com/openassets/solvency-backend/internal/config"
	"github.com/openassets/solvency-backend/internal/db"
	"github.com/openassets/solvency-backend/internal/domain/position"
	"github.com/openassets/solvency-backend/internal/jobs"
	"github.com/openassets/solvency-backend/internal/observability"
	postgresrepo "github.com/openassets/solvency-backend/internal/repository/postgres"
)

const missedCheckInterval = time.Minute

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, "worker")
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := cache.OpenRedis(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("failed to connect redis", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	gateway, err := blockchain.NewGatewayFromConfig(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build chain gateway", "err", err)
		os.Exit(1)
	}
	bgCtx, bgStop := context.WithCancel(context.Background())
	defer bgStop()
	go gateway.Run(bgCtx)

	outboxRepo := postgresrepo.NewOutboxRepository(pool)
	worker := jobs.NewWorker(outboxRepo, cache.NewEventBus(rdb))

	healthParams := position.HealthParams{
		LTVBPS: map[position.CollateralClass]int64{
			position.ClassA: cfg.LTVClassABPS,
			position.ClassB: cfg.LTVClassBBPS,
		},
		LiquidationThresholdBPS: cfg.LiquidationThresholdBPS,
	}
	ledger := position.NewService(postgresrepo.NewPositionRepository(pool), outboxRepo, gateway, healthParams, cfg.PeriodicRateBPS, logger)

	interval := cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	missedTicker := time.NewTicker(missedCheckInterval)
	defer missedTicker.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", "interval", interval.String(), "batch_size", cfg.WorkerBatchSize)
	for {
		select {
		case <-sigCtx.Done():
			logger.Info("worker stopped")
			return
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := worker.RunOnce(runCtx, cfg.WorkerBatchSize)
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker run failed", "err", err)
			}
		case <-missedTicker.C:
			runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := ledger.MarkMissedInstallments(runCtx)
			if err != nil {
				logger.Error("missed installment sweep failed", "err", err)
			} else if n > 0 {
				logger.Info("installments marked missed", "count", n)
			}
			accrued, err := ledger.AccrueInterest(runCtx)
			runCancel()
			if err != nil {
				logger.Error("interest accrual sweep failed", "err", err)
			} else if accrued > 0 {
				logger.Info("interest accrued on positions", "count", accrued)
			}
		}
	}
}
