package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openassets/solvency-backend/internal/blockchain"
	"github.com/openassets/solvency-backend/internal/config"
	"github.com/openassets/solvency-backend/internal/db"
	"github.com/openassets/solvency-backend/internal/domain/position"
	"github.com/openassets/solvency-backend/internal/indexer"
	"github.com/openassets/solvency-backend/internal/observability"
	postgresrepo "github.com/openassets/solvency-backend/internal/repository/postgres"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, "indexer")
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.ChainHTTPRPC == "" {
		logger.Error("CHAIN_HTTP_RPC is required for the indexer")
		os.Exit(1)
	}
	rpc, err := blockchain.NewJSONRPCClient(cfg.ChainHTTPRPC)
	if err != nil {
		logger.Error("failed to build chain client", "err", err)
		os.Exit(1)
	}

	gateway, err := blockchain.NewGatewayFromConfig(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build chain gateway", "err", err)
		os.Exit(1)
	}
	bgCtx, bgStop := context.WithCancel(context.Background())
	defer bgStop()
	go gateway.Run(bgCtx)

	idxRepo := postgresrepo.NewIndexerRepository(pool)
	ingestion := indexer.NewIngestionService(idxRepo, rpc, cfg.SolvencyContract, cfg.IndexerStartBlock, cfg.IndexerBlockBatch, cfg.IndexerConfirmations)

	healthParams := position.HealthParams{
		LTVBPS: map[position.CollateralClass]int64{
			position.ClassA: cfg.LTVClassABPS,
			position.ClassB: cfg.LTVClassBBPS,
		},
		LiquidationThresholdBPS: cfg.LiquidationThresholdBPS,
	}
	ledger := position.NewService(
		postgresrepo.NewPositionRepository(pool),
		postgresrepo.NewOutboxRepository(pool),
		gateway,
		healthParams,
		cfg.PeriodicRateBPS,
		logger,
	)
	reconciler := indexer.NewService(idxRepo, ledger, logger, metrics)

	interval := cfg.IndexerPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("indexer started", "interval", interval.String(), "start_block", cfg.IndexerStartBlock)
	for {
		select {
		case <-sigCtx.Done():
			logger.Info("indexer stopped")
			return
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(context.Background(), 60*time.Second)
			if err := ingestion.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ingestion run failed", "err", err)
			}
			if err := reconciler.RunOnce(runCtx, 100); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reconciliation run failed", "err", err)
			}
			runCancel()
		}
	}
}
