package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openassets/solvency-backend/internal/auth"
	"github.com/openassets/solvency-backend/internal/blockchain"
	"github.com/openassets/solvency-backend/internal/cache"
	"github.com/openassets/solvency-backend/internal/config"
	"github.com/openassets/solvency-backend/internal/db"
	"github.com/openassets/solvency-backend/internal/domain/partner"
	"github.com/openassets/solvency-backend/internal/domain/position"
	"github.com/openassets/solvency-backend/internal/http/handlers"
	"github.com/openassets/solvency-backend/internal/jobs"
	"github.com/openassets/solvency-backend/internal/observability"
	postgresrepo "github.com/openassets/solvency-backend/internal/repository/postgres"
	"github.com/openassets/solvency-backend/internal/server"
	"github.com/openassets/solvency-backend/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, "api")
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

	var reader blockchain.ChainReader
	if cfg.ChainHTTPRPC != "" {
		client, err := blockchain.NewJSONRPCClient(cfg.ChainHTTPRPC)
		if err != nil {
			logger.Error("failed to build chain client", "err", err)
			os.Exit(1)
		}
		reader = client
	}
	verifier := blockchain.NewVerifier(reader, metrics)

	healthParams := position.HealthParams{
		LTVBPS: map[position.CollateralClass]int64{
			position.ClassA: cfg.LTVClassABPS,
			position.ClassB: cfg.LTVClassBBPS,
		},
		LiquidationThresholdBPS: cfg.LiquidationThresholdBPS,
	}

	positionRepo := postgresrepo.NewPositionRepository(pool)
	outboxRepo := postgresrepo.NewOutboxRepository(pool)
	partnerRepo := postgresrepo.NewPartnerRepository(pool)

	ledger := position.NewService(positionRepo, outboxRepo, gateway, healthParams, cfg.PeriodicRateBPS, logger)
	partnerService := partner.NewService(partnerRepo, ledger, verifier, cache.NewDailyLimits(rdb), cfg.StablecoinToken, logger)

	jwtManager := auth.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningKey)

	hub := ws.NewHub()
	sink := ws.NewSink(hub)
	bus := cache.NewEventBus(rdb)
	go func() {
		if err := bus.Listen(bgCtx, func(ev jobs.PositionEvent) {
			if err := sink.NotifyPositionEvent(bgCtx, ev); err != nil {
				logger.Error("websocket fanout failed", "position_id", ev.PositionID, "err", err)
			}
		}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event bus listener stopped", "err", err)
		}
	}()

	r := server.NewRouter(cfg, logger, server.Dependencies{
		Pinger:          pool,
		SolvencyHandler: handlers.NewSolvencyHandler(ledger),
		PartnerHandler:  handlers.NewPartnerHandler(partnerService),
		AdminHandler:    handlers.NewAdminHandler(ledger),
		PartnerLookup:   partnerRepo,
		JWTManager:      jwtManager,
		Metrics:         metrics,
		WSHandler:       ws.NewHandler(hub),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server starting", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api server stopped")
}
