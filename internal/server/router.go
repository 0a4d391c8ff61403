package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openassets/solvency-backend/internal/auth"
	"github.com/openassets/solvency-backend/internal/config"
	"github.com/openassets/solvency-backend/internal/http/handlers"
	"github.com/openassets/solvency-backend/internal/http/middleware"
	"github.com/openassets/solvency-backend/internal/observability"
	"github.com/openassets/solvency-backend/internal/version"
	"github.com/openassets/solvency-backend/internal/ws"
)

type Dependencies struct {
	Pinger          handlers.Pinger
	SolvencyHandler *handlers.SolvencyHandler
	PartnerHandler  *handlers.PartnerHandler
	AdminHandler    *handlers.AdminHandler
	PartnerLookup   middleware.PartnerLookup
	JWTManager      *auth.JWTManager
	Metrics         *observability.Metrics
	WSHandler       *ws.Handler
}

func NewRouter(cfg config.Config, logger *slog.Logger, deps Dependencies) *gin.Engine {
	if cfg.Env == "prod" || cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestBodyLimit(1 << 20))
	r.Use(func(c *gin.Context) {
		logger.Info("request", "method", c.Request.Method, "path", c.Request.URL.Path)
		c.Next()
	})

	health := handlers.NewHealthHandler(deps.Pinger)
	meta := handlers.NewMetaHandler(cfg.Env, version.Version)

	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.GET("/v1/meta", meta.GetMeta)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if deps.WSHandler != nil {
		r.GET("/v1/ws", deps.WSHandler.HandleWebSocket)
	}

	if deps.SolvencyHandler != nil && deps.JWTManager != nil {
		solvency := r.Group("/v1/solvency")
		solvency.Use(middleware.RequireAuth(deps.JWTManager))
		solvency.POST("/deposit", deps.SolvencyHandler.Deposit)
		solvency.GET("/positions/my", deps.SolvencyHandler.ListMyPositions)
		solvency.GET("/positions/:positionId", deps.SolvencyHandler.GetPosition)
		solvency.GET("/positions/:positionId/schedule", deps.SolvencyHandler.GetSchedule)
		solvency.POST("/positions/:positionId/borrow", deps.SolvencyHandler.Borrow)
		solvency.POST("/positions/:positionId/repay", deps.SolvencyHandler.Repay)
		solvency.POST("/positions/:positionId/withdraw", deps.SolvencyHandler.Withdraw)
	}

	if deps.PartnerHandler != nil && deps.PartnerLookup != nil {
		partners := r.Group("/v1/partners")
		partners.Use(middleware.RequirePartner(deps.PartnerLookup))
		partners.POST("/loans", deps.PartnerHandler.Borrow)
		partners.GET("/loans/:partnerLoanId", deps.PartnerHandler.GetLoan)
		partners.POST("/loans/repay", deps.PartnerHandler.Repay)
		partners.POST("/loans/repay-with-transfer", deps.PartnerHandler.RepayWithTransfer)
	}

	if deps.AdminHandler != nil && deps.JWTManager != nil {
		admin := r.Group("/v1/admin")
		admin.Use(middleware.RequireAuth(deps.JWTManager), middleware.RequireRole(auth.RoleAdmin))
		admin.POST("/collateral/revalue", deps.AdminHandler.RevalueCollateral)
		admin.GET("/positions/liquidatable", deps.AdminHandler.ListLiquidatable)
		admin.POST("/positions/:positionId/liquidate", deps.AdminHandler.Liquidate)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
