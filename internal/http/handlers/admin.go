package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

// AdminLedger is the operator-only slice of the position service.
type AdminLedger interface {
	RevalueCollateral(ctx context.Context, token, valuationUSD string) ([]position.Entity, error)
	Liquidate(ctx context.Context, positionID uint64) (*position.Entity, string, error)
	GetLiquidatablePositions(ctx context.Context) ([]position.Entity, error)
}

type AdminHandler struct {
	ledger AdminLedger
}

func NewAdminHandler(ledger AdminLedger) *AdminHandler {
	return &AdminHandler{ledger: ledger}
}

func (h *AdminHandler) RevalueCollateral(c *gin.Context) {
	var req struct {
		Token        string `json:"token"`
		ValuationUSD string `json:"valuationUsd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}
	flagged, err := h.ledger.RevalueCollateral(c.Request.Context(), req.Token, req.ValuationUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liquidatable": toPositionDTOs(flagged)})
}

func (h *AdminHandler) Liquidate(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	entity, txHash, err := h.ledger.Liquidate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": txHash, "position": toPositionDTO(entity)})
}

func (h *AdminHandler) ListLiquidatable(c *gin.Context) {
	items, err := h.ledger.GetLiquidatablePositions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toPositionDTOs(items)})
}
