package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/auth"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

// PositionLedger is the handler-facing surface of the position service.
type PositionLedger interface {
	Deposit(ctx context.Context, in position.DepositInput) (*position.DepositIntent, error)
	Borrow(ctx context.Context, in position.BorrowInput) (*position.Entity, string, error)
	Repay(ctx context.Context, in position.RepayInput) (*position.Entity, string, error)
	Withdraw(ctx context.Context, in position.WithdrawInput) (*position.Entity, string, error)
	GetPosition(ctx context.Context, caller string, admin bool, positionID uint64) (*position.Entity, error)
	GetUserPositions(ctx context.Context, owner string, onlyActive bool) ([]position.Entity, error)
	GetSchedule(ctx context.Context, caller string, admin bool, positionID uint64) (*position.ScheduleSummary, error)
}

type SolvencyHandler struct {
	ledger PositionLedger
}

func NewSolvencyHandler(ledger PositionLedger) *SolvencyHandler {
	return &SolvencyHandler{ledger: ledger}
}

func callerIdentity(c *gin.Context) (wallet string, admin bool) {
	wallet = c.GetString("wallet")
	admin = c.GetString("user_role") == auth.RoleAdmin
	return wallet, admin
}

func positionIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("positionId")), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperr.Validation("invalid_position_id", "Position id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *SolvencyHandler) Deposit(c *gin.Context) {
	var req struct {
		Token        string `json:"token"`
		Class        string `json:"collateralClass"`
		Amount       string `json:"amount"`
		ValuationUSD string `json:"valuationUsd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}
	wallet, _ := callerIdentity(c)

	intent, err := h.ledger.Deposit(c.Request.Context(), position.DepositInput{
		Owner:        wallet,
		Token:        req.Token,
		Class:        req.Class,
		Amount:       req.Amount,
		ValuationUSD: req.ValuationUSD,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"depositRef": intent.Ref,
		"txHash":     intent.TxHash,
		"status":     string(intent.Status),
	})
}

func (h *SolvencyHandler) Borrow(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Amount          string `json:"amount"`
		DurationSeconds int64  `json:"durationSeconds"`
		Installments    int32  `json:"installments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}
	wallet, admin := callerIdentity(c)

	entity, txHash, err := h.ledger.Borrow(c.Request.Context(), position.BorrowInput{
		Caller:       wallet,
		Admin:        admin,
		PositionID:   id,
		Amount:       req.Amount,
		Duration:     time.Duration(req.DurationSeconds) * time.Second,
		Installments: req.Installments,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": txHash, "position": toPositionDTO(entity)})
}

func (h *SolvencyHandler) Repay(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}
	wallet, admin := callerIdentity(c)

	entity, txHash, err := h.ledger.Repay(c.Request.Context(), position.RepayInput{
		Caller:     wallet,
		Admin:      admin,
		PositionID: id,
		Amount:     req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": txHash, "position": toPositionDTO(entity)})
}

func (h *SolvencyHandler) Withdraw(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}
	wallet, admin := callerIdentity(c)

	entity, txHash, err := h.ledger.Withdraw(c.Request.Context(), position.WithdrawInput{
		Caller:     wallet,
		Admin:      admin,
		PositionID: id,
		Amount:     req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": txHash, "position": toPositionDTO(entity)})
}

func (h *SolvencyHandler) GetPosition(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	wallet, admin := callerIdentity(c)
	entity, err := h.ledger.GetPosition(c.Request.Context(), wallet, admin, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPositionDTO(entity))
}

func (h *SolvencyHandler) ListMyPositions(c *gin.Context) {
	wallet, _ := callerIdentity(c)
	onlyActive := strings.EqualFold(strings.TrimSpace(c.Query("active")), "true")
	items, err := h.ledger.GetUserPositions(c.Request.Context(), wallet, onlyActive)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toPositionDTOs(items)})
}

func (h *SolvencyHandler) GetSchedule(c *gin.Context) {
	id, ok := positionIDParam(c)
	if !ok {
		return
	}
	wallet, admin := callerIdentity(c)
	summary, err := h.ledger.GetSchedule(c.Request.Context(), wallet, admin, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScheduleDTO(summary))
}
