package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/domain/partner"
)

// PartnerGateway is the handler-facing surface of the partner service.
type PartnerGateway interface {
	Borrow(ctx context.Context, in partner.BorrowInput) (*partner.Loan, error)
	Repay(ctx context.Context, in partner.RepayInput) (*partner.Loan, error)
	RepayWithTransfer(ctx context.Context, in partner.RepayWithTransferInput) (*partner.Loan, error)
	GetLoan(ctx context.Context, p *partner.Entity, partnerLoanID string) (*partner.Loan, []partner.Repayment, error)
}

type PartnerHandler struct {
	gateway PartnerGateway
}

func NewPartnerHandler(gateway PartnerGateway) *PartnerHandler {
	return &PartnerHandler{gateway: gateway}
}

func partnerFromContext(c *gin.Context) (*partner.Entity, bool) {
	v, ok := c.Get("partner")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	entity, ok := v.(*partner.Entity)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return entity, true
}

func (h *PartnerHandler) Borrow(c *gin.Context) {
	entity, ok := partnerFromContext(c)
	if !ok {
		return
	}
	var req struct {
		PartnerLoanID   string `json:"partnerLoanId"`
		UserWallet      string `json:"userWallet"`
		Amount          string `json:"amount"`
		DurationSeconds int64  `json:"durationSeconds"`
		Installments    int32  `json:"installments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}

	loan, err := h.gateway.Borrow(c.Request.Context(), partner.BorrowInput{
		Partner:       entity,
		PartnerLoanID: req.PartnerLoanID,
		UserWallet:    req.UserWallet,
		Amount:        req.Amount,
		Duration:      time.Duration(req.DurationSeconds) * time.Second,
		Installments:  req.Installments,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPartnerLoanDTO(loan))
}

func (h *PartnerHandler) Repay(c *gin.Context) {
	entity, ok := partnerFromContext(c)
	if !ok {
		return
	}
	var req struct {
		PartnerLoanID string `json:"partnerLoanId"`
		Amount        string `json:"repaymentAmount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}

	loan, err := h.gateway.Repay(c.Request.Context(), partner.RepayInput{
		Partner:       entity,
		PartnerLoanID: req.PartnerLoanID,
		Amount:        req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPartnerLoanDTO(loan))
}

func (h *PartnerHandler) RepayWithTransfer(c *gin.Context) {
	entity, ok := partnerFromContext(c)
	if !ok {
		return
	}
	var req struct {
		PartnerLoanID string `json:"partnerLoanId"`
		Amount        string `json:"repaymentAmount"`
		TxHash        string `json:"transferTxHash"`
		UserWallet    string `json:"userWallet"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid_request", "Malformed request body"))
		return
	}

	loan, err := h.gateway.RepayWithTransfer(c.Request.Context(), partner.RepayWithTransferInput{
		Partner:       entity,
		PartnerLoanID: req.PartnerLoanID,
		Amount:        req.Amount,
		TxHash:        req.TxHash,
		UserWallet:    req.UserWallet,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPartnerLoanDTO(loan))
}

func (h *PartnerHandler) GetLoan(c *gin.Context) {
	entity, ok := partnerFromContext(c)
	if !ok {
		return
	}
	loan, history, err := h.gateway.GetLoan(c.Request.Context(), entity, c.Param("partnerLoanId"))
	if err != nil {
		respondError(c, err)
		return
	}
	repayments := make([]gin.H, 0, len(history))
	for _, rep := range history {
		repayments = append(repayments, gin.H{
			"amount":    bigText(rep.Amount),
			"txHash":    rep.TxHash,
			"repaidBy":  string(rep.RepaidBy),
			"createdAt": rep.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"loan": toPartnerLoanDTO(loan), "repayments": repayments})
}
