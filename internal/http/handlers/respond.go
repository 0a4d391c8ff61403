package handlers

import (
	"math/big"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/domain/partner"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

// respondError maps a domain error onto the wire envelope. Internal detail
// never leaves the process; codes do.
func respondError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	status := appErr.HTTPStatus()
	msg := appErr.Message
	if appErr.Kind == apperr.KindInternal {
		msg = "internal error"
	}
	c.JSON(status, gin.H{
		"statusCode": status,
		"message":    msg,
		"error":      appErr.Code,
	})
}

type positionDTO struct {
	ID               string  `json:"id"`
	PositionID       uint64  `json:"positionId"`
	Owner            string  `json:"owner"`
	Token            string  `json:"token"`
	CollateralClass  string  `json:"collateralClass"`
	CollateralAmount string  `json:"collateralAmount"`
	ValuationUSD     string  `json:"valuationUsd"`
	Principal        string  `json:"principal"`
	InterestAccrued  string  `json:"interestAccrued"`
	AmountRepaid     string  `json:"amountRepaid"`
	Outstanding      string  `json:"outstanding"`
	HealthFactorBPS  *string `json:"healthFactorBps"`
	Status           string  `json:"status"`
	InstallmentCount int32   `json:"installmentCount"`
	Confirmed        bool    `json:"confirmed"`
}

func toPositionDTO(e *position.Entity) positionDTO {
	dto := positionDTO{
		ID:               e.ID,
		PositionID:       e.PositionID,
		Owner:            e.Owner,
		Token:            e.Token,
		CollateralClass:  string(e.Class),
		CollateralAmount: bigText(e.CollateralAmount),
		ValuationUSD:     bigText(e.ValuationUSD),
		Principal:        bigText(e.Principal),
		InterestAccrued:  bigText(e.InterestAccrued),
		AmountRepaid:     bigText(e.Repaid),
		Outstanding:      e.Outstanding().String(),
		Status:           string(e.Status),
		InstallmentCount: e.Installments,
		Confirmed:        e.Confirmed,
	}
	if hf, ok := position.HealthFactor(e.ValuationUSD, e.Outstanding()); ok {
		s := hf.String()
		dto.HealthFactorBPS = &s
	}
	return dto
}

func toPositionDTOs(items []position.Entity) []positionDTO {
	out := make([]positionDTO, 0, len(items))
	for i := range items {
		out = append(out, toPositionDTO(&items[i]))
	}
	return out
}

type installmentDTO struct {
	Number    int32   `json:"number"`
	DueAt     string  `json:"dueAt"`
	Principal string  `json:"principal"`
	Interest  string  `json:"interest"`
	PaidSoFar string  `json:"paidSoFar"`
	Status    string  `json:"status"`
	PaidAt    *string `json:"paidAt"`
}

func toScheduleDTO(s *position.ScheduleSummary) gin.H {
	items := make([]installmentDTO, 0, len(s.Items))
	for _, item := range s.Items {
		dto := installmentDTO{
			Number:    item.Number,
			DueAt:     item.DueAt.UTC().Format(time.RFC3339),
			Principal: bigText(item.Principal),
			Interest:  bigText(item.Interest),
			PaidSoFar: bigText(item.PaidSoFar),
			Status:    string(item.Status),
		}
		if item.PaidAt != nil {
			paid := item.PaidAt.UTC().Format(time.RFC3339)
			dto.PaidAt = &paid
		}
		items = append(items, dto)
	}
	out := gin.H{
		"positionId":      s.PositionID,
		"durationSeconds": int64(s.Duration.Seconds()),
		"installments":    s.Installments,
		"intervalSeconds": int64(s.Interval.Seconds()),
		"paidCount":       s.PaidCount,
		"missedCount":     s.MissedCount,
		"totalInterest":   bigText(s.TotalInterest),
		"remainingDue":    bigText(s.RemainingDue),
		"items":           items,
	}
	if s.NextDueAt != nil {
		out["nextDueAt"] = s.NextDueAt.UTC().Format(time.RFC3339)
	}
	return out
}

type partnerLoanDTO struct {
	PartnerLoanID string `json:"partnerLoanId"`
	PositionID    uint64 `json:"positionId"`
	UserWallet    string `json:"userWallet"`
	Principal     string `json:"principal"`
	Status        string `json:"status"`
}

func toPartnerLoanDTO(l *partner.Loan) partnerLoanDTO {
	return partnerLoanDTO{
		PartnerLoanID: l.PartnerLoanID,
		PositionID:    l.PositionID,
		UserWallet:    l.UserWallet,
		Principal:     bigText(l.Principal),
		Status:        string(l.Status),
	}
}

func bigText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
