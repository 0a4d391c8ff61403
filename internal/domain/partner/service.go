package partner

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

// Ledger is the slice of the Position Ledger the gateway delegates to.
// Partners never bypass its state, LTV, or health checks.
type Ledger interface {
	Borrow(ctx context.Context, in position.BorrowInput) (*position.Entity, string, error)
	Repay(ctx context.Context, in position.RepayInput) (*position.Entity, string, error)
	RecordRepayment(ctx context.Context, positionID uint64, amount *big.Int, txHash string) (*position.Entity, error)
	GetUserPositions(ctx context.Context, owner string, onlyActive bool) ([]position.Entity, error)
}

type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash, expectedSender, expectedRecipient string, expectedAmount *big.Int, tokenAddress string) error
}

// LimitCounter tracks rolling daily borrow volume per partner.
type LimitCounter interface {
	AddDaily(ctx context.Context, partnerID string, amount int64) (int64, error)
	SubDaily(ctx context.Context, partnerID string, amount int64) error
}

type Service struct {
	repo       Repository
	ledger     Ledger
	verifier   TransferVerifier
	limits     LimitCounter
	stablecoin string
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(repo Repository, ledger Ledger, verifier TransferVerifier, limits LimitCounter, stablecoinToken string, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		ledger:     ledger,
		verifier:   verifier,
		limits:     limits,
		stablecoin: strings.ToLower(strings.TrimSpace(stablecoinToken)),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type BorrowInput struct {
	Partner       *Entity
	PartnerLoanID string
	UserWallet    string
	Amount        string
	Duration      time.Duration
	Installments  int32
}

// Borrow originates a loan on behalf of an end user. The partner loan id is
// reserved before the chain call so a duplicate request is rejected without
// side effects.
func (s *Service) Borrow(ctx context.Context, in BorrowInput) (*Loan, error) {
	loanID := strings.TrimSpace(in.PartnerLoanID)
	if loanID == "" {
		return nil, apperr.Validation("missing_partner_loan_id", "Partner loan id is required")
	}
	amount, err := position.ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, apperr.Validation("invalid_amount", "Borrow amount must be a positive base-unit integer")
	}

	if exists, err := s.repo.LoanExists(ctx, in.Partner.ID, loanID); err != nil {
		return nil, apperr.Internal(err)
	} else if exists {
		return nil, apperr.State("duplicate_partner_loan", "Partner loan %s already exists", loanID)
	}
	releaseDaily, err := s.checkLimits(ctx, in.Partner, amount)
	if err != nil {
		return nil, err
	}

	target, err := s.findBorrowablePosition(ctx, in.UserWallet)
	if err != nil {
		releaseDaily()
		return nil, err
	}

	reserved, err := s.repo.CreateLoan(ctx, Loan{
		PartnerID:     in.Partner.ID,
		PartnerLoanID: loanID,
		UserWallet:    strings.ToLower(strings.TrimSpace(in.UserWallet)),
		Principal:     new(big.Int),
		Status:        LoanActive,
		CreatedAt:     s.now(),
	})
	if err != nil {
		releaseDaily()
		return nil, apperr.State("duplicate_partner_loan", "Partner loan %s already exists", loanID)
	}

	_, _, err = s.ledger.Borrow(ctx, position.BorrowInput{
		Caller:       in.UserWallet,
		PositionID:   target.PositionID,
		Amount:       amount.String(),
		Duration:     in.Duration,
		Installments: in.Installments,
	})
	if err != nil {
		releaseDaily()
		if delErr := s.repo.DeleteLoan(ctx, reserved.ID); delErr != nil {
			s.logger.Error("loan reservation cleanup failed", "loan_id", reserved.ID, "err", delErr)
		}
		return nil, err
	}

	if err := s.repo.SetLoanPosition(ctx, reserved.ID, target.PositionID, amount); err != nil {
		return nil, apperr.Internal(err)
	}
	reserved.PositionID = target.PositionID
	reserved.Principal = amount
	return reserved, nil
}

type RepayWithTransferInput struct {
	Partner       *Entity
	PartnerLoanID string
	TxHash        string
	Amount        string
	UserWallet    string
}

// RepayWithTransfer credits a repayment the user already settled by token
// transfer to the partner's registered address. Verification failure leaves
// the ledger and the repayment history untouched.
func (s *Service) RepayWithTransfer(ctx context.Context, in RepayWithTransferInput) (*Loan, error) {
	amount, err := position.ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, apperr.Validation("invalid_amount", "Repayment amount must be a positive base-unit integer")
	}
	loan, err := s.getLoan(ctx, in.Partner, in.PartnerLoanID)
	if err != nil {
		return nil, err
	}

	txHash := strings.ToLower(strings.TrimSpace(in.TxHash))
	if exists, err := s.repo.RepaymentExists(ctx, txHash); err != nil {
		return nil, apperr.Internal(err)
	} else if exists {
		return nil, apperr.State("transfer_already_credited", "Transfer %s was already credited", txHash)
	}

	if err := s.verifier.VerifyTransfer(ctx, txHash, in.UserWallet, in.Partner.SettlementAddress, amount, s.stablecoin); err != nil {
		return nil, err
	}

	entity, err := s.ledger.RecordRepayment(ctx, loan.PositionID, amount, txHash)
	if err != nil {
		return nil, err
	}
	return s.recordHistory(ctx, loan, entity, amount, txHash)
}

type RepayInput struct {
	Partner       *Entity
	PartnerLoanID string
	Amount        string
}

// Repay is the legacy custody path: the partner's own wallet already holds
// the funds, so the repayment transaction is submitted by the gateway
// instead of verifying a user transfer.
func (s *Service) Repay(ctx context.Context, in RepayInput) (*Loan, error) {
	amount, err := position.ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, apperr.Validation("invalid_amount", "Repayment amount must be a positive base-unit integer")
	}
	loan, err := s.getLoan(ctx, in.Partner, in.PartnerLoanID)
	if err != nil {
		return nil, err
	}

	entity, txHash, err := s.ledger.Repay(ctx, position.RepayInput{
		Caller:     loan.UserWallet,
		PositionID: loan.PositionID,
		Amount:     amount.String(),
	})
	if err != nil {
		return nil, err
	}
	return s.recordHistory(ctx, loan, entity, amount, txHash)
}

func (s *Service) GetLoan(ctx context.Context, p *Entity, partnerLoanID string) (*Loan, []Repayment, error) {
	loan, err := s.getLoan(ctx, p, partnerLoanID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.repo.ListRepayments(ctx, loan.ID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	return loan, history, nil
}

func (s *Service) getLoan(ctx context.Context, p *Entity, partnerLoanID string) (*Loan, error) {
	loan, err := s.repo.GetLoan(ctx, p.ID, strings.TrimSpace(partnerLoanID))
	if err != nil {
		return nil, apperr.NotFound("partner_loan_not_found", "Partner loan %s not found", partnerLoanID)
	}
	return loan, nil
}

func (s *Service) recordHistory(ctx context.Context, loan *Loan, entity *position.Entity, amount *big.Int, txHash string) (*Loan, error) {
	if err := s.repo.AppendRepayment(ctx, Repayment{
		LoanID:    loan.ID,
		Amount:    amount,
		TxHash:    strings.ToLower(txHash),
		RepaidBy:  RepaidByPartner,
		CreatedAt: s.now(),
	}); err != nil {
		return nil, apperr.Internal(err)
	}

	status := mirrorStatus(entity.Status)
	if status != loan.Status {
		if err := s.repo.SetLoanStatus(ctx, loan.ID, status); err != nil {
			return nil, apperr.Internal(err)
		}
		loan.Status = status
	}
	return loan, nil
}

// checkLimits enforces the partner's total and daily principal limits. The
// returned release undoes the daily reservation when a later step fails; it
// is a no-op when no daily limit applies.
func (s *Service) checkLimits(ctx context.Context, p *Entity, amount *big.Int) (func(), error) {
	release := func() {}
	if !amount.IsInt64() {
		return nil, apperr.Capacity("partner_limit_exceeded", "Borrow amount exceeds partner limits")
	}
	if p.TotalLimit != nil && p.TotalLimit.Sign() > 0 {
		total, err := s.repo.SumPrincipal(ctx, p.ID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if new(big.Int).Add(total, amount).Cmp(p.TotalLimit) > 0 {
			return nil, apperr.Capacity("partner_total_limit_exceeded", "Borrow would exceed partner total limit. Limit: %s", p.TotalLimit.String())
		}
	}
	if p.DailyLimit != nil && p.DailyLimit.Sign() > 0 {
		used, err := s.limits.AddDaily(ctx, p.ID, amount.Int64())
		if err != nil {
			return nil, apperr.Internal(err)
		}
		release = func() {
			if err := s.limits.SubDaily(ctx, p.ID, amount.Int64()); err != nil {
				s.logger.Error("daily limit rollback failed", "partner_id", p.ID, "err", err)
			}
		}
		if !p.DailyLimit.IsInt64() || used > p.DailyLimit.Int64() {
			release()
			return nil, apperr.Capacity("partner_daily_limit_exceeded", "Borrow would exceed partner daily limit. Limit: %s", p.DailyLimit.String())
		}
	}
	return release, nil
}

// findBorrowablePosition picks the user's ACTIVE position without a loan.
func (s *Service) findBorrowablePosition(ctx context.Context, userWallet string) (*position.Entity, error) {
	positions, err := s.ledger.GetUserPositions(ctx, userWallet, true)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		p := &positions[i]
		if p.Status == position.StatusActive && !p.HasLoan() {
			return p, nil
		}
	}
	return nil, apperr.State("no_borrowable_position", "User %s has no active collateral position without a loan", userWallet)
}

func mirrorStatus(st position.Status) LoanStatus {
	switch st {
	case position.StatusRepaid, position.StatusClosed:
		return LoanRepaid
	case position.StatusLiquidated:
		return LoanLiquidated
	default:
		return LoanActive
	}
}
