package position

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openassets/solvency-backend/internal/apperr"
)

const outboxTopicNotify = "notify_position_event"

// ChainSubmitter is the narrow gateway capability the ledger needs. All
// implementations serialize submissions from the shared signing identity.
type ChainSubmitter interface {
	Deposit(ctx context.Context, ref, token string, amount *big.Int) (string, error)
	Borrow(ctx context.Context, positionID uint64, amount *big.Int) (string, error)
	Repay(ctx context.Context, positionID uint64, amount *big.Int) (string, error)
	Withdraw(ctx context.Context, positionID uint64, amount *big.Int) (string, error)
	Liquidate(ctx context.Context, positionID uint64) (string, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, topic string, payload []byte) error
}

// Service is the Position Ledger: the only writer of positions and
// installments. Mutations are serialized per position id.
type Service struct {
	repo    Repository
	outbox  OutboxRepository
	chain   ChainSubmitter
	health  HealthParams
	rateBPS int64
	locks   *positionLocks
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo Repository, outbox OutboxRepository, chain ChainSubmitter, health HealthParams, rateBPS int64, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		outbox:  outbox,
		chain:   chain,
		health:  health,
		rateBPS: rateBPS,
		locks:   newPositionLocks(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) HealthParams() HealthParams { return s.health }

type DepositInput struct {
	Owner        string
	Token        string
	Class        string
	Amount       string
	ValuationUSD string
}

// Deposit submits a collateral lock and records a tentative intent keyed by
// a fresh UUID ref. The position itself is created by reconciliation once
// the chain emits the matching CollateralLocked event.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (*DepositIntent, error) {
	class, ok := ParseClass(in.Class)
	if !ok {
		return nil, apperr.Validation("invalid_collateral_class", "Unknown collateral class %q", in.Class)
	}
	amount, err := ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, apperr.Validation("invalid_amount", "Collateral amount must be a positive base-unit integer")
	}
	valuation, err := ParseAmount(in.ValuationUSD)
	if err != nil || valuation.Sign() == 0 {
		return nil, apperr.Validation("invalid_valuation", "USD valuation must be a positive base-unit integer")
	}
	if strings.TrimSpace(in.Token) == "" || strings.TrimSpace(in.Owner) == "" {
		return nil, apperr.Validation("missing_field", "Token address and owner are required")
	}

	ref := uuid.NewString()
	txHash, err := s.chain.Deposit(ctx, ref, in.Token, amount)
	if err != nil {
		return nil, err
	}

	intent := DepositIntent{
		Ref:          ref,
		Owner:        strings.ToLower(strings.TrimSpace(in.Owner)),
		Token:        strings.ToLower(strings.TrimSpace(in.Token)),
		Class:        class,
		Amount:       amount,
		ValuationUSD: valuation,
		TxHash:       txHash,
		Status:       DepositSubmitted,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateDepositIntent(ctx, intent); err != nil {
		return nil, apperr.Internal(err)
	}
	return &intent, nil
}

type BorrowInput struct {
	Caller       string
	Admin        bool
	PositionID   uint64
	Amount       string
	Duration     time.Duration
	Installments int32
}

// Borrow validates state and LTV capacity, submits the borrow through the
// gateway, and then optimistically records the loan plus its installment
// schedule. The per-position lock is held across the submission so the
// capacity decision cannot go stale.
func (s *Service) Borrow(ctx context.Context, in BorrowInput) (*Entity, string, error) {
	amount, err := ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, "", apperr.Validation("invalid_amount", "Borrow amount must be a positive base-unit integer")
	}
	if in.Installments < 1 {
		return nil, "", apperr.Validation("invalid_installments", "Installment count must be at least 1")
	}
	if in.Duration <= 0 {
		return nil, "", apperr.Validation("invalid_duration", "Loan duration must be positive")
	}

	unlock := s.locks.lock(in.PositionID)
	defer unlock()

	entity, err := s.getOwned(ctx, in.Caller, in.Admin, in.PositionID)
	if err != nil {
		return nil, "", err
	}
	if entity.Status != StatusActive {
		return nil, "", apperr.State("position_not_active", "Position %d is %s; borrowing requires ACTIVE", in.PositionID, entity.Status)
	}
	if entity.HasLoan() {
		return nil, "", apperr.State("loan_already_active", "Position %d already has an outstanding loan", in.PositionID)
	}

	max := s.health.MaxBorrowable(entity.Class, entity.ValuationUSD)
	requested := new(big.Int).Add(entity.Principal, amount)
	if requested.Cmp(max) > 0 {
		return nil, "", apperr.Capacity("ltv_exceeded", "Borrow amount exceeds collateral capacity. Max: %s, Requested: %s", max.String(), requested.String())
	}

	txHash, err := s.chain.Borrow(ctx, in.PositionID, amount)
	if err != nil {
		return nil, "", err
	}

	interval := in.Duration / time.Duration(in.Installments)
	items := BuildSchedule(amount, s.rateBPS, s.now(), interval, in.Installments)

	// Interest lives in the schedule and accrues as installments fall due;
	// debt at the borrow instant is exactly the principal.
	if err := s.repo.SaveLoan(ctx, in.PositionID, amount, new(big.Int), in.Duration, in.Installments, StatusActive); err != nil {
		return nil, "", apperr.Internal(err)
	}
	if err := s.repo.CreateSchedule(ctx, in.PositionID, items); err != nil {
		return nil, "", apperr.Internal(err)
	}
	s.appendEntry(ctx, in.PositionID, EntryBorrow, amount, txHash)
	s.notify(ctx, in.PositionID, entity.Owner, EntryBorrow, amount, StatusActive)

	entity.Principal = amount
	entity.InterestAccrued = new(big.Int)
	entity.LoanDuration = in.Duration
	entity.Installments = in.Installments
	return entity, txHash, nil
}

type RepayInput struct {
	Caller     string
	Admin      bool
	PositionID uint64
	Amount     string
}

// Repay submits the repayment through the gateway on behalf of the owner
// and applies it to the ledger.
func (s *Service) Repay(ctx context.Context, in RepayInput) (*Entity, string, error) {
	amount, err := ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, "", apperr.Validation("invalid_amount", "Repayment amount must be a positive base-unit integer")
	}

	unlock := s.locks.lock(in.PositionID)
	defer unlock()

	entity, err := s.getOwned(ctx, in.Caller, in.Admin, in.PositionID)
	if err != nil {
		return nil, "", err
	}
	if entity.Status != StatusActive || !entity.HasLoan() {
		return nil, "", apperr.State("no_active_loan", "Position %d has no active loan to repay", in.PositionID)
	}

	txHash, err := s.chain.Repay(ctx, in.PositionID, amount)
	if err != nil {
		return nil, "", err
	}
	updated, err := s.recordRepaymentLocked(ctx, entity, amount, txHash)
	if err != nil {
		return nil, "", err
	}
	return updated, txHash, nil
}

// RecordRepayment credits a repayment that already happened on-chain (the
// partner transfer path). The caller is responsible for verifying the
// transfer; idempotency rides on the entry's tx-hash uniqueness.
func (s *Service) RecordRepayment(ctx context.Context, positionID uint64, amount *big.Int, txHash string) (*Entity, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperr.Validation("invalid_amount", "Repayment amount must be positive")
	}

	unlock := s.locks.lock(positionID)
	defer unlock()

	entity, err := s.get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if entity.Status != StatusActive || !entity.HasLoan() {
		return nil, apperr.State("no_active_loan", "Position %d has no active loan to repay", positionID)
	}
	return s.recordRepaymentLocked(ctx, entity, amount, txHash)
}

// recordRepaymentLocked applies a payment with the interest-first waterfall
// and walks the installment schedule. Caller holds the position lock.
func (s *Service) recordRepaymentLocked(ctx context.Context, entity *Entity, amount *big.Int, txHash string) (*Entity, error) {
	items, err := s.repo.GetSchedule(ctx, entity.PositionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	// Overpayments are capped at what the schedule still owes; covering it
	// in full settles every installment, early-paid interest included.
	remaining := RemainingDue(items)
	if len(items) == 0 {
		remaining = entity.Outstanding()
	}
	applied := amount
	if amount.Cmp(remaining) > 0 {
		applied = remaining
	}

	now := s.now()
	changed := ApplyPayment(items, applied, now)
	for _, num := range changed {
		item := items[num-1]
		if err := s.repo.SaveInstallment(ctx, entity.PositionID, item.Number, item.PaidSoFar, item.Status, item.PaidAt); err != nil {
			return nil, apperr.Internal(err)
		}
	}

	entity.Repaid = new(big.Int).Add(entity.Repaid, applied)
	if len(items) > 0 {
		entity.InterestAccrued = AccruedInterest(items, now)
	}
	status := entity.Status
	if entity.Outstanding().Sign() == 0 {
		status = StatusRepaid
		entity.Status = StatusRepaid
	}
	if err := s.repo.SaveRepayment(ctx, entity.PositionID, entity.Repaid, entity.InterestAccrued, status); err != nil {
		return nil, apperr.Internal(err)
	}
	s.appendEntry(ctx, entity.PositionID, EntryRepayment, applied, txHash)
	s.notify(ctx, entity.PositionID, entity.Owner, EntryRepayment, applied, status)
	return entity, nil
}

type WithdrawInput struct {
	Caller     string
	Admin      bool
	PositionID uint64
	Amount     string
}

// Withdraw releases collateral. Only permitted when the outstanding debt is
// zero; withdrawing the full remaining collateral closes the position.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (*Entity, string, error) {
	amount, err := ParseAmount(in.Amount)
	if err != nil || amount.Sign() == 0 {
		return nil, "", apperr.Validation("invalid_amount", "Withdrawal amount must be a positive base-unit integer")
	}

	unlock := s.locks.lock(in.PositionID)
	defer unlock()

	entity, err := s.getOwned(ctx, in.Caller, in.Admin, in.PositionID)
	if err != nil {
		return nil, "", err
	}
	if entity.Status != StatusActive && entity.Status != StatusRepaid {
		return nil, "", apperr.State("position_not_withdrawable", "Position %d is %s; withdrawal requires ACTIVE or REPAID", in.PositionID, entity.Status)
	}
	if entity.Outstanding().Sign() != 0 {
		return nil, "", apperr.State("outstanding_debt", "Position %d has outstanding debt %s; repay before withdrawing", in.PositionID, entity.Outstanding().String())
	}
	if amount.Cmp(entity.CollateralAmount) > 0 {
		return nil, "", apperr.Validation("insufficient_collateral", "Withdrawal exceeds collateral. Available: %s, Requested: %s", entity.CollateralAmount.String(), amount.String())
	}

	txHash, err := s.chain.Withdraw(ctx, in.PositionID, amount)
	if err != nil {
		return nil, "", err
	}

	remaining := new(big.Int).Sub(entity.CollateralAmount, amount)
	status := entity.Status
	if remaining.Sign() == 0 {
		status = StatusClosed
	}
	if err := s.repo.SaveCollateral(ctx, in.PositionID, remaining, status); err != nil {
		return nil, "", apperr.Internal(err)
	}
	s.appendEntry(ctx, in.PositionID, EntryWithdrawal, amount, txHash)
	s.notify(ctx, in.PositionID, entity.Owner, EntryWithdrawal, amount, status)

	entity.CollateralAmount = remaining
	entity.Status = status
	return entity, txHash, nil
}

// Liquidate is the explicit admin action. The evaluator predicate must hold
// at the moment of the call; eligibility alone never liquidates.
func (s *Service) Liquidate(ctx context.Context, positionID uint64) (*Entity, string, error) {
	unlock := s.locks.lock(positionID)
	defer unlock()

	entity, err := s.get(ctx, positionID)
	if err != nil {
		return nil, "", err
	}
	if entity.Status != StatusActive {
		return nil, "", apperr.State("position_not_active", "Position %d is %s; only ACTIVE positions can be liquidated", positionID, entity.Status)
	}
	if !s.health.Liquidatable(entity.ValuationUSD, entity.Outstanding()) {
		return nil, "", apperr.State("position_healthy", "Position %d is above the liquidation threshold", positionID)
	}

	txHash, err := s.chain.Liquidate(ctx, positionID)
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.SetStatus(ctx, positionID, StatusLiquidated); err != nil {
		return nil, "", apperr.Internal(err)
	}
	s.appendEntry(ctx, positionID, EntryLiquidate, new(big.Int), txHash)
	s.notify(ctx, positionID, entity.Owner, EntryLiquidate, nil, StatusLiquidated)

	entity.Status = StatusLiquidated
	return entity, txHash, nil
}

// RevalueCollateral applies an admin revaluation to every open position
// holding the token and returns the ones the evaluator now flags. Safe to
// run repeatedly.
func (s *Service) RevalueCollateral(ctx context.Context, token, valuationUSD string) ([]Entity, error) {
	valuation, err := ParseAmount(valuationUSD)
	if err != nil || valuation.Sign() == 0 {
		return nil, apperr.Validation("invalid_valuation", "USD valuation must be a positive base-unit integer")
	}

	open, err := s.repo.ListOpenByToken(ctx, strings.ToLower(strings.TrimSpace(token)))
	if err != nil {
		return nil, apperr.Internal(err)
	}

	flagged := make([]Entity, 0)
	for _, entity := range open {
		unlock := s.locks.lock(entity.PositionID)
		if err := s.repo.SaveValuation(ctx, entity.PositionID, valuation); err != nil {
			unlock()
			return nil, apperr.Internal(err)
		}
		entity.ValuationUSD = valuation
		if s.health.Liquidatable(entity.ValuationUSD, entity.Outstanding()) {
			flagged = append(flagged, entity)
		}
		unlock()
	}
	return flagged, nil
}

func (s *Service) GetPosition(ctx context.Context, caller string, admin bool, positionID uint64) (*Entity, error) {
	return s.getOwned(ctx, caller, admin, positionID)
}

func (s *Service) GetUserPositions(ctx context.Context, owner string, onlyActive bool) ([]Entity, error) {
	items, err := s.repo.ListByOwner(ctx, strings.ToLower(strings.TrimSpace(owner)), onlyActive)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return items, nil
}

// GetLiquidatablePositions scans open positions through the evaluator. Pure
// flagging; nothing transitions state here.
func (s *Service) GetLiquidatablePositions(ctx context.Context) ([]Entity, error) {
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]Entity, 0)
	for _, entity := range open {
		if entity.Status != StatusActive {
			continue
		}
		if s.health.Liquidatable(entity.ValuationUSD, entity.Outstanding()) {
			out = append(out, entity)
		}
	}
	return out, nil
}

func (s *Service) GetSchedule(ctx context.Context, caller string, admin bool, positionID uint64) (*ScheduleSummary, error) {
	entity, err := s.getOwned(ctx, caller, admin, positionID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.GetSchedule(ctx, positionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	interval := time.Duration(0)
	if entity.Installments > 0 {
		interval = entity.LoanDuration / time.Duration(entity.Installments)
	}
	summary := Summarize(positionID, entity.LoanDuration, interval, items)
	return &summary, nil
}

// MarkMissedInstallments flips overdue PENDING installments to MISSED. Run
// from the background worker; a missed installment never liquidates by
// itself.
func (s *Service) MarkMissedInstallments(ctx context.Context) (int64, error) {
	n, err := s.repo.MarkMissedDue(ctx, s.now())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

// AccrueInterest charges due-period interest into the positions' debt. Run
// from the background worker on the same cadence as the missed sweep.
func (s *Service) AccrueInterest(ctx context.Context) (int64, error) {
	n, err := s.repo.AccrueDueInterest(ctx, s.now())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

func (s *Service) get(ctx context.Context, positionID uint64) (*Entity, error) {
	entity, err := s.repo.GetByPositionID(ctx, positionID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("position_not_found", "Position %d not found", positionID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return entity, nil
}

func (s *Service) getOwned(ctx context.Context, caller string, admin bool, positionID uint64) (*Entity, error) {
	entity, err := s.get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !admin && !strings.EqualFold(entity.Owner, strings.TrimSpace(caller)) {
		return nil, apperr.Authorization("not_position_owner", "Caller does not own position %d", positionID)
	}
	return entity, nil
}

// appendEntry writes the tentative audit row for a gateway-submitted
// mutation. LogIndex is zero until reconciliation confirms the event.
func (s *Service) appendEntry(ctx context.Context, positionID uint64, kind EntryKind, amount *big.Int, txHash string) {
	err := s.repo.AppendEntry(ctx, Entry{
		PositionID: positionID,
		Kind:       kind,
		Amount:     amountOrZero(amount),
		TxHash:     strings.ToLower(txHash),
		Confirmed:  false,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Error("append position entry failed", "position_id", positionID, "kind", kind, "err", err)
	}
}

// notify is fire-and-forget: a failed enqueue is logged and never rolls
// back the ledger mutation it describes.
func (s *Service) notify(ctx context.Context, positionID uint64, owner string, kind EntryKind, amount *big.Int, status Status) {
	payload, _ := json.Marshal(map[string]any{
		"position_id": positionID,
		"owner":       owner,
		"kind":        kind,
		"amount":      amountOrZero(amount).String(),
		"status":      status,
	})
	if err := s.outbox.Enqueue(ctx, outboxTopicNotify, payload); err != nil {
		s.logger.Error("notification enqueue failed", "position_id", positionID, "kind", kind, "err", err)
	}
}
