package position

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// EventRef identifies one on-chain event: the reconciliation dedupe key.
type EventRef struct {
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
}

type CollateralLockedEvent struct {
	Ref        EventRef
	PositionID uint64
	DepositRef string
	Owner      string
	Token      string
	Amount     *big.Int
}

// Every Apply* follows the same shape: check the dedupe key read-only, apply
// the state mutations, and only then write the confirmed marker. The marker
// is written last so a transient failure mid-apply leaves the event
// unconfirmed and the next delivery retries the whole mutation. The boolean
// result reports a duplicate delivery that was dropped.

// ApplyCollateralLocked creates the confirmed mirror of a position from the
// deposit intent matching the event's ref. Replays and duplicate deliveries
// are no-ops.
func (s *Service) ApplyCollateralLocked(ctx context.Context, ev CollateralLockedEvent) (bool, error) {
	unlock := s.locks.lock(ev.PositionID)
	defer unlock()

	done, err := s.alreadyApplied(ctx, ev.Ref)
	if err != nil || done {
		return done, err
	}

	if existing, err := s.repo.GetByPositionID(ctx, ev.PositionID); err == nil {
		if existing.ID != "" && !strings.EqualFold(existing.CreateTxHash, ev.Ref.TxHash) {
			return false, fmt.Errorf("position %d already mapped to tx %s, refusing divergent %s", ev.PositionID, existing.CreateTxHash, ev.Ref.TxHash)
		}
		// The position exists but the marker is missing: a prior delivery
		// failed partway. Re-run the confirmation steps.
		if intent, err := s.repo.GetDepositIntent(ctx, ev.DepositRef); err == nil && intent.Status != DepositConfirmed {
			if err := s.repo.ConfirmDepositIntent(ctx, intent.Ref); err != nil {
				return false, err
			}
		}
		if _, err := s.confirmEntry(ctx, ev.PositionID, EntryDeposit, ev.Amount, ev.Ref); err != nil {
			return false, err
		}
		return false, nil
	}

	intent, err := s.repo.GetDepositIntent(ctx, ev.DepositRef)
	if err != nil {
		return false, fmt.Errorf("deposit intent %s not found for position %d: %w", ev.DepositRef, ev.PositionID, err)
	}
	if !strings.EqualFold(intent.Owner, ev.Owner) || !strings.EqualFold(intent.Token, ev.Token) {
		return false, fmt.Errorf("deposit intent %s does not match event owner/token", ev.DepositRef)
	}

	if _, err := s.repo.Create(ctx, CreateInput{
		PositionID:   ev.PositionID,
		Ref:          intent.Ref,
		Owner:        intent.Owner,
		Token:        intent.Token,
		Class:        intent.Class,
		Amount:       ev.Amount,
		ValuationUSD: intent.ValuationUSD,
		TxHash:       strings.ToLower(ev.Ref.TxHash),
		BlockNumber:  ev.Ref.BlockNumber,
	}); err != nil {
		return false, err
	}
	if err := s.repo.ConfirmDepositIntent(ctx, intent.Ref); err != nil {
		return false, err
	}
	if _, err := s.confirmEntry(ctx, ev.PositionID, EntryDeposit, ev.Amount, ev.Ref); err != nil {
		return false, err
	}
	s.notify(ctx, ev.PositionID, intent.Owner, EntryDeposit, ev.Amount, StatusActive)
	return false, nil
}

type LoanBorrowedEvent struct {
	Ref            EventRef
	PositionID     uint64
	Amount         *big.Int
	TotalPrincipal *big.Int
}

// ApplyBorrowed confirms the optimistic borrow record against the on-chain
// total. The event carries the resulting principal, so the update is
// set-absolute and replay-safe.
func (s *Service) ApplyBorrowed(ctx context.Context, ev LoanBorrowedEvent) (bool, error) {
	unlock := s.locks.lock(ev.PositionID)
	defer unlock()

	done, err := s.alreadyApplied(ctx, ev.Ref)
	if err != nil || done {
		return done, err
	}
	entity, err := s.get(ctx, ev.PositionID)
	if err != nil {
		return false, err
	}

	if entity.Principal.Cmp(ev.TotalPrincipal) != 0 {
		// Correction path: the optimistic record diverged (or the borrow
		// bypassed this service on-chain). Trust the chain.
		if err := s.repo.SaveLoan(ctx, ev.PositionID, ev.TotalPrincipal, entity.InterestAccrued, entity.LoanDuration, entity.Installments, StatusActive); err != nil {
			return false, err
		}
	}
	if err := s.repo.SetConfirmed(ctx, ev.PositionID); err != nil {
		return false, err
	}
	if _, err := s.confirmEntry(ctx, ev.PositionID, EntryBorrow, ev.Amount, ev.Ref); err != nil {
		return false, err
	}
	return false, nil
}

type LoanRepaidEvent struct {
	Ref         EventRef
	PositionID  uint64
	Amount      *big.Int
	TotalRepaid *big.Int
}

// ApplyRepaid reconciles a repayment event. The delta against the mirror's
// repaid total drives the installment walk; the stored total itself is set
// absolute, so a replay that carries no new delta changes nothing.
func (s *Service) ApplyRepaid(ctx context.Context, ev LoanRepaidEvent) (bool, error) {
	unlock := s.locks.lock(ev.PositionID)
	defer unlock()

	done, err := s.alreadyApplied(ctx, ev.Ref)
	if err != nil || done {
		return done, err
	}
	entity, err := s.get(ctx, ev.PositionID)
	if err != nil {
		return false, err
	}

	delta := new(big.Int).Sub(ev.TotalRepaid, entity.Repaid)
	if delta.Sign() <= 0 {
		_, err := s.confirmEntry(ctx, ev.PositionID, EntryRepayment, ev.Amount, ev.Ref)
		return false, err
	}

	items, err := s.repo.GetSchedule(ctx, ev.PositionID)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, num := range ApplyPayment(items, delta, now) {
		item := items[num-1]
		if err := s.repo.SaveInstallment(ctx, ev.PositionID, item.Number, item.PaidSoFar, item.Status, item.PaidAt); err != nil {
			return false, err
		}
	}

	entity.Repaid = new(big.Int).Set(ev.TotalRepaid)
	if len(items) > 0 {
		entity.InterestAccrued = AccruedInterest(items, now)
	}
	status := entity.Status
	if entity.Outstanding().Sign() == 0 && status == StatusActive {
		status = StatusRepaid
	}
	if err := s.repo.SaveRepayment(ctx, ev.PositionID, entity.Repaid, entity.InterestAccrued, status); err != nil {
		return false, err
	}
	if _, err := s.confirmEntry(ctx, ev.PositionID, EntryRepayment, ev.Amount, ev.Ref); err != nil {
		return false, err
	}
	s.notify(ctx, ev.PositionID, entity.Owner, EntryRepayment, delta, status)
	return false, nil
}

type CollateralWithdrawnEvent struct {
	Ref        EventRef
	PositionID uint64
	Amount     *big.Int
	Remaining  *big.Int
}

func (s *Service) ApplyWithdrawn(ctx context.Context, ev CollateralWithdrawnEvent) (bool, error) {
	unlock := s.locks.lock(ev.PositionID)
	defer unlock()

	done, err := s.alreadyApplied(ctx, ev.Ref)
	if err != nil || done {
		return done, err
	}
	entity, err := s.get(ctx, ev.PositionID)
	if err != nil {
		return false, err
	}

	status := entity.Status
	if ev.Remaining.Sign() == 0 && entity.Outstanding().Sign() == 0 && status != StatusLiquidated {
		status = StatusClosed
	}
	if err := s.repo.SaveCollateral(ctx, ev.PositionID, ev.Remaining, status); err != nil {
		return false, err
	}
	if _, err := s.confirmEntry(ctx, ev.PositionID, EntryWithdrawal, ev.Amount, ev.Ref); err != nil {
		return false, err
	}
	s.notify(ctx, ev.PositionID, entity.Owner, EntryWithdrawal, ev.Amount, status)
	return false, nil
}

type PositionLiquidatedEvent struct {
	Ref        EventRef
	PositionID uint64
}

func (s *Service) ApplyLiquidated(ctx context.Context, ev PositionLiquidatedEvent) (bool, error) {
	unlock := s.locks.lock(ev.PositionID)
	defer unlock()

	done, err := s.alreadyApplied(ctx, ev.Ref)
	if err != nil || done {
		return done, err
	}
	entity, err := s.get(ctx, ev.PositionID)
	if err != nil {
		return false, err
	}
	if err := s.repo.SetStatus(ctx, ev.PositionID, StatusLiquidated); err != nil {
		return false, err
	}
	if _, err := s.confirmEntry(ctx, ev.PositionID, EntryLiquidate, new(big.Int), ev.Ref); err != nil {
		return false, err
	}
	s.notify(ctx, ev.PositionID, entity.Owner, EntryLiquidate, nil, StatusLiquidated)
	return false, nil
}

func (s *Service) alreadyApplied(ctx context.Context, ref EventRef) (bool, error) {
	return s.repo.EntryConfirmed(ctx, strings.ToLower(ref.TxHash), ref.LogIndex)
}

func (s *Service) confirmEntry(ctx context.Context, positionID uint64, kind EntryKind, amount *big.Int, ref EventRef) (bool, error) {
	return s.repo.UpsertEntry(ctx, Entry{
		PositionID:  positionID,
		Kind:        kind,
		Amount:      amountOrZero(amount),
		TxHash:      strings.ToLower(ref.TxHash),
		LogIndex:    ref.LogIndex,
		BlockNumber: ref.BlockNumber,
		Confirmed:   true,
		CreatedAt:   s.now(),
	})
}
