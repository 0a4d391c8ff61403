package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/openassets/solvency-backend/internal/domain/position"
	"github.com/openassets/solvency-backend/internal/observability"
)

type ChainEvent struct {
	ID          int64
	Kind        EventKind
	TXHash      string
	LogIndex    uint64
	BlockNumber uint64
	PositionID  uint64
	RawData     []byte
}

type EventRepository interface {
	// ListUnprocessed returns events ordered by (block number, log index).
	ListUnprocessed(ctx context.Context, limit int32) ([]ChainEvent, error)
	MarkProcessed(ctx context.Context, eventID int64) error
}

// Ledger is the Position Ledger's reconciliation surface. Every apply is
// idempotent and internally serialized per position; the boolean reports a
// duplicate delivery that was dropped.
type Ledger interface {
	ApplyCollateralLocked(ctx context.Context, ev position.CollateralLockedEvent) (bool, error)
	ApplyBorrowed(ctx context.Context, ev position.LoanBorrowedEvent) (bool, error)
	ApplyRepaid(ctx context.Context, ev position.LoanRepaidEvent) (bool, error)
	ApplyWithdrawn(ctx context.Context, ev position.CollateralWithdrawnEvent) (bool, error)
	ApplyLiquidated(ctx context.Context, ev position.PositionLiquidatedEvent) (bool, error)
}

// Service is the event reconciliation processor. Events for different
// positions run in parallel; events for the same position apply strictly in
// chain order. A failed event stays unprocessed and blocks later events of
// its position until the queue redelivers it.
type Service struct {
	eventRepo EventRepository
	ledger    Ledger
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewService(eventRepo EventRepository, ledger Ledger, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{eventRepo: eventRepo, ledger: ledger, logger: logger, metrics: metrics}
}

func (s *Service) RunOnce(ctx context.Context, batchSize int32) error {
	events, err := s.eventRepo.ListUnprocessed(ctx, batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	groups := groupByPosition(events)

	var wg sync.WaitGroup
	errCh := make(chan error, len(groups))
	for _, group := range groups {
		wg.Add(1)
		go func(group []ChainEvent) {
			defer wg.Done()
			for _, ev := range group {
				duplicate, err := s.processEvent(ctx, ev)
				if err != nil {
					s.logger.Error("event reconciliation failed", "event_id", ev.ID, "kind", ev.Kind.String(), "tx", ev.TXHash, "err", err)
					errCh <- err
					return
				}
				if err := s.eventRepo.MarkProcessed(ctx, ev.ID); err != nil {
					errCh <- err
					return
				}
				if s.metrics != nil {
					if duplicate {
						s.metrics.EventsDeduped.Inc()
					}
					s.metrics.EventsProcessed.WithLabelValues(ev.Kind.String()).Inc()
				}
			}
		}(group)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// groupByPosition preserves each position's (block, log index) order while
// letting independent positions proceed concurrently.
func groupByPosition(events []ChainEvent) [][]ChainEvent {
	byPos := map[uint64][]ChainEvent{}
	order := make([]uint64, 0)
	for _, ev := range events {
		if _, ok := byPos[ev.PositionID]; !ok {
			order = append(order, ev.PositionID)
		}
		byPos[ev.PositionID] = append(byPos[ev.PositionID], ev)
	}
	for _, group := range byPos {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].BlockNumber != group[j].BlockNumber {
				return group[i].BlockNumber < group[j].BlockNumber
			}
			return group[i].LogIndex < group[j].LogIndex
		})
	}
	out := make([][]ChainEvent, 0, len(order))
	for _, id := range order {
		out = append(out, byPos[id])
	}
	return out
}

func (s *Service) processEvent(ctx context.Context, ev ChainEvent) (bool, error) {
	ref := position.EventRef{
		TxHash:      ev.TXHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
	}

	switch ev.Kind {
	case KindCollateralLocked:
		var payload struct {
			PositionID uint64 `json:"position_id"`
			Owner      string `json:"owner"`
			Ref        string `json:"ref"`
			Token      string `json:"token"`
			Amount     string `json:"amount"`
		}
		if err := json.Unmarshal(ev.RawData, &payload); err != nil {
			return false, fmt.Errorf("invalid CollateralLocked payload: %w", err)
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			return false, fmt.Errorf("invalid CollateralLocked amount: %w", err)
		}
		return s.ledger.ApplyCollateralLocked(ctx, position.CollateralLockedEvent{
			Ref:        ref,
			PositionID: payload.PositionID,
			DepositRef: payload.Ref,
			Owner:      payload.Owner,
			Token:      payload.Token,
			Amount:     amount,
		})

	case KindLoanBorrowed:
		var payload struct {
			PositionID     uint64 `json:"position_id"`
			Amount         string `json:"amount"`
			TotalPrincipal string `json:"total_principal"`
		}
		if err := json.Unmarshal(ev.RawData, &payload); err != nil {
			return false, fmt.Errorf("invalid LoanBorrowed payload: %w", err)
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			return false, err
		}
		total, err := parseAmount(payload.TotalPrincipal)
		if err != nil {
			return false, err
		}
		return s.ledger.ApplyBorrowed(ctx, position.LoanBorrowedEvent{
			Ref:            ref,
			PositionID:     payload.PositionID,
			Amount:         amount,
			TotalPrincipal: total,
		})

	case KindLoanRepaid:
		var payload struct {
			PositionID  uint64 `json:"position_id"`
			Amount      string `json:"amount"`
			TotalRepaid string `json:"total_repaid"`
		}
		if err := json.Unmarshal(ev.RawData, &payload); err != nil {
			return false, fmt.Errorf("invalid LoanRepaid payload: %w", err)
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			return false, err
		}
		total, err := parseAmount(payload.TotalRepaid)
		if err != nil {
			return false, err
		}
		return s.ledger.ApplyRepaid(ctx, position.LoanRepaidEvent{
			Ref:         ref,
			PositionID:  payload.PositionID,
			Amount:      amount,
			TotalRepaid: total,
		})

	case KindCollateralWithdrawn:
		var payload struct {
			PositionID uint64 `json:"position_id"`
			Amount     string `json:"amount"`
			Remaining  string `json:"remaining"`
		}
		if err := json.Unmarshal(ev.RawData, &payload); err != nil {
			return false, fmt.Errorf("invalid CollateralWithdrawn payload: %w", err)
		}
		amount, err := parseAmount(payload.Amount)
		if err != nil {
			return false, err
		}
		remaining, err := parseAmount(payload.Remaining)
		if err != nil {
			return false, err
		}
		return s.ledger.ApplyWithdrawn(ctx, position.CollateralWithdrawnEvent{
			Ref:        ref,
			PositionID: payload.PositionID,
			Amount:     amount,
			Remaining:  remaining,
		})

	case KindPositionLiquidated:
		var payload struct {
			PositionID uint64 `json:"position_id"`
		}
		if err := json.Unmarshal(ev.RawData, &payload); err != nil {
			return false, fmt.Errorf("invalid PositionLiquidated payload: %w", err)
		}
		return s.ledger.ApplyLiquidated(ctx, position.PositionLiquidatedEvent{
			Ref:        ref,
			PositionID: payload.PositionID,
		})

	case KindUnknown:
		// Ingestion never stores unknown topics; a row that still decodes
		// to unknown is malformed and must not be retried forever.
		return false, fmt.Errorf("unknown event kind for event %d", ev.ID)
	}
	return false, fmt.Errorf("unhandled event kind %d", ev.Kind)
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}
