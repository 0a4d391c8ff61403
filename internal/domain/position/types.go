package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ErrNotFound is returned by repositories when a position does not exist.
// Callers use it to tell a missing row apart from an infrastructure failure.
var ErrNotFound = errors.New("position not found")

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusRepaid     Status = "REPAID"
	StatusLiquidated Status = "LIQUIDATED"
	StatusClosed     Status = "CLOSED"
)

type CollateralClass string

const (
	ClassA CollateralClass = "A"
	ClassB CollateralClass = "B"
)

func ParseClass(s string) (CollateralClass, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return ClassA, true
	case "B":
		return ClassB, true
	}
	return "", false
}

// Entity is the off-chain mirror of one collateral lock + loan.
// Monetary fields are base-unit integers; ValuationUSD uses 6 decimals.
// InterestAccrued is the interest charged so far, not the schedule's full
// interest: it starts at zero and grows as installments fall due or get
// settled early, so debt right after borrowing equals the principal.
type Entity struct {
	ID               string
	PositionID       uint64
	Owner            string
	Token            string
	Class            CollateralClass
	CollateralAmount *big.Int
	ValuationUSD     *big.Int
	Principal        *big.Int
	InterestAccrued  *big.Int
	Repaid           *big.Int
	Status           Status
	LoanDuration     time.Duration
	Installments     int32
	CreateTxHash     string
	CreateBlock      uint64
	Confirmed        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Outstanding is principal + accrued interest - repaid, floored at zero.
func (e *Entity) Outstanding() *big.Int {
	out := new(big.Int).Add(e.Principal, e.InterestAccrued)
	out.Sub(out, e.Repaid)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func (e *Entity) HasLoan() bool {
	return e.Principal != nil && e.Principal.Sign() > 0
}

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentMissed  InstallmentStatus = "MISSED"
)

type Installment struct {
	Number    int32
	DueAt     time.Time
	Principal *big.Int
	Interest  *big.Int
	PaidSoFar *big.Int
	Status    InstallmentStatus
	PaidAt    *time.Time
}

// Due is the full principal+interest owed by this installment.
func (i Installment) Due() *big.Int {
	return new(big.Int).Add(i.Principal, i.Interest)
}

type ScheduleSummary struct {
	PositionID    uint64
	Duration      time.Duration
	Installments  int32
	Interval      time.Duration
	NextDueAt     *time.Time
	PaidCount     int32
	MissedCount   int32
	TotalInterest *big.Int
	RemainingDue  *big.Int
	Items         []Installment
}

// EntryKind tags one row of a position's append-only audit trail.
type EntryKind string

const (
	EntryDeposit    EntryKind = "DEPOSIT"
	EntryBorrow     EntryKind = "BORROW"
	EntryRepayment  EntryKind = "REPAYMENT"
	EntryWithdrawal EntryKind = "WITHDRAWAL"
	EntryLiquidate  EntryKind = "LIQUIDATION"
)

// Entry is one audit row. (TxHash, LogIndex) is the reconciliation dedupe
// key: tentative rows are written with Confirmed=false when the gateway
// returns a hash, and flipped by the event processor.
type Entry struct {
	PositionID  uint64
	Kind        EntryKind
	Amount      *big.Int
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
	Confirmed   bool
	CreatedAt   time.Time
}

type DepositIntentStatus string

const (
	DepositSubmitted DepositIntentStatus = "SUBMITTED"
	DepositConfirmed DepositIntentStatus = "CONFIRMED"
)

// DepositIntent is the tentative half of position creation: the position
// itself only exists once the chain confirms the collateral lock.
type DepositIntent struct {
	Ref          string
	Owner        string
	Token        string
	Class        CollateralClass
	Amount       *big.Int
	ValuationUSD *big.Int
	TxHash       string
	Status       DepositIntentStatus
	CreatedAt    time.Time
}

type CreateInput struct {
	PositionID   uint64
	Ref          string
	Owner        string
	Token        string
	Class        CollateralClass
	Amount       *big.Int
	ValuationUSD *big.Int
	TxHash       string
	BlockNumber  uint64
}

type Repository interface {
	Create(ctx context.Context, in CreateInput) (*Entity, error)
	GetByPositionID(ctx context.Context, positionID uint64) (*Entity, error)
	ListByOwner(ctx context.Context, owner string, onlyActive bool) ([]Entity, error)
	ListOpen(ctx context.Context) ([]Entity, error)
	ListOpenByToken(ctx context.Context, token string) ([]Entity, error)

	SaveLoan(ctx context.Context, positionID uint64, principal, interestAccrued *big.Int, duration time.Duration, installments int32, status Status) error
	SaveRepayment(ctx context.Context, positionID uint64, repaid, interestAccrued *big.Int, status Status) error
	SaveCollateral(ctx context.Context, positionID uint64, amount *big.Int, status Status) error
	SaveValuation(ctx context.Context, positionID uint64, valuationUSD *big.Int) error
	SetStatus(ctx context.Context, positionID uint64, status Status) error
	SetConfirmed(ctx context.Context, positionID uint64) error

	AppendEntry(ctx context.Context, e Entry) error
	// UpsertEntry records a confirmed on-chain event, matching a tentative
	// row by tx hash when one exists. Returns true when the event was
	// already confirmed (duplicate delivery).
	UpsertEntry(ctx context.Context, e Entry) (bool, error)
	// EntryConfirmed reports whether the (tx hash, log index) dedupe key is
	// already confirmed, without writing anything.
	EntryConfirmed(ctx context.Context, txHash string, logIndex uint64) (bool, error)

	CreateSchedule(ctx context.Context, positionID uint64, items []Installment) error
	GetSchedule(ctx context.Context, positionID uint64) ([]Installment, error)
	SaveInstallment(ctx context.Context, positionID uint64, number int32, paidSoFar *big.Int, status InstallmentStatus, paidAt *time.Time) error
	MarkMissedDue(ctx context.Context, before time.Time) (int64, error)
	// AccrueDueInterest recomputes interest_accrued for ACTIVE positions
	// from their schedules: interest of installments due by now plus the
	// interest portion already settled on future ones.
	AccrueDueInterest(ctx context.Context, now time.Time) (int64, error)

	CreateDepositIntent(ctx context.Context, in DepositIntent) error
	GetDepositIntent(ctx context.Context, ref string) (*DepositIntent, error)
	ConfirmDepositIntent(ctx context.Context, ref string) error
}

// ParseAmount parses a base-unit decimal string into a non-negative integer.
func ParseAmount(s string) (*big.Int, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return nil, fmt.Errorf("empty amount")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return n, nil
}

func amountOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
