package partner

import (
	"context"
	"math/big"
	"time"
)

// Entity is a third-party platform allowed to originate and repay loans on
// behalf of registered end users.
type Entity struct {
	ID                string
	Name              string
	APIKeyHash        string
	SettlementAddress string
	DailyLimit        *big.Int
	TotalLimit        *big.Int
	CreatedAt         time.Time
}

type LoanStatus string

const (
	LoanActive     LoanStatus = "ACTIVE"
	LoanRepaid     LoanStatus = "REPAID"
	LoanLiquidated LoanStatus = "LIQUIDATED"
)

// Loan views a position through a partner relationship. PartnerLoanID is
// the partner-supplied idempotency key, unique per partner forever.
type Loan struct {
	ID            string
	PartnerID     string
	PartnerLoanID string
	PositionID    uint64
	UserWallet    string
	Principal     *big.Int
	Status        LoanStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RepaidBy string

const (
	RepaidByPartner RepaidBy = "PARTNER"
	RepaidByUser    RepaidBy = "USER"
)

type Repayment struct {
	LoanID    string
	Amount    *big.Int
	TxHash    string
	RepaidBy  RepaidBy
	CreatedAt time.Time
}

type Repository interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*Entity, error)

	// CreateLoan reserves the (partner id, partner loan id) pair; it must
	// fail on a duplicate pair.
	CreateLoan(ctx context.Context, in Loan) (*Loan, error)
	DeleteLoan(ctx context.Context, id string) error
	SetLoanPosition(ctx context.Context, id string, positionID uint64, principal *big.Int) error
	SetLoanStatus(ctx context.Context, id string, status LoanStatus) error
	GetLoan(ctx context.Context, partnerID, partnerLoanID string) (*Loan, error)
	LoanExists(ctx context.Context, partnerID, partnerLoanID string) (bool, error)
	SumPrincipal(ctx context.Context, partnerID string) (*big.Int, error)

	AppendRepayment(ctx context.Context, in Repayment) error
	RepaymentExists(ctx context.Context, txHash string) (bool, error)
	ListRepayments(ctx context.Context, loanID string) ([]Repayment, error)
}
