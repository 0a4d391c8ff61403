package postgres

import (
	"context"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openassets/solvency-backend/internal/domain/partner"
)

type PartnerRepository struct {
	pool *pgxpool.Pool
}

func NewPartnerRepository(pool *pgxpool.Pool) *PartnerRepository {
	return &PartnerRepository{pool: pool}
}

const partnerColumns = `id, name, api_key_hash, settlement_address, daily_limit::text, total_limit::text, created_at`

func (r *PartnerRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*partner.Entity, error) {
	q := `SELECT ` + partnerColumns + ` FROM partners WHERE api_key_hash = $1`
	return r.scanPartner(ctx, q, hash)
}

func (r *PartnerRepository) scanPartner(ctx context.Context, q string, arg any) (*partner.Entity, error) {
	var e partner.Entity
	var daily, total string
	err := r.pool.QueryRow(ctx, q, arg).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.SettlementAddress, &daily, &total, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.DailyLimit, err = parseNumeric(daily); err != nil {
		return nil, err
	}
	if e.TotalLimit, err = parseNumeric(total); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateLoan reserves the idempotency pair. The unique index on
// (partner_id, partner_loan_id) turns a replayed origination into an error
// before any chain traffic happens.
func (r *PartnerRepository) CreateLoan(ctx context.Context, in partner.Loan) (*partner.Loan, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	q := `
INSERT INTO partner_loans (id, partner_id, partner_loan_id, position_id, user_wallet, principal, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, NOW(), NOW())
RETURNING created_at, updated_at
`
	out := in
	out.ID = id
	err := r.pool.QueryRow(ctx, q,
		id,
		in.PartnerID,
		in.PartnerLoanID,
		int64(in.PositionID),
		strings.ToLower(in.UserWallet),
		amountText(in.Principal),
		string(in.Status),
	).Scan(&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PartnerRepository) DeleteLoan(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM partner_loans WHERE id = $1`, id)
	return err
}

func (r *PartnerRepository) SetLoanPosition(ctx context.Context, id string, positionID uint64, principal *big.Int) error {
	q := `UPDATE partner_loans SET position_id = $2, principal = $3::numeric, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, int64(positionID), amountText(principal))
	return err
}

func (r *PartnerRepository) SetLoanStatus(ctx context.Context, id string, status partner.LoanStatus) error {
	q := `UPDATE partner_loans SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, string(status))
	return err
}

func (r *PartnerRepository) GetLoan(ctx context.Context, partnerID, partnerLoanID string) (*partner.Loan, error) {
	q := `
SELECT id, partner_id, partner_loan_id, position_id, user_wallet, principal::text, status, created_at, updated_at
FROM partner_loans
WHERE partner_id = $1 AND partner_loan_id = $2
`
	var loan partner.Loan
	var positionID int64
	var principal, status string
	err := r.pool.QueryRow(ctx, q, partnerID, partnerLoanID).Scan(
		&loan.ID, &loan.PartnerID, &loan.PartnerLoanID, &positionID,
		&loan.UserWallet, &principal, &status, &loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.PositionID = uint64(positionID)
	loan.Status = partner.LoanStatus(status)
	if loan.Principal, err = parseNumeric(principal); err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *PartnerRepository) LoanExists(ctx context.Context, partnerID, partnerLoanID string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM partner_loans WHERE partner_id = $1 AND partner_loan_id = $2)`
	err := r.pool.QueryRow(ctx, q, partnerID, partnerLoanID).Scan(&exists)
	return exists, err
}

func (r *PartnerRepository) SumPrincipal(ctx context.Context, partnerID string) (*big.Int, error) {
	var total string
	q := `SELECT COALESCE(SUM(principal), 0)::text FROM partner_loans WHERE partner_id = $1 AND status = 'ACTIVE'`
	if err := r.pool.QueryRow(ctx, q, partnerID).Scan(&total); err != nil {
		return nil, err
	}
	return parseNumeric(total)
}

func (r *PartnerRepository) AppendRepayment(ctx context.Context, in partner.Repayment) error {
	q := `
INSERT INTO partner_repayments (loan_id, amount, tx_hash, repaid_by, created_at)
VALUES ($1, $2::numeric, $3, $4, $5)
`
	_, err := r.pool.Exec(ctx, q, in.LoanID, amountText(in.Amount), strings.ToLower(in.TxHash), string(in.RepaidBy), in.CreatedAt)
	return err
}

func (r *PartnerRepository) RepaymentExists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM partner_repayments WHERE tx_hash = $1)`
	err := r.pool.QueryRow(ctx, q, strings.ToLower(txHash)).Scan(&exists)
	return exists, err
}

func (r *PartnerRepository) ListRepayments(ctx context.Context, loanID string) ([]partner.Repayment, error) {
	q := `
SELECT loan_id, amount::text, tx_hash, repaid_by, created_at
FROM partner_repayments
WHERE loan_id = $1
ORDER BY created_at
`
	rows, err := r.pool.Query(ctx, q, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]partner.Repayment, 0)
	for rows.Next() {
		var rep partner.Repayment
		var amount, repaidBy string
		if err := rows.Scan(&rep.LoanID, &amount, &rep.TxHash, &repaidBy, &rep.CreatedAt); err != nil {
			return nil, err
		}
		rep.RepaidBy = partner.RepaidBy(repaidBy)
		if rep.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func amountText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
