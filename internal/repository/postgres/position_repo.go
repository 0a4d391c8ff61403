package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

// PositionRepository persists the off-chain mirror. Monetary columns are
// NUMERIC and cross the driver boundary as decimal text.
type PositionRepository struct {
	pool *pgxpool.Pool
}

func NewPositionRepository(pool *pgxpool.Pool) *PositionRepository {
	return &PositionRepository{pool: pool}
}

const positionColumns = `
id, position_id, owner_wallet, token_address, collateral_class,
collateral_amount::text, valuation_usd::text, principal::text,
interest_accrued::text, amount_repaid::text, status,
loan_duration_seconds, installment_count, create_tx_hash, create_block,
on_chain_confirmed, created_at, updated_at
`

func (r *PositionRepository) Create(ctx context.Context, in position.CreateInput) (*position.Entity, error) {
	q := `
INSERT INTO positions (
  id, position_id, owner_wallet, token_address, collateral_class,
  collateral_amount, valuation_usd, principal, interest_accrued,
  amount_repaid, status, loan_duration_seconds, installment_count,
  create_tx_hash, create_block, on_chain_confirmed, created_at, updated_at
) VALUES (
  $1, $2, $3, $4, $5, $6::numeric, $7::numeric, 0, 0, 0, $8, 0, 0,
  $9, $10, TRUE, NOW(), NOW()
)
RETURNING ` + positionColumns
	row := r.pool.QueryRow(ctx, q,
		in.Ref,
		int64(in.PositionID),
		strings.ToLower(in.Owner),
		strings.ToLower(in.Token),
		string(in.Class),
		in.Amount.String(),
		in.ValuationUSD.String(),
		string(position.StatusActive),
		strings.ToLower(in.TxHash),
		int64(in.BlockNumber),
	)
	return scanPosition(row)
}

func (r *PositionRepository) GetByPositionID(ctx context.Context, positionID uint64) (*position.Entity, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE position_id = $1`
	e, err := scanPosition(r.pool.QueryRow(ctx, q, int64(positionID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, position.ErrNotFound
	}
	return e, err
}

func (r *PositionRepository) ListByOwner(ctx context.Context, owner string, onlyActive bool) ([]position.Entity, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE owner_wallet = $1`
	if onlyActive {
		q += ` AND status = 'ACTIVE'`
	}
	q += ` ORDER BY position_id`
	rows, err := r.pool.Query(ctx, q, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r *PositionRepository) ListOpen(ctx context.Context) ([]position.Entity, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE status IN ('ACTIVE', 'REPAID') ORDER BY position_id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r *PositionRepository) ListOpenByToken(ctx context.Context, token string) ([]position.Entity, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE token_address = $1 AND status IN ('ACTIVE', 'REPAID') ORDER BY position_id`
	rows, err := r.pool.Query(ctx, q, strings.ToLower(token))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r *PositionRepository) SaveLoan(ctx context.Context, positionID uint64, principal, interestAccrued *big.Int, duration time.Duration, installments int32, status position.Status) error {
	q := `
UPDATE positions
SET principal = $2::numeric,
    interest_accrued = $3::numeric,
    loan_duration_seconds = $4,
    installment_count = $5,
    status = $6,
    updated_at = NOW()
WHERE position_id = $1
`
	_, err := r.pool.Exec(ctx, q, int64(positionID), principal.String(), interestAccrued.String(), int64(duration/time.Second), installments, string(status))
	return err
}

func (r *PositionRepository) SaveRepayment(ctx context.Context, positionID uint64, repaid, interestAccrued *big.Int, status position.Status) error {
	q := `UPDATE positions SET amount_repaid = $2::numeric, interest_accrued = $3::numeric, status = $4, updated_at = NOW() WHERE position_id = $1`
	_, err := r.pool.Exec(ctx, q, int64(positionID), repaid.String(), interestAccrued.String(), string(status))
	return err
}

func (r *PositionRepository) SaveCollateral(ctx context.Context, positionID uint64, amount *big.Int, status position.Status) error {
	q := `UPDATE positions SET collateral_amount = $2::numeric, status = $3, updated_at = NOW() WHERE position_id = $1`
	_, err := r.pool.Exec(ctx, q, int64(positionID), amount.String(), string(status))
	return err
}

func (r *PositionRepository) SaveValuation(ctx context.Context, positionID uint64, valuationUSD *big.Int) error {
	q := `UPDATE positions SET valuation_usd = $2::numeric, updated_at = NOW() WHERE position_id = $1`
	_, err := r.pool.Exec(ctx, q, int64(positionID), valuationUSD.String())
	return err
}

func (r *PositionRepository) SetStatus(ctx context.Context, positionID uint64, status position.Status) error {
	q := `UPDATE positions SET status = $2, updated_at = NOW() WHERE position_id = $1`
	_, err := r.pool.Exec(ctx, q, int64(positionID), string(status))
	return err
}

func (r *PositionRepository) SetConfirmed(ctx context.Context, positionID uint64) error {
	q := `UPDATE positions SET on_chain_confirmed = TRUE, updated_at = NOW() WHERE position_id = $1`
	_, err := r.pool.Exec(ctx, q, int64(positionID))
	return err
}

func (r *PositionRepository) AppendEntry(ctx context.Context, e position.Entry) error {
	q := `
INSERT INTO position_entries (position_id, kind, amount, tx_hash, log_index, block_number, confirmed, created_at)
VALUES ($1, $2, $3::numeric, $4, NULL, NULL, FALSE, $5)
`
	_, err := r.pool.Exec(ctx, q, int64(e.PositionID), string(e.Kind), e.Amount.String(), strings.ToLower(e.TxHash), e.CreatedAt)
	return err
}

// EntryConfirmed is the read-only half of the dedupe key check.
func (r *PositionRepository) EntryConfirmed(ctx context.Context, txHash string, logIndex uint64) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM position_entries WHERE tx_hash = $1 AND log_index = $2 AND confirmed = TRUE)`
	err := r.pool.QueryRow(ctx, q, strings.ToLower(txHash), int64(logIndex)).Scan(&exists)
	return exists, err
}

// UpsertEntry confirms the tentative row matching the event's tx hash, or
// inserts a fresh confirmed row when the mutation bypassed this service.
// The unique (tx_hash, log_index) index makes replays report duplicate.
func (r *PositionRepository) UpsertEntry(ctx context.Context, e position.Entry) (bool, error) {
	txHash := strings.ToLower(e.TxHash)

	exists, err := r.EntryConfirmed(ctx, txHash, e.LogIndex)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	update := `
UPDATE position_entries
SET log_index = $2, block_number = $3, amount = $4::numeric, confirmed = TRUE
WHERE tx_hash = $1 AND position_id = $5 AND kind = $6 AND confirmed = FALSE
`
	tag, err := r.pool.Exec(ctx, update, txHash, int64(e.LogIndex), int64(e.BlockNumber), e.Amount.String(), int64(e.PositionID), string(e.Kind))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	insert := `
INSERT INTO position_entries (position_id, kind, amount, tx_hash, log_index, block_number, confirmed, created_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, TRUE, $7)
ON CONFLICT (tx_hash, log_index) DO NOTHING
`
	tag, err = r.pool.Exec(ctx, insert, int64(e.PositionID), string(e.Kind), e.Amount.String(), txHash, int64(e.LogIndex), int64(e.BlockNumber), e.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

func (r *PositionRepository) CreateSchedule(ctx context.Context, positionID uint64, items []position.Installment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	q := `
INSERT INTO installments (position_id, number, due_at, principal, interest, paid_so_far, status, paid_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, 0, $6, NULL)
`
	for _, item := range items {
		if _, err := tx.Exec(ctx, q, int64(positionID), item.Number, item.DueAt, item.Principal.String(), item.Interest.String(), string(item.Status)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PositionRepository) GetSchedule(ctx context.Context, positionID uint64) ([]position.Installment, error) {
	q := `
SELECT number, due_at, principal::text, interest::text, paid_so_far::text, status, paid_at
FROM installments
WHERE position_id = $1
ORDER BY number
`
	rows, err := r.pool.Query(ctx, q, int64(positionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]position.Installment, 0)
	for rows.Next() {
		var item position.Installment
		var principal, interest, paidSoFar, status string
		if err := rows.Scan(&item.Number, &item.DueAt, &principal, &interest, &paidSoFar, &status, &item.PaidAt); err != nil {
			return nil, err
		}
		if item.Principal, err = parseNumeric(principal); err != nil {
			return nil, err
		}
		if item.Interest, err = parseNumeric(interest); err != nil {
			return nil, err
		}
		if item.PaidSoFar, err = parseNumeric(paidSoFar); err != nil {
			return nil, err
		}
		item.Status = position.InstallmentStatus(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PositionRepository) SaveInstallment(ctx context.Context, positionID uint64, number int32, paidSoFar *big.Int, status position.InstallmentStatus, paidAt *time.Time) error {
	q := `UPDATE installments SET paid_so_far = $3::numeric, status = $4, paid_at = $5 WHERE position_id = $1 AND number = $2`
	_, err := r.pool.Exec(ctx, q, int64(positionID), number, paidSoFar.String(), string(status), paidAt)
	return err
}

func (r *PositionRepository) MarkMissedDue(ctx context.Context, before time.Time) (int64, error) {
	q := `
UPDATE installments i
SET status = 'MISSED'
FROM positions p
WHERE i.position_id = p.position_id
  AND p.status = 'ACTIVE'
  AND i.status = 'PENDING'
  AND i.due_at < $1
`
	tag, err := r.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AccrueDueInterest folds the schedule into the positions table: interest of
// installments due by now is charged in full, future installments contribute
// only the interest portion already settled early.
func (r *PositionRepository) AccrueDueInterest(ctx context.Context, now time.Time) (int64, error) {
	q := `
UPDATE positions p
SET interest_accrued = agg.accrued, updated_at = NOW()
FROM (
  SELECT position_id,
         SUM(CASE WHEN due_at <= $1 THEN interest ELSE LEAST(paid_so_far, interest) END) AS accrued
  FROM installments
  GROUP BY position_id
) agg
WHERE p.position_id = agg.position_id
  AND p.status = 'ACTIVE'
  AND p.interest_accrued <> agg.accrued
`
	tag, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PositionRepository) CreateDepositIntent(ctx context.Context, in position.DepositIntent) error {
	q := `
INSERT INTO deposit_intents (ref, owner_wallet, token_address, collateral_class, amount, valuation_usd, tx_hash, status, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
`
	_, err := r.pool.Exec(ctx, q,
		in.Ref,
		strings.ToLower(in.Owner),
		strings.ToLower(in.Token),
		string(in.Class),
		in.Amount.String(),
		in.ValuationUSD.String(),
		strings.ToLower(in.TxHash),
		string(in.Status),
		in.CreatedAt,
	)
	return err
}

func (r *PositionRepository) GetDepositIntent(ctx context.Context, ref string) (*position.DepositIntent, error) {
	q := `
SELECT ref, owner_wallet, token_address, collateral_class, amount::text, valuation_usd::text, tx_hash, status, created_at
FROM deposit_intents
WHERE ref = $1
`
	var intent position.DepositIntent
	var amount, valuation, class, status string
	err := r.pool.QueryRow(ctx, q, ref).Scan(&intent.Ref, &intent.Owner, &intent.Token, &class, &amount, &valuation, &intent.TxHash, &status, &intent.CreatedAt)
	if err != nil {
		return nil, err
	}
	if intent.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	if intent.ValuationUSD, err = parseNumeric(valuation); err != nil {
		return nil, err
	}
	intent.Class = position.CollateralClass(class)
	intent.Status = position.DepositIntentStatus(status)
	return &intent, nil
}

func (r *PositionRepository) ConfirmDepositIntent(ctx context.Context, ref string) error {
	q := `UPDATE deposit_intents SET status = 'CONFIRMED' WHERE ref = $1`
	_, err := r.pool.Exec(ctx, q, ref)
	return err
}

func scanPosition(row pgx.Row) (*position.Entity, error) {
	var e position.Entity
	var positionID, createBlock, durationSeconds int64
	var collateral, valuation, principal, interest, repaid, class, status string
	err := row.Scan(
		&e.ID, &positionID, &e.Owner, &e.Token, &class,
		&collateral, &valuation, &principal, &interest, &repaid, &status,
		&durationSeconds, &e.Installments, &e.CreateTxHash, &createBlock,
		&e.Confirmed, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.PositionID = uint64(positionID)
	e.CreateBlock = uint64(createBlock)
	e.LoanDuration = time.Duration(durationSeconds) * time.Second
	e.Class = position.CollateralClass(class)
	e.Status = position.Status(status)
	if e.CollateralAmount, err = parseNumeric(collateral); err != nil {
		return nil, err
	}
	if e.ValuationUSD, err = parseNumeric(valuation); err != nil {
		return nil, err
	}
	if e.Principal, err = parseNumeric(principal); err != nil {
		return nil, err
	}
	if e.InterestAccrued, err = parseNumeric(interest); err != nil {
		return nil, err
	}
	if e.Repaid, err = parseNumeric(repaid); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanPositions(rows pgx.Rows) ([]position.Entity, error) {
	out := make([]position.Entity, 0)
	for rows.Next() {
		e, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func parseNumeric(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("non-integer numeric value %q", s)
	}
	return n, nil
}
