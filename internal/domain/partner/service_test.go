package partner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/domain/position"
)

type fakePartnerRepo struct {
	partners   map[string]*Entity
	loans      map[string]*Loan
	repayments []Repayment
	nextID     int
}

func newFakePartnerRepo() *fakePartnerRepo {
	return &fakePartnerRepo{
		partners: make(map[string]*Entity),
		loans:    make(map[string]*Loan),
	}
}

func (r *fakePartnerRepo) GetByAPIKeyHash(_ context.Context, hash string) (*Entity, error) {
	for _, p := range r.partners {
		if p.APIKeyHash == hash {
			return p, nil
		}
	}
	return nil, errors.New("no rows")
}

func (r *fakePartnerRepo) CreateLoan(_ context.Context, in Loan) (*Loan, error) {
	for _, l := range r.loans {
		if l.PartnerID == in.PartnerID && l.PartnerLoanID == in.PartnerLoanID {
			return nil, errors.New("duplicate pair")
		}
	}
	r.nextID++
	in.ID = fmt.Sprintf("loan-%d", r.nextID)
	stored := in
	r.loans[in.ID] = &stored
	out := stored
	return &out, nil
}

func (r *fakePartnerRepo) DeleteLoan(_ context.Context, id string) error {
	delete(r.loans, id)
	return nil
}

func (r *fakePartnerRepo) SetLoanPosition(_ context.Context, id string, positionID uint64, principal *big.Int) error {
	loan := r.loans[id]
	loan.PositionID = positionID
	loan.Principal = principal
	return nil
}

func (r *fakePartnerRepo) SetLoanStatus(_ context.Context, id string, status LoanStatus) error {
	r.loans[id].Status = status
	return nil
}

func (r *fakePartnerRepo) GetLoan(_ context.Context, partnerID, partnerLoanID string) (*Loan, error) {
	for _, l := range r.loans {
		if l.PartnerID == partnerID && l.PartnerLoanID == partnerLoanID {
			out := *l
			return &out, nil
		}
	}
	return nil, errors.New("no rows")
}

func (r *fakePartnerRepo) LoanExists(_ context.Context, partnerID, partnerLoanID string) (bool, error) {
	_, err := r.GetLoan(context.Background(), partnerID, partnerLoanID)
	return err == nil, nil
}

func (r *fakePartnerRepo) SumPrincipal(_ context.Context, partnerID string) (*big.Int, error) {
	total := new(big.Int)
	for _, l := range r.loans {
		if l.PartnerID == partnerID && l.Status == LoanActive && l.Principal != nil {
			total.Add(total, l.Principal)
		}
	}
	return total, nil
}

func (r *fakePartnerRepo) AppendRepayment(_ context.Context, in Repayment) error {
	r.repayments = append(r.repayments, in)
	return nil
}

func (r *fakePartnerRepo) RepaymentExists(_ context.Context, txHash string) (bool, error) {
	for _, h := range r.repayments {
		if h.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakePartnerRepo) ListRepayments(_ context.Context, loanID string) ([]Repayment, error) {
	var out []Repayment
	for _, h := range r.repayments {
		if h.LoanID == loanID {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeLedger struct {
	positions    []position.Entity
	borrowErr    error
	borrows      int
	repays       int
	repayStatus  position.Status
	recordStatus position.Status
}

func (l *fakeLedger) Borrow(_ context.Context, in position.BorrowInput) (*position.Entity, string, error) {
	if l.borrowErr != nil {
		return nil, "", l.borrowErr
	}
	l.borrows++
	amount, _ := position.ParseAmount(in.Amount)
	return &position.Entity{
		PositionID: in.PositionID,
		Owner:      strings.ToLower(in.Caller),
		Principal:  amount,
		Status:     position.StatusActive,
	}, "0xborrow", nil
}

func (l *fakeLedger) Repay(_ context.Context, in position.RepayInput) (*position.Entity, string, error) {
	l.repays++
	status := l.repayStatus
	if status == "" {
		status = position.StatusActive
	}
	return &position.Entity{PositionID: in.PositionID, Status: status}, "0xrepay", nil
}

func (l *fakeLedger) RecordRepayment(_ context.Context, positionID uint64, _ *big.Int, _ string) (*position.Entity, error) {
	status := l.recordStatus
	if status == "" {
		status = position.StatusActive
	}
	return &position.Entity{PositionID: positionID, Status: status}, nil
}

func (l *fakeLedger) GetUserPositions(_ context.Context, owner string, _ bool) ([]position.Entity, error) {
	var out []position.Entity
	for _, p := range l.positions {
		if strings.EqualFold(p.Owner, owner) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeLimits struct {
	used map[string]int64
}

func newFakeLimits() *fakeLimits { return &fakeLimits{used: make(map[string]int64)} }

func (f *fakeLimits) AddDaily(_ context.Context, partnerID string, amount int64) (int64, error) {
	f.used[partnerID] += amount
	return f.used[partnerID], nil
}

func (f *fakeLimits) SubDaily(_ context.Context, partnerID string, amount int64) error {
	f.used[partnerID] -= amount
	return nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) VerifyTransfer(_ context.Context, _, _, _ string, _ *big.Int, _ string) error {
	v.calls++
	return v.err
}

func testPartner() *Entity {
	return &Entity{
		ID:                "partner-1",
		Name:              "acme",
		SettlementAddress: "0x0000000000000000000000000000000000009999",
		DailyLimit:        big.NewInt(10_000),
		TotalLimit:        big.NewInt(100_000),
	}
}

func activePosition(owner string, id uint64) position.Entity {
	return position.Entity{
		PositionID:       id,
		Owner:            owner,
		Status:           position.StatusActive,
		Principal:        new(big.Int),
		InterestAccrued:  new(big.Int),
		Repaid:           new(big.Int),
		CollateralAmount: big.NewInt(1),
		ValuationUSD:     big.NewInt(1_000_000),
	}
}

func newPartnerService(repo *fakePartnerRepo, ledger *fakeLedger, verifier *fakeVerifier, limits *fakeLimits) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, ledger, verifier, limits, "0xstable", logger)
}

func TestBorrowOriginatesLoan(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{positions: []position.Entity{activePosition("0xuser", 7)}}
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, newFakeLimits())

	loan, err := svc.Borrow(context.Background(), BorrowInput{
		Partner:       testPartner(),
		PartnerLoanID: "ext-1",
		UserWallet:    "0xUser",
		Amount:        "5000",
		Duration:      time.Hour,
		Installments:  1,
	})
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if loan.PositionID != 7 || loan.Principal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("loan = %+v", loan)
	}
	if ledger.borrows != 1 {
		t.Fatalf("ledger borrows = %d, want 1", ledger.borrows)
	}
}

func TestBorrowRejectsDuplicateLoanID(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{positions: []position.Entity{activePosition("0xuser", 7)}}
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, newFakeLimits())
	in := BorrowInput{
		Partner:       testPartner(),
		PartnerLoanID: "ext-1",
		UserWallet:    "0xuser",
		Amount:        "100",
		Duration:      time.Hour,
		Installments:  1,
	}

	if _, err := svc.Borrow(context.Background(), in); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	_, err := svc.Borrow(context.Background(), in)
	if !apperr.IsKind(err, apperr.KindState) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if ledger.borrows != 1 {
		t.Fatalf("duplicate must not reach the ledger: borrows = %d", ledger.borrows)
	}
}

func TestBorrowEnforcesDailyLimit(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{positions: []position.Entity{activePosition("0xuser", 7)}}
	limits := newFakeLimits()
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, limits)
	p := testPartner()

	_, err := svc.Borrow(context.Background(), BorrowInput{
		Partner: p, PartnerLoanID: "ext-1", UserWallet: "0xuser",
		Amount: "10001", Duration: time.Hour, Installments: 1,
	})
	if !apperr.IsKind(err, apperr.KindCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if limits.used[p.ID] != 0 {
		t.Fatalf("rejected borrow must release the daily reservation, used = %d", limits.used[p.ID])
	}
}

func TestBorrowEnforcesTotalLimit(t *testing.T) {
	repo := newFakePartnerRepo()
	p := testPartner()
	repo.loans["loan-0"] = &Loan{
		ID: "loan-0", PartnerID: p.ID, PartnerLoanID: "prior",
		Principal: big.NewInt(99_000), Status: LoanActive,
	}
	ledger := &fakeLedger{positions: []position.Entity{activePosition("0xuser", 7)}}
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, newFakeLimits())

	_, err := svc.Borrow(context.Background(), BorrowInput{
		Partner: p, PartnerLoanID: "ext-1", UserWallet: "0xuser",
		Amount: "1001", Duration: time.Hour, Installments: 1,
	})
	if !apperr.IsKind(err, apperr.KindCapacity) {
		t.Fatalf("expected total limit error, got %v", err)
	}
}

func TestBorrowRollsBackOnLedgerFailure(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{
		positions: []position.Entity{activePosition("0xuser", 7)},
		borrowErr: apperr.Capacity("ltv_exceeded", "over capacity"),
	}
	limits := newFakeLimits()
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, limits)
	p := testPartner()

	_, err := svc.Borrow(context.Background(), BorrowInput{
		Partner: p, PartnerLoanID: "ext-1", UserWallet: "0xuser",
		Amount: "5000", Duration: time.Hour, Installments: 1,
	})
	if !apperr.IsKind(err, apperr.KindCapacity) {
		t.Fatalf("expected ledger error to surface, got %v", err)
	}
	if len(repo.loans) != 0 {
		t.Fatalf("failed borrow must delete the reservation, loans = %d", len(repo.loans))
	}
	if limits.used[p.ID] != 0 {
		t.Fatalf("failed borrow must release the daily reservation, used = %d", limits.used[p.ID])
	}
}

func TestBorrowRequiresBorrowablePosition(t *testing.T) {
	repo := newFakePartnerRepo()
	indebted := activePosition("0xuser", 7)
	indebted.Principal = big.NewInt(500)
	ledger := &fakeLedger{positions: []position.Entity{indebted}}
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, newFakeLimits())

	_, err := svc.Borrow(context.Background(), BorrowInput{
		Partner: testPartner(), PartnerLoanID: "ext-1", UserWallet: "0xuser",
		Amount: "100", Duration: time.Hour, Installments: 1,
	})
	if !apperr.IsKind(err, apperr.KindState) {
		t.Fatalf("expected no-borrowable-position error, got %v", err)
	}
}

func seedLoan(repo *fakePartnerRepo, p *Entity) *Loan {
	loan := &Loan{
		ID: "loan-1", PartnerID: p.ID, PartnerLoanID: "ext-1",
		PositionID: 7, UserWallet: "0xuser",
		Principal: big.NewInt(5000), Status: LoanActive,
	}
	repo.loans[loan.ID] = loan
	return loan
}

func TestRepayWithTransferCreditsOnce(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{recordStatus: position.StatusRepaid}
	verifier := &fakeVerifier{}
	svc := newPartnerService(repo, ledger, verifier, newFakeLimits())
	p := testPartner()
	seedLoan(repo, p)

	in := RepayWithTransferInput{
		Partner:       p,
		PartnerLoanID: "ext-1",
		TxHash:        "0xTRANSFER",
		Amount:        "5000",
		UserWallet:    "0xuser",
	}
	loan, err := svc.RepayWithTransfer(context.Background(), in)
	if err != nil {
		t.Fatalf("RepayWithTransfer: %v", err)
	}
	if loan.Status != LoanRepaid {
		t.Fatalf("status = %s, want REPAID", loan.Status)
	}
	if verifier.calls != 1 {
		t.Fatalf("verifier calls = %d, want 1", verifier.calls)
	}
	if len(repo.repayments) != 1 || repo.repayments[0].TxHash != "0xtransfer" {
		t.Fatalf("repayment history = %+v", repo.repayments)
	}

	_, err = svc.RepayWithTransfer(context.Background(), in)
	if !apperr.IsKind(err, apperr.KindState) {
		t.Fatalf("expected duplicate transfer rejection, got %v", err)
	}
	if len(repo.repayments) != 1 {
		t.Fatalf("duplicate transfer must not append history")
	}
}

func TestRepayWithTransferVerificationFailureLeavesNoTrace(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{}
	verifier := &fakeVerifier{err: apperr.OnChainVerification("transfer_amount_mismatch", "amount mismatch")}
	svc := newPartnerService(repo, ledger, verifier, newFakeLimits())
	p := testPartner()
	seedLoan(repo, p)

	_, err := svc.RepayWithTransfer(context.Background(), RepayWithTransferInput{
		Partner: p, PartnerLoanID: "ext-1", TxHash: "0xbad", Amount: "5000", UserWallet: "0xuser",
	})
	if !apperr.IsKind(err, apperr.KindOnChainVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}
	if len(repo.repayments) != 0 {
		t.Fatalf("failed verification must not record history")
	}
	if repo.loans["loan-1"].Status != LoanActive {
		t.Fatalf("loan status must not change on failure")
	}
}

func TestRepaySubmitsThroughLedger(t *testing.T) {
	repo := newFakePartnerRepo()
	ledger := &fakeLedger{repayStatus: position.StatusActive}
	svc := newPartnerService(repo, ledger, &fakeVerifier{}, newFakeLimits())
	p := testPartner()
	seedLoan(repo, p)

	loan, err := svc.Repay(context.Background(), RepayInput{
		Partner: p, PartnerLoanID: "ext-1", Amount: "1000",
	})
	if err != nil {
		t.Fatalf("Repay: %v", err)
	}
	if ledger.repays != 1 {
		t.Fatalf("ledger repays = %d, want 1", ledger.repays)
	}
	if loan.Status != LoanActive {
		t.Fatalf("partial repayment must keep the loan active, got %s", loan.Status)
	}
	if len(repo.repayments) != 1 {
		t.Fatalf("expected one history row, got %d", len(repo.repayments))
	}
}

func TestGetLoanNotFound(t *testing.T) {
	repo := newFakePartnerRepo()
	svc := newPartnerService(repo, &fakeLedger{}, &fakeVerifier{}, newFakeLimits())

	_, _, err := svc.GetLoan(context.Background(), testPartner(), "missing")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMirrorStatus(t *testing.T) {
	cases := map[position.Status]LoanStatus{
		position.StatusActive:     LoanActive,
		position.StatusRepaid:     LoanRepaid,
		position.StatusClosed:     LoanRepaid,
		position.StatusLiquidated: LoanLiquidated,
	}
	for in, want := range cases {
		if got := mirrorStatus(in); got != want {
			t.Fatalf("mirrorStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
