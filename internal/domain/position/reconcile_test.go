package position

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func seedIntent(repo *fakeRepo, ref, owner string) {
	repo.intents[ref] = &DepositIntent{
		Ref:          ref,
		Owner:        owner,
		Token:        "0xtoken",
		Class:        ClassA,
		Amount:       amt("5000"),
		ValuationUSD: amt("10000000000"),
		TxHash:       "0xsubmitted",
		Status:       DepositSubmitted,
	}
}

func TestApplyCollateralLockedCreatesPosition(t *testing.T) {
	repo := newFakeRepo()
	outbox := &fakeOutbox{}
	svc := newTestService(repo, &fakeChain{}, outbox)
	seedIntent(repo, "ref-1", "0xalice")

	ev := CollateralLockedEvent{
		Ref:        EventRef{TxHash: "0xABCD", LogIndex: 3, BlockNumber: 100},
		PositionID: 42,
		DepositRef: "ref-1",
		Owner:      "0xAlice",
		Token:      "0xToken",
		Amount:     amt("5000"),
	}
	if dup, err := svc.ApplyCollateralLocked(context.Background(), ev); err != nil || dup {
		t.Fatalf("ApplyCollateralLocked: dup=%v err=%v", dup, err)
	}

	entity := repo.positions[42]
	if entity == nil {
		t.Fatalf("position not created")
	}
	if entity.CollateralAmount.Cmp(amt("5000")) != 0 || entity.Status != StatusActive {
		t.Fatalf("unexpected position %+v", entity)
	}
	if entity.CreateTxHash != "0xabcd" {
		t.Fatalf("tx hash not lowercased: %s", entity.CreateTxHash)
	}
	if repo.intents["ref-1"].Status != DepositConfirmed {
		t.Fatalf("intent not confirmed: %s", repo.intents["ref-1"].Status)
	}
	if len(outbox.topics) != 1 {
		t.Fatalf("expected one notification, got %d", len(outbox.topics))
	}

	// Duplicate delivery replays cleanly and emits nothing new.
	dup, err := svc.ApplyCollateralLocked(context.Background(), ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dup {
		t.Fatalf("replay must report duplicate")
	}
	if len(repo.positions) != 1 || len(outbox.topics) != 1 {
		t.Fatalf("replay must be a no-op: %d positions, %d notifications", len(repo.positions), len(outbox.topics))
	}
}

func TestApplyCollateralLockedRefusesDivergentTx(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	seedPosition(repo, 42, "0xalice", "10000000000")

	_, err := svc.ApplyCollateralLocked(context.Background(), CollateralLockedEvent{
		Ref:        EventRef{TxHash: "0xother", LogIndex: 0},
		PositionID: 42,
		DepositRef: "ref-1",
		Owner:      "0xalice",
		Token:      "0xtoken",
		Amount:     amt("5000"),
	})
	if err == nil {
		t.Fatalf("expected divergent mapping to fail")
	}
}

func TestApplyCollateralLockedRejectsMismatchedIntent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	seedIntent(repo, "ref-1", "0xsomeoneelse")

	_, err := svc.ApplyCollateralLocked(context.Background(), CollateralLockedEvent{
		Ref:        EventRef{TxHash: "0xabcd", LogIndex: 0},
		PositionID: 42,
		DepositRef: "ref-1",
		Owner:      "0xalice",
		Token:      "0xtoken",
		Amount:     amt("5000"),
	})
	if err == nil {
		t.Fatalf("expected owner mismatch to fail")
	}
	if len(repo.positions) != 0 {
		t.Fatalf("mismatched intent must not create a position")
	}
}

func TestApplyCollateralLockedHealsUnconfirmedIntent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	seedIntent(repo, "ref-1", "0xalice")
	e := seedPosition(repo, 42, "0xalice", "10000000000")
	e.CreateTxHash = "0xabcd"

	// The position row exists but the intent flip and the confirmed marker
	// were lost to a crash mid-apply. The redelivery completes both.
	dup, err := svc.ApplyCollateralLocked(context.Background(), CollateralLockedEvent{
		Ref:        EventRef{TxHash: "0xabcd", LogIndex: 3, BlockNumber: 100},
		PositionID: 42,
		DepositRef: "ref-1",
		Owner:      "0xalice",
		Token:      "0xtoken",
		Amount:     amt("5000"),
	})
	if err != nil || dup {
		t.Fatalf("redelivery: dup=%v err=%v", dup, err)
	}
	if repo.intents["ref-1"].Status != DepositConfirmed {
		t.Fatalf("redelivery must confirm the intent, got %s", repo.intents["ref-1"].Status)
	}
	if ok, _ := repo.EntryConfirmed(context.Background(), "0xabcd", 3); !ok {
		t.Fatalf("redelivery must write the confirmed marker")
	}
}

func TestApplyBorrowedConfirmsAndCorrects(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	e := seedPosition(repo, 7, "0xalice", "10000000000")
	e.Principal = amt("4000")
	e.Confirmed = false

	ev := LoanBorrowedEvent{
		Ref:            EventRef{TxHash: "0xborrow", LogIndex: 1},
		PositionID:     7,
		Amount:         amt("5000"),
		TotalPrincipal: amt("5000"),
	}
	if dup, err := svc.ApplyBorrowed(context.Background(), ev); err != nil || dup {
		t.Fatalf("ApplyBorrowed: dup=%v err=%v", dup, err)
	}
	stored := repo.positions[7]
	if stored.Principal.Cmp(amt("5000")) != 0 {
		t.Fatalf("principal = %s, want on-chain total 5000", stored.Principal)
	}
	if !stored.Confirmed {
		t.Fatalf("position not confirmed")
	}

	// Replay of the same event leaves the corrected total alone.
	stored.Principal = amt("4000")
	dup, err := svc.ApplyBorrowed(context.Background(), ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dup {
		t.Fatalf("replay must report duplicate")
	}
	if repo.positions[7].Principal.Cmp(amt("4000")) != 0 {
		t.Fatalf("duplicate delivery must not rewrite the loan")
	}
}

func TestApplyRepaidSetsAbsoluteTotal(t *testing.T) {
	repo := newFakeRepo()
	outbox := &fakeOutbox{}
	svc := newTestService(repo, &fakeChain{}, outbox)
	e := seedPosition(repo, 7, "0xalice", "10000000000")
	e.Principal = amt("1000")
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo.schedules[7] = BuildSchedule(amt("1000"), 100, start, time.Hour, 3)
	totalDue := RemainingDue(repo.schedules[7])

	ev := LoanRepaidEvent{
		Ref:         EventRef{TxHash: "0xrepay1", LogIndex: 0},
		PositionID:  7,
		Amount:      amt("515"),
		TotalRepaid: amt("515"),
	}
	if dup, err := svc.ApplyRepaid(context.Background(), ev); err != nil || dup {
		t.Fatalf("ApplyRepaid: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Repaid.Cmp(amt("515")) != 0 {
		t.Fatalf("repaid = %s, want 515", repo.positions[7].Repaid)
	}
	items, _ := repo.GetSchedule(context.Background(), 7)
	if items[0].Status != InstallmentPaid {
		t.Fatalf("first installment should be paid, got %s", items[0].Status)
	}

	// Duplicate delivery: same (tx, log index) is dropped outright.
	dup, err := svc.ApplyRepaid(context.Background(), ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dup {
		t.Fatalf("replay must report duplicate")
	}
	if repo.positions[7].Repaid.Cmp(amt("515")) != 0 {
		t.Fatalf("replay changed repaid total to %s", repo.positions[7].Repaid)
	}

	// A distinct event carrying no new delta is also a no-op.
	stale := ev
	stale.Ref = EventRef{TxHash: "0xrepay2", LogIndex: 0}
	stale.TotalRepaid = amt("515")
	if dup, err := svc.ApplyRepaid(context.Background(), stale); err != nil || dup {
		t.Fatalf("stale total: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Repaid.Cmp(amt("515")) != 0 {
		t.Fatalf("stale total changed repaid to %s", repo.positions[7].Repaid)
	}

	final := LoanRepaidEvent{
		Ref:         EventRef{TxHash: "0xrepay3", LogIndex: 0},
		PositionID:  7,
		Amount:      new(big.Int).Sub(totalDue, amt("515")),
		TotalRepaid: totalDue,
	}
	if dup, err := svc.ApplyRepaid(context.Background(), final); err != nil || dup {
		t.Fatalf("final repayment: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Status != StatusRepaid {
		t.Fatalf("status = %s, want REPAID", repo.positions[7].Status)
	}
	if repo.positions[7].Outstanding().Sign() != 0 {
		t.Fatalf("outstanding = %s after full repayment", repo.positions[7].Outstanding())
	}
}

func TestApplyRepaidRetriesAfterTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	e := seedPosition(repo, 7, "0xalice", "10000000000")
	e.Principal = amt("1000")
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo.schedules[7] = BuildSchedule(amt("1000"), 100, start, time.Hour, 1)
	totalDue := RemainingDue(repo.schedules[7])

	ev := LoanRepaidEvent{
		Ref:         EventRef{TxHash: "0xrepay", LogIndex: 0},
		PositionID:  7,
		Amount:      totalDue,
		TotalRepaid: totalDue,
	}

	// The mutation fails after the dedupe check. No marker may be written:
	// the event must stay eligible for redelivery.
	repo.failSaveRepayment = 1
	if _, err := svc.ApplyRepaid(context.Background(), ev); err == nil {
		t.Fatalf("expected the transient failure to surface")
	}
	if ok, _ := repo.EntryConfirmed(context.Background(), "0xrepay", 0); ok {
		t.Fatalf("a failed apply must not confirm the dedupe key")
	}
	if repo.positions[7].Repaid.Sign() != 0 {
		t.Fatalf("failed apply must leave the mirror untouched, repaid %s", repo.positions[7].Repaid)
	}

	// Redelivery is not classified as duplicate and converges the mirror.
	dup, err := svc.ApplyRepaid(context.Background(), ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if dup {
		t.Fatalf("redelivery after a failure must re-apply, not dedupe")
	}
	if repo.positions[7].Repaid.Cmp(totalDue) != 0 {
		t.Fatalf("repaid = %s, want %s", repo.positions[7].Repaid, totalDue)
	}
	if repo.positions[7].Status != StatusRepaid {
		t.Fatalf("status = %s, want REPAID", repo.positions[7].Status)
	}
	if ok, _ := repo.EntryConfirmed(context.Background(), "0xrepay", 0); !ok {
		t.Fatalf("successful redelivery must confirm the dedupe key")
	}
}

func TestApplyWithdrawnClosesAtZeroRemaining(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeChain{}, &fakeOutbox{})
	seedPosition(repo, 7, "0xalice", "10000000000")

	if dup, err := svc.ApplyWithdrawn(context.Background(), CollateralWithdrawnEvent{
		Ref:        EventRef{TxHash: "0xw1", LogIndex: 0},
		PositionID: 7,
		Amount:     amt("400000000000000000"),
		Remaining:  amt("600000000000000000"),
	}); err != nil || dup {
		t.Fatalf("partial: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Status != StatusActive {
		t.Fatalf("partial withdrawal must keep status, got %s", repo.positions[7].Status)
	}
	if repo.positions[7].CollateralAmount.Cmp(amt("600000000000000000")) != 0 {
		t.Fatalf("remaining = %s", repo.positions[7].CollateralAmount)
	}

	if dup, err := svc.ApplyWithdrawn(context.Background(), CollateralWithdrawnEvent{
		Ref:        EventRef{TxHash: "0xw2", LogIndex: 0},
		PositionID: 7,
		Amount:     amt("600000000000000000"),
		Remaining:  amt("0"),
	}); err != nil || dup {
		t.Fatalf("full: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Status != StatusClosed {
		t.Fatalf("status = %s, want CLOSED", repo.positions[7].Status)
	}
}

func TestApplyLiquidatedIdempotent(t *testing.T) {
	repo := newFakeRepo()
	outbox := &fakeOutbox{}
	svc := newTestService(repo, &fakeChain{}, outbox)
	e := seedPosition(repo, 7, "0xalice", "10000000000")
	e.Principal = amt("9500000000")

	ev := PositionLiquidatedEvent{
		Ref:        EventRef{TxHash: "0xliq", LogIndex: 2},
		PositionID: 7,
	}
	if dup, err := svc.ApplyLiquidated(context.Background(), ev); err != nil || dup {
		t.Fatalf("ApplyLiquidated: dup=%v err=%v", dup, err)
	}
	if repo.positions[7].Status != StatusLiquidated {
		t.Fatalf("status = %s, want LIQUIDATED", repo.positions[7].Status)
	}
	notified := len(outbox.topics)

	dup, err := svc.ApplyLiquidated(context.Background(), ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dup {
		t.Fatalf("replay must report duplicate")
	}
	if len(outbox.topics) != notified {
		t.Fatalf("replay emitted another notification")
	}
}
