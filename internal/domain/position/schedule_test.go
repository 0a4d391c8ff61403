package position

import (
	"math/big"
	"testing"
	"time"
)

func TestBuildSchedulePrincipalSum(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	principal := amt("1000000001")
	items := BuildSchedule(principal, 100, start, 30*24*time.Hour, 3)
	if len(items) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(items))
	}

	sum := new(big.Int)
	for _, item := range items {
		sum.Add(sum, item.Principal)
	}
	if sum.Cmp(principal) != 0 {
		t.Fatalf("principal portions sum to %s, want %s", sum, principal)
	}
	// Remainder lands on the last installment.
	if items[2].Principal.Cmp(items[0].Principal) <= 0 {
		t.Fatalf("last installment must absorb the remainder")
	}
	for i, item := range items {
		want := start.Add(time.Duration(i+1) * 30 * 24 * time.Hour)
		if !item.DueAt.Equal(want) {
			t.Fatalf("installment %d due at %s, want %s", item.Number, item.DueAt, want)
		}
	}
}

func TestBuildScheduleInterestDeclines(t *testing.T) {
	items := BuildSchedule(amt("3000"), 100, time.Now(), time.Hour, 3)
	// 1% per period on outstanding: 30, 20, 10.
	wants := []string{"30", "20", "10"}
	for i, want := range wants {
		if items[i].Interest.Cmp(amt(want)) != 0 {
			t.Fatalf("installment %d interest = %s, want %s", i+1, items[i].Interest, want)
		}
	}
	if TotalInterest(items).Cmp(amt("60")) != 0 {
		t.Fatalf("total interest = %s, want 60", TotalInterest(items))
	}
}

func TestBuildScheduleRejectsDegenerate(t *testing.T) {
	if items := BuildSchedule(nil, 100, time.Now(), time.Hour, 3); items != nil {
		t.Fatalf("nil principal must produce no schedule")
	}
	if items := BuildSchedule(amt("100"), 100, time.Now(), time.Hour, 0); items != nil {
		t.Fatalf("zero installments must produce no schedule")
	}
}

func TestApplyPaymentWaterfall(t *testing.T) {
	now := time.Now().UTC()
	items := BuildSchedule(amt("3000"), 100, now, time.Hour, 3)

	// First installment owes 1000 principal + 30 interest.
	changed := ApplyPayment(items, amt("1030"), now)
	if len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("changed = %v, want [1]", changed)
	}
	if items[0].Status != InstallmentPaid || items[0].PaidAt == nil {
		t.Fatalf("installment 1 must be PAID, got %s", items[0].Status)
	}
	if items[1].Status != InstallmentPending {
		t.Fatalf("installment 2 must stay PENDING")
	}
}

func TestApplyPaymentPartial(t *testing.T) {
	now := time.Now().UTC()
	items := BuildSchedule(amt("3000"), 100, now, time.Hour, 3)

	changed := ApplyPayment(items, amt("500"), now)
	if len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("changed = %v, want [1]", changed)
	}
	if items[0].PaidSoFar.Cmp(amt("500")) != 0 {
		t.Fatalf("paid so far = %s, want 500", items[0].PaidSoFar)
	}
	if items[0].Status == InstallmentPaid {
		t.Fatalf("partial payment must not flip status to PAID")
	}

	// Completing it plus spilling into the second installment.
	changed = ApplyPayment(items, amt("1000"), now)
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want two installments", changed)
	}
	if items[0].Status != InstallmentPaid {
		t.Fatalf("installment 1 must be PAID after completion")
	}
	if items[1].PaidSoFar.Cmp(amt("470")) != 0 {
		t.Fatalf("installment 2 paid so far = %s, want 470", items[1].PaidSoFar)
	}
}

func TestApplyPaymentSkipsNothingOnZero(t *testing.T) {
	items := BuildSchedule(amt("3000"), 100, time.Now(), time.Hour, 3)
	if changed := ApplyPayment(items, big.NewInt(0), time.Now()); changed != nil {
		t.Fatalf("zero payment must change nothing, got %v", changed)
	}
}

func TestAccruedInterestFollowsDueDatesAndEarlyPayments(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := BuildSchedule(amt("3000"), 100, start, time.Hour, 3)

	// Nothing due, nothing paid: no interest charged yet.
	if got := AccruedInterest(items, start); got.Sign() != 0 {
		t.Fatalf("accrued = %s at the borrow instant, want 0", got)
	}

	// Two periods elapsed: their interest is charged in full.
	if got := AccruedInterest(items, start.Add(2*time.Hour)); got.Cmp(amt("50")) != 0 {
		t.Fatalf("accrued = %s after two periods, want 50", got)
	}

	// An early payment settles interest first, so it accrues immediately.
	ApplyPayment(items, amt("20"), start)
	if got := AccruedInterest(items, start); got.Cmp(amt("20")) != 0 {
		t.Fatalf("accrued = %s after early partial payment, want 20", got)
	}
	ApplyPayment(items, amt("1010"), start)
	if got := AccruedInterest(items, start); got.Cmp(amt("30")) != 0 {
		t.Fatalf("accrued = %s after settling installment 1, want 30", got)
	}
}

func TestRemainingDueShrinksWithPayments(t *testing.T) {
	items := BuildSchedule(amt("3000"), 100, time.Now().UTC(), time.Hour, 3)
	// 3000 principal + 60 interest across the schedule.
	if got := RemainingDue(items); got.Cmp(amt("3060")) != 0 {
		t.Fatalf("remaining = %s, want 3060", got)
	}
	ApplyPayment(items, amt("1030"), time.Now().UTC())
	if got := RemainingDue(items); got.Cmp(amt("2030")) != 0 {
		t.Fatalf("remaining = %s after first installment, want 2030", got)
	}
	ApplyPayment(items, amt("2030"), time.Now().UTC())
	if got := RemainingDue(items); got.Sign() != 0 {
		t.Fatalf("remaining = %s after full settlement, want 0", got)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Now().UTC()
	items := BuildSchedule(amt("3000"), 100, now, time.Hour, 3)
	ApplyPayment(items, amt("1030"), now)
	items[1].Status = InstallmentMissed

	summary := Summarize(7, 3*time.Hour, time.Hour, items)
	if summary.PaidCount != 1 || summary.MissedCount != 1 {
		t.Fatalf("paid=%d missed=%d, want 1/1", summary.PaidCount, summary.MissedCount)
	}
	if summary.NextDueAt == nil || !summary.NextDueAt.Equal(items[2].DueAt) {
		t.Fatalf("next due must point at installment 3")
	}
}
