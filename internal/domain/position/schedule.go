package position

import (
	"math/big"
	"time"
)

// BuildSchedule splits principal into n equal installments (the last one
// absorbs the integer-division remainder) and charges interest on the
// principal still outstanding at each period, at rateBPS per period.
// The sum of principal portions always equals principal exactly.
func BuildSchedule(principal *big.Int, rateBPS int64, start time.Time, interval time.Duration, n int32) []Installment {
	if principal == nil || principal.Sign() <= 0 || n < 1 {
		return nil
	}

	count := big.NewInt(int64(n))
	base := new(big.Int).Quo(principal, count)
	remainder := new(big.Int).Mod(principal, count)
	rate := big.NewInt(rateBPS)

	items := make([]Installment, 0, n)
	outstanding := new(big.Int).Set(principal)
	for i := int32(1); i <= n; i++ {
		portion := new(big.Int).Set(base)
		if i == n {
			portion.Add(portion, remainder)
		}
		interest := new(big.Int).Mul(outstanding, rate)
		interest.Quo(interest, big.NewInt(bpsDenominator))

		items = append(items, Installment{
			Number:    i,
			DueAt:     start.Add(time.Duration(i) * interval),
			Principal: portion,
			Interest:  interest,
			PaidSoFar: new(big.Int),
			Status:    InstallmentPending,
		})
		outstanding.Sub(outstanding, portion)
	}
	return items
}

// TotalInterest sums the interest portions of a schedule.
func TotalInterest(items []Installment) *big.Int {
	total := new(big.Int)
	for _, item := range items {
		total.Add(total, amountOrZero(item.Interest))
	}
	return total
}

// AccruedInterest is the interest charged as of now: the full interest of
// every installment already due, plus the interest portion settled early on
// installments still in the future (payments cover interest before
// principal, so PaidSoFar up to the interest portion is interest).
func AccruedInterest(items []Installment, now time.Time) *big.Int {
	total := new(big.Int)
	for _, item := range items {
		if !item.DueAt.After(now) {
			total.Add(total, amountOrZero(item.Interest))
			continue
		}
		paid := amountOrZero(item.PaidSoFar)
		interest := amountOrZero(item.Interest)
		if paid.Cmp(interest) < 0 {
			total.Add(total, paid)
		} else {
			total.Add(total, interest)
		}
	}
	return total
}

// RemainingDue sums what the schedule still owes across all installments.
// It caps repayments: paying it in full settles every installment.
func RemainingDue(items []Installment) *big.Int {
	total := new(big.Int)
	for _, item := range items {
		owed := item.Due()
		owed.Sub(owed, amountOrZero(item.PaidSoFar))
		if owed.Sign() > 0 {
			total.Add(total, owed)
		}
	}
	return total
}

// ApplyPayment walks unpaid installments in due order and applies amount to
// each until it runs out. Within an installment the interest portion is
// covered before principal; a partial payment is recorded as PaidSoFar
// progress and the status only flips to PAID once the full due amount is
// covered. Returns the installment numbers that changed.
func ApplyPayment(items []Installment, amount *big.Int, now time.Time) []int32 {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	left := new(big.Int).Set(amount)
	changed := make([]int32, 0, 2)

	for idx := range items {
		if left.Sign() == 0 {
			break
		}
		item := &items[idx]
		if item.Status == InstallmentPaid {
			continue
		}
		owed := item.Due()
		owed.Sub(owed, amountOrZero(item.PaidSoFar))
		if owed.Sign() <= 0 {
			continue
		}

		applied := left
		if left.Cmp(owed) > 0 {
			applied = owed
		}
		item.PaidSoFar = new(big.Int).Add(amountOrZero(item.PaidSoFar), applied)
		left = new(big.Int).Sub(left, applied)

		if item.PaidSoFar.Cmp(item.Due()) >= 0 {
			item.Status = InstallmentPaid
			ts := now
			item.PaidAt = &ts
		}
		changed = append(changed, item.Number)
	}
	return changed
}

// Summarize folds per-installment detail into the schedule view returned by
// the API.
func Summarize(positionID uint64, duration time.Duration, interval time.Duration, items []Installment) ScheduleSummary {
	out := ScheduleSummary{
		PositionID:    positionID,
		Duration:      duration,
		Installments:  int32(len(items)),
		Interval:      interval,
		TotalInterest: TotalInterest(items),
		RemainingDue:  RemainingDue(items),
		Items:         items,
	}
	for _, item := range items {
		switch item.Status {
		case InstallmentPaid:
			out.PaidCount++
		case InstallmentMissed:
			out.MissedCount++
		case InstallmentPending:
			if out.NextDueAt == nil {
				due := item.DueAt
				out.NextDueAt = &due
			}
		}
	}
	return out
}
