package position

import "math/big"

const bpsDenominator = 10000

// HealthParams carries the LTV table and liquidation threshold, both in
// basis points. Pure math lives here; callers own all I/O.
type HealthParams struct {
	LTVBPS                  map[CollateralClass]int64
	LiquidationThresholdBPS int64
}

func DefaultHealthParams() HealthParams {
	return HealthParams{
		LTVBPS: map[CollateralClass]int64{
			ClassA: 7000,
			ClassB: 6000,
		},
		LiquidationThresholdBPS: 11000,
	}
}

// MaxBorrowable is LTV[class] * valuationUSD, in valuation base units.
func (p HealthParams) MaxBorrowable(class CollateralClass, valuationUSD *big.Int) *big.Int {
	ltv, ok := p.LTVBPS[class]
	if !ok || valuationUSD == nil || valuationUSD.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(valuationUSD, big.NewInt(ltv))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// HealthFactor is valuationUSD * 10000 / outstandingDebt. The second return
// is false when debt is zero: the position is maximally healthy and the
// factor is undefined.
func HealthFactor(valuationUSD, outstandingDebt *big.Int) (*big.Int, bool) {
	if outstandingDebt == nil || outstandingDebt.Sign() <= 0 {
		return nil, false
	}
	out := new(big.Int).Mul(amountOrZero(valuationUSD), big.NewInt(bpsDenominator))
	return out.Quo(out, outstandingDebt), true
}

// Liquidatable flags a position whose health factor fell below the
// threshold. Zero-debt positions are never liquidatable. This predicate
// only flags candidates; liquidation itself is an explicit admin action.
func (p HealthParams) Liquidatable(valuationUSD, outstandingDebt *big.Int) bool {
	hf, ok := HealthFactor(valuationUSD, outstandingDebt)
	if !ok {
		return false
	}
	return hf.Cmp(big.NewInt(p.LiquidationThresholdBPS)) < 0
}
