// Package ltv derives a volatility-adjusted loan-to-value ratio and the safe
// borrow amount it allows:
//
//	B_safe = V_collateral * (LTV_base - k * sigma * sqrt(T))
//
// Every step multiplies before dividing and truncates, so results are
// reproducible to the last unit.
package ltv

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

const (
	// SqrtScale is the fixed-point scale of the square-root horizon term.
	SqrtScale = 1000
	// SqrtDaysPerYear approximates sqrt(365).
	SqrtDaysPerYear = 19
)

// Inputs are the parameters of one adjustment. All ratios are basis points.
type Inputs struct {
	BaseLTV         fixed.Int
	Volatility      fixed.Int
	KFactor         fixed.Int
	HorizonDays     int64
	MinLTV          fixed.Int
	CollateralValue fixed.Int
}

// Quote carries each intermediate of the calculation.
type Quote struct {
	SqrtT       fixed.Int
	Adjustment  fixed.Int
	AdjustedLTV fixed.Int
	FinalLTV    fixed.Int
	SafeBorrow  fixed.Int
	// Saturated is set when the adjustment exceeded the base ratio and the
	// subtraction clamped at zero.
	Saturated bool
	// Floored is set when the minimum ratio replaced the adjusted one.
	Floored bool
}

// SqrtHorizon returns isqrt(days)*1000/19.
func SqrtHorizon(days int64) (fixed.Int, error) {
	return fixed.From(fixed.Sqrt(fixed.New(days))).MulInt(SqrtScale).QuoInt(SqrtDaysPerYear).Result()
}

// AdjustedLTV returns the floored ratio and the quote behind it. The
// CollateralValue input is ignored; use Calculate for the borrow amount.
func AdjustedLTV(in Inputs) (Quote, error) {
	if in.HorizonDays < 0 || in.BaseLTV.IsNegative() || in.Volatility.IsNegative() ||
		in.KFactor.IsNegative() || in.MinLTV.IsNegative() {
		return Quote{}, fmt.Errorf("ltv inputs must be non-negative: %w", riskerr.ErrInvalidInput)
	}
	sqrtT, err := SqrtHorizon(in.HorizonDays)
	if err != nil {
		return Quote{}, fmt.Errorf("sqrt horizon: %w", err)
	}
	adj, err := fixed.From(in.KFactor).Mul(in.Volatility).Mul(sqrtT).QuoInt(SqrtScale * fixed.BasisPoints).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("volatility adjustment: %w", err)
	}
	adjusted, saturated, err := in.BaseLTV.SatSub(adj)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		SqrtT:       sqrtT,
		Adjustment:  adj,
		AdjustedLTV: adjusted,
		FinalLTV:    adjusted,
		Saturated:   saturated,
	}
	if adjusted.Lt(in.MinLTV) {
		q.FinalLTV = in.MinLTV
		q.Floored = true
	}
	return q, nil
}

// Warning reports riskerr.ErrArithmeticFloor when the adjustment consumed the
// whole base ratio. The quote itself stays usable at its floored value.
func (q Quote) Warning() error {
	if !q.Saturated {
		return nil
	}
	return fmt.Errorf("adjustment %s exhausted the base ratio: %w", q.Adjustment, riskerr.ErrArithmeticFloor)
}

// SafeBorrow returns collateral*ltv/10000.
func SafeBorrow(collateral, ltvBP fixed.Int) (fixed.Int, error) {
	return fixed.ApplyBP(collateral, ltvBP)
}

// Calculate runs the full pipeline including the safe borrow amount.
func Calculate(in Inputs) (Quote, error) {
	q, err := AdjustedLTV(in)
	if err != nil {
		return Quote{}, err
	}
	if in.CollateralValue.IsNegative() {
		return Quote{}, fmt.Errorf("collateral value must be non-negative: %w", riskerr.ErrInvalidInput)
	}
	if q.SafeBorrow, err = SafeBorrow(in.CollateralValue, q.FinalLTV); err != nil {
		return Quote{}, fmt.Errorf("safe borrow: %w", err)
	}
	return q, nil
}
