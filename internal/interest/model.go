// Package interest implements the kinked utilization rate curve and simple
// interest accrual.
package interest

import (
	"fmt"
	"time"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// SecondsPerYear is the accrual year.
const SecondsPerYear = 31_536_000

// Model is a two-slope rate curve. All fields are basis points; Optimal is the
// utilization at which the second slope takes over.
type Model struct {
	BaseRate fixed.Int `mapstructure:"base_rate" json:"base_rate"`
	Slope1   fixed.Int `mapstructure:"slope1" json:"slope1"`
	Slope2   fixed.Int `mapstructure:"slope2" json:"slope2"`
	Optimal  fixed.Int `mapstructure:"optimal_utilization" json:"optimal_utilization"`
}

// DefaultModel is 2% base, 4% up to 80% utilization, then 75% more.
func DefaultModel() Model {
	return Model{
		BaseRate: fixed.New(200),
		Slope1:   fixed.New(400),
		Slope2:   fixed.New(7500),
		Optimal:  fixed.New(8000),
	}
}

// Validate rejects curves that would divide by zero or go negative.
func (m Model) Validate() error {
	if m.BaseRate.IsNegative() || m.Slope1.IsNegative() || m.Slope2.IsNegative() {
		return fmt.Errorf("interest rates must be non-negative: %w", riskerr.ErrInvalidInput)
	}
	if m.Optimal.Sign() <= 0 || m.Optimal.Gte(fixed.BP) {
		return fmt.Errorf("optimal utilization %s must be within (0, 10000): %w", m.Optimal, riskerr.ErrInvalidInput)
	}
	return nil
}

// Utilization returns borrows*10000/liquidity, or zero when there is no
// liquidity.
func Utilization(borrows, liquidity fixed.Int) (fixed.Int, error) {
	if liquidity.IsZero() {
		return fixed.Zero, nil
	}
	return fixed.MulDiv(borrows, fixed.BP, liquidity)
}

// Rate returns the annual borrow rate at utilization u.
func (m Model) Rate(u fixed.Int) (fixed.Int, error) {
	if err := m.Validate(); err != nil {
		return fixed.Zero, err
	}
	if u.Lte(m.Optimal) {
		return fixed.From(u).Mul(m.Slope1).Quo(m.Optimal).Add(m.BaseRate).Result()
	}
	excess, err := u.Sub(m.Optimal)
	if err != nil {
		return fixed.Zero, err
	}
	span, err := fixed.BP.Sub(m.Optimal)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.From(excess).Mul(m.Slope2).Quo(span).Add(m.BaseRate).Add(m.Slope1).Result()
}

// PoolRate computes the rate for a pool's borrows and liquidity.
func (m Model) PoolRate(borrows, liquidity fixed.Int) (fixed.Int, error) {
	u, err := Utilization(borrows, liquidity)
	if err != nil {
		return fixed.Zero, fmt.Errorf("utilization: %w", err)
	}
	return m.Rate(u)
}

// Interest returns principal*rate*elapsed/(SecondsPerYear*10000).
func Interest(principal, rateBP fixed.Int, elapsed time.Duration) (fixed.Int, error) {
	secs := int64(elapsed / time.Second)
	if principal.IsZero() || secs <= 0 {
		return fixed.Zero, nil
	}
	return fixed.From(principal).Mul(rateBP).MulInt(secs).QuoInt(SecondsPerYear * fixed.BasisPoints).Result()
}

// Accrual is the interest state of a debt position.
type Accrual struct {
	Principal   fixed.Int
	Accrued     fixed.Int
	LastAccrual time.Time
}

// Accrue adds interest for the time between LastAccrual and now. Nothing
// changes when the principal is zero or less than a second has passed;
// otherwise the accrual timestamp advances by the whole seconds charged, so
// the sub-second remainder is carried into the next accrual.
func (a Accrual) Accrue(rateBP fixed.Int, now time.Time) (Accrual, error) {
	if a.Principal.IsZero() {
		return a, nil
	}
	elapsed := now.Sub(a.LastAccrual)
	if elapsed < time.Second {
		return a, nil
	}
	i, err := Interest(a.Principal, rateBP, elapsed)
	if err != nil {
		return a, fmt.Errorf("accrue interest: %w", err)
	}
	if a.Accrued, err = a.Accrued.Add(i); err != nil {
		return a, err
	}
	a.LastAccrual = a.LastAccrual.Add(elapsed.Truncate(time.Second))
	return a, nil
}

// EffectiveRate is the borrow rate net of the yield earned by the collateral,
// expressed against the principal. It is negative when the yield outruns the
// borrow cost and zero when nothing is borrowed.
func EffectiveRate(borrowBP, yieldBP, principal, collateral fixed.Int) (fixed.Int, error) {
	if principal.IsZero() {
		return fixed.Zero, nil
	}
	cost, err := fixed.ApplyBP(principal, borrowBP)
	if err != nil {
		return fixed.Zero, err
	}
	earned, err := fixed.ApplyBP(collateral, yieldBP)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.From(cost).Sub(earned).MulInt(fixed.BasisPoints).Quo(principal).Result()
}
