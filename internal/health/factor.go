// Package health computes position health factors and the pure state
// transitions of a collateralized debt position.
package health

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// Status classifies a health factor.
type Status int

const (
	Healthy Status = iota
	Warning
	Critical
	Liquidatable
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Liquidatable:
		return "liquidatable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Default status floors in basis points. WarningFloor is the value the lending
// pool calls its "critical" constant; it marks the bottom of the Warning band
// and doubles as the default stop-loss trigger.
const (
	HealthyFloor  = 11000
	WarningFloor  = 10200
	CriticalFloor = 10000
)

// Thresholds are the lower bounds of the Healthy, Warning and Critical bands.
// Anything below Critical is Liquidatable.
type Thresholds struct {
	Healthy  fixed.Int
	Warning  fixed.Int
	Critical fixed.Int
}

// DefaultThresholds returns 11000/10200/10000.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Healthy:  fixed.New(HealthyFloor),
		Warning:  fixed.New(WarningFloor),
		Critical: fixed.New(CriticalFloor),
	}
}

// Validate requires Healthy >= Warning >= Critical > 0.
func (t Thresholds) Validate() error {
	if t.Critical.Sign() <= 0 || t.Warning.Lt(t.Critical) || t.Healthy.Lt(t.Warning) {
		return fmt.Errorf("health thresholds %s/%s/%s out of order: %w", t.Healthy, t.Warning, t.Critical, riskerr.ErrInvalidInput)
	}
	return nil
}

// Classify maps a health value onto its band.
func (t Thresholds) Classify(v fixed.Int) Status {
	switch {
	case v.Gte(t.Healthy):
		return Healthy
	case v.Gte(t.Warning):
		return Warning
	case v.Gte(t.Critical):
		return Critical
	default:
		return Liquidatable
	}
}

// Factor is a point-in-time health reading. Value is fixed.Max when there is
// no debt.
type Factor struct {
	Value        fixed.Int `json:"value"`
	Status       Status    `json:"status"`
	Collateral   fixed.Int `json:"collateral"`
	Debt         fixed.Int `json:"debt"`
	Shortfall    fixed.Int `json:"shortfall"`
	Withdrawable fixed.Int `json:"withdrawable"`
}

// Infinite reports whether the position carries no debt.
func (f Factor) Infinite() bool { return f.Value.Eq(fixed.Max) }

// Value returns collateral*10000/debt, or fixed.Max when debt is zero.
func Value(collateral, debt fixed.Int) (fixed.Int, error) {
	if debt.IsZero() {
		return fixed.Max, nil
	}
	return fixed.MulDiv(collateral, fixed.BP, debt)
}

// Compute builds a Factor for a weighted collateral value and a debt value,
// both in USD with 14 decimals.
func Compute(collateral, debt fixed.Int, t Thresholds) (Factor, error) {
	if collateral.IsNegative() || debt.IsNegative() {
		return Factor{}, fmt.Errorf("collateral %s and debt %s must be non-negative: %w", collateral, debt, riskerr.ErrInvalidInput)
	}
	v, err := Value(collateral, debt)
	if err != nil {
		return Factor{}, fmt.Errorf("health value: %w", err)
	}
	f := Factor{
		Value:        v,
		Status:       t.Classify(v),
		Collateral:   collateral,
		Debt:         debt,
		Shortfall:    fixed.Zero,
		Withdrawable: collateral,
	}
	if debt.IsZero() {
		return f, nil
	}
	required, err := fixed.ApplyBP(debt, t.Healthy)
	if err != nil {
		return Factor{}, fmt.Errorf("required collateral: %w", err)
	}
	if f.Shortfall, _, err = required.SatSub(collateral); err != nil {
		return Factor{}, err
	}
	if f.Withdrawable, _, err = collateral.SatSub(required); err != nil {
		return Factor{}, err
	}
	return f, nil
}
