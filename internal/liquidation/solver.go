// Package liquidation sizes partial liquidations of unhealthy positions and
// prices them with a linear Dutch auction.
package liquidation

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

// Params controls a liquidation. Every field is in basis points.
type Params struct {
	LiquidationThreshold fixed.Int
	TargetHealth         fixed.Int
	Penalty              fixed.Int
	ProtocolFee          fixed.Int
	// CloseFactor caps the debt repaid in one call. Zero disables the cap.
	CloseFactor fixed.Int
}

// Validate rejects negative or out-of-range parameters.
func (p Params) Validate() error {
	if p.LiquidationThreshold.Sign() <= 0 || p.TargetHealth.Sign() <= 0 {
		return fmt.Errorf("liquidation threshold and target must be positive: %w", riskerr.ErrInvalidInput)
	}
	if p.Penalty.IsNegative() {
		return fmt.Errorf("liquidation penalty %s is negative: %w", p.Penalty, riskerr.ErrInvalidInput)
	}
	if p.ProtocolFee.IsNegative() || p.ProtocolFee.Gt(fixed.BP) {
		return fmt.Errorf("protocol fee %s out of range: %w", p.ProtocolFee, riskerr.ErrInvalidInput)
	}
	if p.CloseFactor.IsNegative() || p.CloseFactor.Gt(fixed.BP) {
		return fmt.Errorf("close factor %s out of range: %w", p.CloseFactor, riskerr.ErrInvalidInput)
	}
	return nil
}

// Plan is the outcome of one liquidation call. Amounts are USD with 14
// decimals.
type Plan struct {
	CollateralSeized fixed.Int `json:"collateral_seized"`
	DebtRepaid       fixed.Int `json:"debt_repaid"`
	LiquidatorBonus  fixed.Int `json:"liquidator_bonus"`
	ProtocolFee      fixed.Int `json:"protocol_fee"`
	HealthBefore     fixed.Int `json:"health_before"`
	HealthAfter      fixed.Int `json:"health_after"`
	// Full is set when the penalty could never restore the target health and
	// the whole position was taken.
	Full bool `json:"full"`
	// Capped is set when the close factor reduced the repay amount.
	Capped bool `json:"capped"`
}

// IsLiquidatable reports health < threshold. Equality is not liquidatable.
func IsLiquidatable(healthBP, threshold fixed.Int) bool {
	return healthBP.Lt(threshold)
}

// PartialAmounts returns the collateral to seize and the debt to repay that
// bring the position to target health when the seized collateral carries the
// penalty premium. When 10000+penalty does not exceed the target no partial
// amount can restore health, so the whole position is taken.
func PartialAmounts(collateral, debt, penalty, target fixed.Int) (seized, repaid fixed.Int, err error) {
	if debt.IsZero() {
		return fixed.Zero, fixed.Zero, nil
	}
	current, err := fixed.MulDiv(collateral, fixed.BP, debt)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if current.Gte(target) {
		return fixed.Zero, fixed.Zero, nil
	}

	penaltyFactor, err := fixed.BP.Add(penalty)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	denominator, err := penaltyFactor.Sub(target)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if denominator.Sign() <= 0 {
		return collateral, debt, nil
	}

	lhs, err := collateral.Mul(fixed.BP)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	rhs, err := target.Mul(debt)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	repaid, err = fixed.From(lhs).Sub(rhs).Quo(denominator).Result()
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if repaid.Sign() <= 0 {
		return fixed.Zero, fixed.Zero, nil
	}
	if seized, err = fixed.ApplyBP(repaid, penaltyFactor); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return seized.Min(collateral), repaid.Min(debt), nil
}

// Bonus splits seized-repaid between the liquidator and the protocol.
func Bonus(seized, repaid, feeBP fixed.Int) (liquidator, protocol fixed.Int, err error) {
	total, err := seized.Sub(repaid)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if total.Sign() <= 0 {
		return fixed.Zero, fixed.Zero, nil
	}
	if protocol, err = fixed.ApplyBP(total, feeBP); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	liquidator, err = total.Sub(protocol)
	return liquidator, protocol, err
}

// MaxSingle returns debt*closeFactor/10000.
func MaxSingle(debt, closeFactor fixed.Int) (fixed.Int, error) {
	return fixed.ApplyBP(debt, closeFactor)
}

// Solve plans the liquidation of a position with the given weighted
// collateral and debt. Only Liquidatable positions are accepted.
func Solve(collateral, debt fixed.Int, p Params) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	before, err := health.Value(collateral, debt)
	if err != nil {
		return Plan{}, fmt.Errorf("health before: %w", err)
	}
	if !IsLiquidatable(before, p.LiquidationThreshold) {
		return Plan{}, fmt.Errorf("health %s is not below %s: %w", before, p.LiquidationThreshold, riskerr.ErrNotLiquidatable)
	}

	seized, repaid, err := PartialAmounts(collateral, debt, p.Penalty, p.TargetHealth)
	if err != nil {
		return Plan{}, fmt.Errorf("partial amounts: %w", err)
	}
	if repaid.IsZero() {
		return Plan{}, fmt.Errorf("penalty %s cannot move health %s toward %s: %w", p.Penalty, before, p.TargetHealth, riskerr.ErrNotLiquidatable)
	}
	penaltyFactor, err := fixed.BP.Add(p.Penalty)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{HealthBefore: before, Full: penaltyFactor.Lte(p.TargetHealth)}

	if p.CloseFactor.IsPositive() {
		limit, err := MaxSingle(debt, p.CloseFactor)
		if err != nil {
			return Plan{}, err
		}
		if repaid.Gt(limit) {
			repaid = limit
			if seized, err = fixed.ApplyBP(repaid, penaltyFactor); err != nil {
				return Plan{}, err
			}
			seized = seized.Min(collateral)
			plan.Capped = true
			plan.Full = false
		}
	}
	plan.CollateralSeized, plan.DebtRepaid = seized, repaid

	if plan.LiquidatorBonus, plan.ProtocolFee, err = Bonus(seized, repaid, p.ProtocolFee); err != nil {
		return Plan{}, fmt.Errorf("bonus: %w", err)
	}

	restC, err := collateral.Sub(seized)
	if err != nil {
		return Plan{}, err
	}
	restD, err := debt.Sub(repaid)
	if err != nil {
		return Plan{}, err
	}
	if plan.HealthAfter, err = health.Value(restC, restD); err != nil {
		return Plan{}, fmt.Errorf("health after: %w", err)
	}
	return plan, nil
}
