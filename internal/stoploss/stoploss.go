// Package stoploss sizes the collateral-to-stable swaps that lift a position
// out of the pre-liquidation zone before it can be liquidated.
package stoploss

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

// MaxSlippage is the largest slippage tolerance a user may configure.
const MaxSlippage = 1000

// Config is a user's stop-loss preference.
type Config struct {
	Enabled bool `json:"enabled"`
	// TriggerThreshold overrides the protocol stop-loss threshold; zero
	// means use the protocol value.
	TriggerThreshold fixed.Int `json:"trigger_threshold"`
	// TargetHealth overrides the protocol target; zero means use the
	// protocol value.
	TargetHealth  fixed.Int `json:"target_health"`
	SwapOrder     []string  `json:"swap_order"`
	MaxSlippage   fixed.Int `json:"max_slippage"`
	MinSwapAmount fixed.Int `json:"min_swap_amount"`
}

// Validate checks user supplied values.
func (c Config) Validate() error {
	if c.MaxSlippage.IsNegative() || c.MaxSlippage.Gt(fixed.New(MaxSlippage)) {
		return fmt.Errorf("max slippage %s must be within [0, %d]: %w", c.MaxSlippage, MaxSlippage, riskerr.ErrInvalidInput)
	}
	if c.TriggerThreshold.IsNegative() {
		return fmt.Errorf("trigger threshold %s is negative: %w", c.TriggerThreshold, riskerr.ErrInvalidInput)
	}
	if !c.TargetHealth.IsZero() && c.TargetHealth.Lte(fixed.BP) {
		return fmt.Errorf("target health %s must exceed 10000: %w", c.TargetHealth, riskerr.ErrInvalidInput)
	}
	if c.MinSwapAmount.IsNegative() {
		return fmt.Errorf("min swap amount %s is negative: %w", c.MinSwapAmount, riskerr.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(c.SwapOrder))
	for _, a := range c.SwapOrder {
		if _, dup := seen[a]; dup || a == "" {
			return fmt.Errorf("swap order entry %q is empty or repeated: %w", a, riskerr.ErrInvalidInput)
		}
		seen[a] = struct{}{}
	}
	return nil
}

// Trigger resolves the effective trigger threshold.
func (c Config) Trigger(global fixed.Int) fixed.Int {
	if c.TriggerThreshold.IsPositive() {
		return c.TriggerThreshold
	}
	return global
}

// Target resolves the effective target health.
func (c Config) Target(global fixed.Int) fixed.Int {
	if c.TargetHealth.IsPositive() {
		return c.TargetHealth
	}
	return global
}

// ShouldTrigger reports liquidation <= health <= trigger.
func ShouldTrigger(healthBP, trigger, liquidation fixed.Int) bool {
	return healthBP.Lte(trigger) && healthBP.Gte(liquidation)
}

// SwapAmount returns the collateral value to swap into the debt asset, at a
// 1:1 rate, so that health reaches target. The result is clamped to
// [0, collateral].
func SwapAmount(collateral, debt, target fixed.Int) (fixed.Int, error) {
	if debt.IsZero() {
		return fixed.Zero, nil
	}
	current, err := health.Value(collateral, debt)
	if err != nil {
		return fixed.Zero, err
	}
	if current.Gte(target) {
		return fixed.Zero, nil
	}
	denominator, err := target.Sub(fixed.BP)
	if err != nil {
		return fixed.Zero, err
	}
	if denominator.Sign() <= 0 {
		return fixed.Zero, nil
	}
	normalized, err := fixed.ApplyBP(debt, target)
	if err != nil {
		return fixed.Zero, err
	}
	s, err := fixed.From(normalized).Sub(collateral).MulInt(fixed.BasisPoints).Quo(denominator).Result()
	if err != nil {
		return fixed.Zero, err
	}
	return s.Clamp(fixed.Zero, collateral), nil
}

// MinOutput returns expected*(10000-slippage)/10000.
func MinOutput(expected, slippageBP fixed.Int) (fixed.Int, error) {
	keep, err := fixed.BP.Sub(slippageBP)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.ApplyBP(expected, keep)
}
