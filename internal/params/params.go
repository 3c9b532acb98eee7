// Package params holds the protocol risk parameters shared by every
// component of the engine.
package params

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/liquidation"
	"collateral-risk/internal/riskerr"
)

// Parameters are owned by the protocol admin. Ratios are basis points.
type Parameters struct {
	KFactor              fixed.Int `mapstructure:"k_factor" json:"k_factor"`
	TimeHorizonDays      int64     `mapstructure:"time_horizon_days" json:"time_horizon_days"`
	StopLossThreshold    fixed.Int `mapstructure:"stop_loss_threshold" json:"stop_loss_threshold"`
	LiquidationThreshold fixed.Int `mapstructure:"liquidation_threshold" json:"liquidation_threshold"`
	TargetHealthFactor   fixed.Int `mapstructure:"target_health_factor" json:"target_health_factor"`
	LiquidationPenalty   fixed.Int `mapstructure:"liquidation_penalty" json:"liquidation_penalty"`
	ProtocolFee          fixed.Int `mapstructure:"protocol_fee" json:"protocol_fee"`
	MinCollateralFactor  fixed.Int `mapstructure:"min_collateral_factor" json:"min_collateral_factor"`
}

// Default returns the launch parameters.
func Default() Parameters {
	return Parameters{
		KFactor:              fixed.New(100),
		TimeHorizonDays:      30,
		StopLossThreshold:    fixed.New(health.WarningFloor),
		LiquidationThreshold: fixed.New(health.CriticalFloor),
		TargetHealthFactor:   fixed.New(10500),
		LiquidationPenalty:   fixed.New(500),
		ProtocolFee:          fixed.New(100),
		MinCollateralFactor:  fixed.New(3000),
	}
}

// Validate checks ranges and the ordering liquidation <= stop-loss < healthy.
func (p Parameters) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("risk parameters: "+format+": %w", append(args, riskerr.ErrInvalidInput)...)
	}
	if p.KFactor.IsNegative() {
		return bad("k_factor %s is negative", p.KFactor)
	}
	if p.TimeHorizonDays <= 0 {
		return bad("time_horizon_days %d must be positive", p.TimeHorizonDays)
	}
	if p.LiquidationThreshold.Sign() <= 0 {
		return bad("liquidation_threshold %s must be positive", p.LiquidationThreshold)
	}
	if p.StopLossThreshold.Lt(p.LiquidationThreshold) || p.StopLossThreshold.Gt(fixed.New(health.HealthyFloor)) {
		return bad("stop_loss_threshold %s must be within [%s, %d]", p.StopLossThreshold, p.LiquidationThreshold, health.HealthyFloor)
	}
	if p.TargetHealthFactor.Lte(p.LiquidationThreshold) {
		return bad("target_health_factor %s must exceed liquidation_threshold %s", p.TargetHealthFactor, p.LiquidationThreshold)
	}
	if p.LiquidationPenalty.IsNegative() || p.LiquidationPenalty.Gt(fixed.BP) {
		return bad("liquidation_penalty %s out of range", p.LiquidationPenalty)
	}
	if p.ProtocolFee.IsNegative() || p.ProtocolFee.Gt(fixed.BP) {
		return bad("protocol_fee %s out of range", p.ProtocolFee)
	}
	if p.MinCollateralFactor.IsNegative() || p.MinCollateralFactor.Gt(fixed.BP) {
		return bad("min_collateral_factor %s out of range", p.MinCollateralFactor)
	}
	return nil
}

// Thresholds maps the parameters onto the health status ladder.
func (p Parameters) Thresholds() health.Thresholds {
	return health.Thresholds{
		Healthy:  fixed.New(health.HealthyFloor),
		Warning:  p.StopLossThreshold,
		Critical: p.LiquidationThreshold,
	}
}

// Liquidation returns the solver parameters for the given close factor.
func (p Parameters) Liquidation(closeFactor fixed.Int) liquidation.Params {
	return liquidation.Params{
		LiquidationThreshold: p.LiquidationThreshold,
		TargetHealth:         p.TargetHealthFactor,
		Penalty:              p.LiquidationPenalty,
		ProtocolFee:          p.ProtocolFee,
		CloseFactor:          closeFactor,
	}
}
