package risk

import (
	"context"
	"errors"
	"fmt"

	"collateral-risk/internal/events"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/stoploss"
)

// EnableStopLoss stores cfg for owner with Enabled set.
func (e *Engine) EnableStopLoss(ctx context.Context, owner string, cfg stoploss.Config) (stoploss.Config, error) {
	if owner == "" {
		return stoploss.Config{}, e.fail("enable_stop_loss", fmt.Errorf("owner is required: %w", riskerr.ErrInvalidInput))
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return stoploss.Config{}, e.fail("enable_stop_loss", err)
	}
	for _, asset := range cfg.SwapOrder {
		if _, err := e.oracle.Asset(asset); err != nil {
			return stoploss.Config{}, e.fail("enable_stop_loss", err)
		}
	}
	if err := e.store.PutStopLoss(ctx, owner, cfg); err != nil {
		return stoploss.Config{}, e.fail("enable_stop_loss", err)
	}
	e.publish(ctx, events.KindStopLossEnabled, owner, cfg)
	return cfg, nil
}

// DisableStopLoss keeps the stored preferences but turns the trigger off.
func (e *Engine) DisableStopLoss(ctx context.Context, owner string) error {
	cfg, err := e.store.GetStopLoss(ctx, owner)
	if err != nil {
		return e.fail("disable_stop_loss", err)
	}
	cfg.Enabled = false
	if err := e.store.PutStopLoss(ctx, owner, cfg); err != nil {
		return e.fail("disable_stop_loss", err)
	}
	e.publish(ctx, events.KindStopLossDisabled, owner, nil)
	return nil
}

// StopLoss returns owner's stored preferences.
func (e *Engine) StopLoss(ctx context.Context, owner string) (stoploss.Config, error) {
	return e.store.GetStopLoss(ctx, owner)
}

// PlanStopLoss builds the swap plan for owner at current prices. With a
// quoter configured, each leg's expected output is the quoted stable amount
// valued at the stable asset's price; otherwise it is the 1:1 estimate.
func (e *Engine) PlanStopLoss(ctx context.Context, owner string) (stoploss.Plan, error) {
	cfg, err := e.store.GetStopLoss(ctx, owner)
	if errors.Is(err, riskerr.ErrNotFound) {
		return stoploss.Plan{}, fmt.Errorf("%s has no stop-loss: %w", owner, riskerr.ErrStopLossDisabled)
	}
	if err != nil {
		return stoploss.Plan{}, err
	}
	rp, err := e.Params(ctx)
	if err != nil {
		return stoploss.Plan{}, err
	}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return stoploss.Plan{}, err
	}
	p, b, err := e.refresh(ctx, p)
	if err != nil {
		return stoploss.Plan{}, err
	}
	plan, err := stoploss.Solve(stoploss.Input{
		Position:             p,
		Book:                 b,
		Config:               cfg,
		GlobalTrigger:        rp.StopLossThreshold,
		GlobalTarget:         rp.TargetHealthFactor,
		LiquidationThreshold: rp.LiquidationThreshold,
	})
	if err != nil {
		return stoploss.Plan{}, err
	}
	if e.quoter != nil && e.cfg.StableAsset != "" {
		if plan.Legs, err = e.quoteLegs(ctx, plan.Legs, cfg.MaxSlippage); err != nil {
			return stoploss.Plan{}, err
		}
	}
	return plan, nil
}

func (e *Engine) quoteLegs(ctx context.Context, legs []stoploss.Leg, slippage fixed.Int) ([]stoploss.Leg, error) {
	stable, err := e.oracle.Asset(e.cfg.StableAsset)
	if err != nil {
		return nil, err
	}
	price, err := e.oracle.Price(ctx, e.cfg.StableAsset, e.now())
	if err != nil {
		return nil, err
	}
	out := make([]stoploss.Leg, len(legs))
	for i, leg := range legs {
		bought, err := e.quoter.Quote(ctx, leg.Asset, e.cfg.StableAsset, leg.Amount)
		if err != nil {
			return nil, fmt.Errorf("quote %s->%s: %w", leg.Asset, e.cfg.StableAsset, err)
		}
		usd, err := health.WeightedValue(bought, price.Price, fixed.BP, stable.Decimals)
		if err != nil {
			return nil, err
		}
		if out[i], err = leg.WithExpected(usd, slippage); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TriggerStopLoss plans owner's stop-loss and publishes it for execution.
func (e *Engine) TriggerStopLoss(ctx context.Context, owner string) (stoploss.Plan, error) {
	plan, err := e.PlanStopLoss(ctx, owner)
	if err != nil {
		e.metrics.StopLoss(outcome(err))
		return stoploss.Plan{}, e.fail("trigger_stop_loss", err)
	}
	e.metrics.StopLoss("triggered")
	e.publish(ctx, events.KindStopLossTriggered, owner, plan)
	e.logger.Info().
		Str("owner", owner).
		Str("health", plan.HealthBefore.String()).
		Str("swap_value", plan.SwapValue.String()).
		Int("legs", len(plan.Legs)).
		Msg("stop-loss triggered")
	return plan, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, riskerr.ErrAlreadyHealthy):
		return "healthy"
	case errors.Is(err, riskerr.ErrPositionLiquidatable):
		return "liquidatable"
	case errors.Is(err, riskerr.ErrStopLossDisabled):
		return "disabled"
	default:
		return "error"
	}
}
