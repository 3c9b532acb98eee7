package stoploss

import (
	"fmt"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

// Leg is one collateral asset sold for the debt asset.
type Leg struct {
	Asset string `json:"asset"`
	// Amount is in the asset's native units.
	Amount fixed.Int `json:"amount"`
	// Value is the weighted USD value removed from the position.
	Value       fixed.Int `json:"value"`
	ExpectedOut fixed.Int `json:"expected_out"`
	MinOut      fixed.Int `json:"min_out"`
}

// WithExpected replaces the expected output, for example with a venue quote,
// and recomputes the slippage floor.
func (l Leg) WithExpected(expected, slippageBP fixed.Int) (Leg, error) {
	floor, err := MinOutput(expected, slippageBP)
	if err != nil {
		return l, err
	}
	l.ExpectedOut, l.MinOut = expected, floor
	return l, nil
}

// Plan is the proposed set of swaps for a triggered position.
type Plan struct {
	Owner        string    `json:"owner"`
	HealthBefore fixed.Int `json:"health_before"`
	Trigger      fixed.Int `json:"trigger"`
	Target       fixed.Int `json:"target"`
	SwapValue    fixed.Int `json:"swap_value"`
	Legs         []Leg     `json:"legs"`
	// Unfilled is the part of SwapValue no eligible leg could cover.
	Unfilled fixed.Int `json:"unfilled"`
}

// Input is the snapshot a plan is built from.
type Input struct {
	Position             health.Position
	Book                 health.Book
	Config               Config
	GlobalTrigger        fixed.Int
	GlobalTarget         fixed.Int
	LiquidationThreshold fixed.Int
}

// Solve checks the trigger zone and allocates the swap across the configured
// swap order. Assets absent from the order are never sold.
func Solve(in Input) (Plan, error) {
	cfg := in.Config
	if !cfg.Enabled {
		return Plan{}, fmt.Errorf("%s: %w", in.Position.Owner, riskerr.ErrStopLossDisabled)
	}
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	debt, err := in.Position.Debt()
	if err != nil {
		return Plan{}, err
	}
	hv, err := health.Value(in.Position.WeightedCollateral, debt)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Owner:        in.Position.Owner,
		HealthBefore: hv,
		Trigger:      cfg.Trigger(in.GlobalTrigger),
		Target:       cfg.Target(in.GlobalTarget),
		Unfilled:     fixed.Zero,
	}
	if hv.Gt(plan.Trigger) {
		return Plan{}, fmt.Errorf("health %s above trigger %s: %w", hv, plan.Trigger, riskerr.ErrAlreadyHealthy)
	}
	if hv.Lt(in.LiquidationThreshold) {
		return Plan{}, fmt.Errorf("health %s below %s: %w", hv, in.LiquidationThreshold, riskerr.ErrPositionLiquidatable)
	}

	if plan.SwapValue, err = SwapAmount(in.Position.WeightedCollateral, debt, plan.Target); err != nil {
		return Plan{}, fmt.Errorf("swap amount: %w", err)
	}
	remaining := plan.SwapValue
	for _, asset := range cfg.SwapOrder {
		if remaining.Sign() <= 0 {
			break
		}
		bal := in.Position.Balance(asset)
		if bal.Sign() <= 0 {
			continue
		}
		worth, err := in.Book.Value(asset, bal)
		if err != nil {
			return Plan{}, err
		}
		part := worth.Min(remaining)
		if part.Lt(cfg.MinSwapAmount) {
			continue
		}
		amount := bal
		if part.Lt(worth) {
			if amount, err = in.Book.Amount(asset, part); err != nil {
				return Plan{}, err
			}
			amount = amount.Min(bal)
		}
		leg, err := Leg{Asset: asset, Amount: amount, Value: part}.WithExpected(part, cfg.MaxSlippage)
		if err != nil {
			return Plan{}, err
		}
		plan.Legs = append(plan.Legs, leg)
		if remaining, err = remaining.Sub(part); err != nil {
			return Plan{}, err
		}
	}
	plan.Unfilled = remaining
	return plan, nil
}
