package risk

import (
	"context"
	"fmt"
	"time"

	"collateral-risk/internal/events"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/liquidation"
)

// Liquidation is an executed plan and the position it left behind.
type Liquidation struct {
	Owner      string                   `json:"owner"`
	Liquidator string                   `json:"liquidator"`
	Plan       liquidation.Plan         `json:"plan"`
	Seized     map[string]fixed.Int     `json:"seized"`
	Auction    liquidation.DutchAuction `json:"auction"`
	Discount   fixed.Int                `json:"discount"`
	Position   health.Position          `json:"position"`
}

// QuoteLiquidation sizes a liquidation of the given weighted collateral and
// debt under the current parameters without touching any position.
func (e *Engine) QuoteLiquidation(ctx context.Context, collateral, debt fixed.Int) (liquidation.Plan, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return liquidation.Plan{}, err
	}
	return liquidation.Solve(collateral, debt, rp.Liquidation(e.cfg.CloseFactor))
}

// Liquidate sizes and applies a partial liquidation of owner. The seized
// collateral and repaid debt are written with the position's version check;
// transfers are left to the custody layer, which consumes the published
// liquidation event.
func (e *Engine) Liquidate(ctx context.Context, liquidator, owner string, auctionStart time.Time) (Liquidation, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}
	p, b, err := e.refresh(ctx, p)
	if err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}
	debt, err := p.Debt()
	if err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}
	plan, err := liquidation.Solve(p.WeightedCollateral, debt, rp.Liquidation(e.cfg.CloseFactor))
	if err != nil {
		return Liquidation{}, e.fail("liquidate", fmt.Errorf("liquidate %s: %w", owner, err))
	}

	next, seized, err := p.Seize(plan.CollateralSeized, b)
	if err != nil {
		return Liquidation{}, e.fail("liquidate", fmt.Errorf("seize collateral: %w", err))
	}
	if next, _, err = next.Repay(plan.DebtRepaid); err != nil {
		return Liquidation{}, e.fail("liquidate", fmt.Errorf("apply repayment: %w", err))
	}
	if next, err = e.store.SavePosition(ctx, next); err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}

	now := e.now()
	if auctionStart.IsZero() {
		auctionStart = now
	}
	auction := e.Auction(auctionStart)
	discount, err := auction.Discount(now)
	if err != nil {
		return Liquidation{}, e.fail("liquidate", err)
	}
	out := Liquidation{
		Owner:      owner,
		Liquidator: liquidator,
		Plan:       plan,
		Seized:     seized,
		Auction:    auction,
		Discount:   discount,
		Position:   next,
	}
	e.metrics.Liquidation(plan.Full, plan.Capped)
	e.publish(ctx, events.KindLiquidation, owner, out)
	e.logger.Info().
		Str("owner", owner).
		Str("liquidator", liquidator).
		Str("repaid", plan.DebtRepaid.String()).
		Str("seized", plan.CollateralSeized.String()).
		Str("health_after", plan.HealthAfter.String()).
		Bool("capped", plan.Capped).
		Msg("position liquidated")
	return out, nil
}
