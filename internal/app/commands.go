package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// InitParams records the configured risk parameters and admin. It fails when
// the store was already initialised.
func (a *App) InitParams(ctx context.Context) error {
	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.engine.Initialize(ctx, a.Config.Risk.Admin, a.Config.Risk.Params); err != nil {
		return err
	}
	a.Logger.Info().Str("admin", a.Config.Risk.Admin).Msg("risk parameters initialised")
	return nil
}

// Health prints the health factor of one position.
func (a *App) Health(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	f, err := sess.engine.Health(ctx, owner)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Owner\t%s\n", owner)
	fmt.Fprintf(w, "Health\t%s\n", formatHealth(f.Value))
	fmt.Fprintf(w, "Status\t%s\n", f.Status)
	fmt.Fprintf(w, "Collateral\t%s\n", formatUSD(f.Collateral))
	fmt.Fprintf(w, "Debt\t%s\n", formatUSD(f.Debt))
	fmt.Fprintf(w, "Shortfall\t%s\n", formatUSD(f.Shortfall))
	fmt.Fprintf(w, "Withdrawable\t%s\n", formatUSD(f.Withdrawable))
	return w.Flush()
}

// Positions lists every position ordered from least to most healthy.
func (a *App) Positions(ctx context.Context, opts PositionsOptions) error {
	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	owners, err := sess.store.ListOwners(ctx)
	if err != nil {
		return err
	}
	evals, err := sess.engine.EvaluateAll(ctx, owners, a.Config.Scheduler.Workers)
	if err != nil {
		return err
	}
	if len(evals) == 0 {
		fmt.Fprintln(a.out(), "no positions found")
		return nil
	}
	sort.SliceStable(evals, func(i, j int) bool {
		if (evals[i].Err == nil) != (evals[j].Err == nil) {
			return evals[i].Err != nil
		}
		return evals[i].Factor.Value.Lt(evals[j].Factor.Value)
	})
	if opts.Limit > 0 && len(evals) > opts.Limit {
		evals = evals[:opts.Limit]
	}

	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Owner\tHealth\tStatus\tCollateral\tDebt\tStop-loss\tError")
	for _, ev := range evals {
		if ev.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t%s\n", ev.Owner, sanitizeInline(ev.Err.Error()))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t\n",
			ev.Owner,
			formatHealth(ev.Factor.Value),
			ev.Factor.Status,
			formatUSD(ev.Factor.Collateral),
			formatUSD(ev.Factor.Debt),
			ev.StopLoss,
		)
	}
	return w.Flush()
}

// LTV prints the volatility-adjusted loan-to-value of one asset.
func (a *App) LTV(ctx context.Context, asset string) error {
	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	q, err := sess.engine.AdjustedLTV(ctx, asset)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Asset\t%s\n", asset)
	fmt.Fprintf(w, "Adjustment (bp)\t%s\n", q.Adjustment)
	fmt.Fprintf(w, "Adjusted LTV (bp)\t%s\n", q.AdjustedLTV)
	fmt.Fprintf(w, "Final LTV (bp)\t%s\n", q.FinalLTV)
	fmt.Fprintf(w, "Floored\t%t\n", q.Floored)
	fmt.Fprintf(w, "Saturated\t%t\n", q.Saturated)
	if err := q.Warning(); err != nil {
		fmt.Fprintf(w, "Warning\t%s\n", riskerr.Code(err))
	}
	return w.Flush()
}

// SimulateLiquidation solves a liquidation for hypothetical USD amounts
// without touching any position.
func (a *App) SimulateLiquidation(ctx context.Context, collateral, debt decimal.Decimal) error {
	c, err := fixed.FromDecimal(collateral, fixed.USDDecimals)
	if err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	d, err := fixed.FromDecimal(debt, fixed.USDDecimals)
	if err != nil {
		return fmt.Errorf("debt: %w", err)
	}

	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	plan, err := sess.engine.QuoteLiquidation(ctx, c, d)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Debt repaid\t%s\n", formatUSD(plan.DebtRepaid))
	fmt.Fprintf(w, "Collateral seized\t%s\n", formatUSD(plan.CollateralSeized))
	fmt.Fprintf(w, "Liquidator bonus\t%s\n", formatUSD(plan.LiquidatorBonus))
	fmt.Fprintf(w, "Protocol fee\t%s\n", formatUSD(plan.ProtocolFee))
	fmt.Fprintf(w, "Health before\t%s\n", formatHealth(plan.HealthBefore))
	fmt.Fprintf(w, "Health after\t%s\n", formatHealth(plan.HealthAfter))
	fmt.Fprintf(w, "Capped\t%t\n", plan.Capped)
	fmt.Fprintf(w, "Full\t%t\n", plan.Full)
	return w.Flush()
}

// SimulateStopLoss prints the swap plan a stop-loss trigger would execute
// for owner right now. Nothing is persisted.
func (a *App) SimulateStopLoss(ctx context.Context, owner string, asJSON bool) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	sess, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	plan, err := sess.engine.PlanStopLoss(ctx, owner)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(a.out())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	w := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Health\t%s (trigger %s, target %s)\n", formatHealth(plan.HealthBefore), formatHealth(plan.Trigger), formatHealth(plan.Target))
	fmt.Fprintf(w, "Swap value\t%s\n", formatUSD(plan.SwapValue))
	if !plan.Unfilled.IsZero() {
		fmt.Fprintf(w, "Unfilled\t%s\n", formatUSD(plan.Unfilled))
	}
	fmt.Fprintln(w, "Asset\tAmount\tValue\tExpected\tMin out")
	for _, leg := range plan.Legs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", leg.Asset, leg.Amount, formatUSD(leg.Value), formatUSD(leg.ExpectedOut), formatUSD(leg.MinOut))
	}
	return w.Flush()
}

func formatUSD(x fixed.Int) string {
	return "$" + x.Decimal(fixed.USDDecimals).StringFixed(2)
}

func formatHealth(x fixed.Int) string {
	if x.Eq(fixed.Max) {
		return "inf"
	}
	return x.Decimal(4).StringFixed(4)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

var errNoOwner = errors.New("owner is required")

// requireOwner rejects blank owners before any backend is opened.
func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return errNoOwner
	}
	return nil
}
