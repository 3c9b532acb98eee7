package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"collateral-risk/internal/events"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/interest"
	"collateral-risk/internal/ltv"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
	"collateral-risk/internal/riskerr"
)

// Position returns the stored position without refreshing it.
func (e *Engine) Position(ctx context.Context, owner string) (health.Position, error) {
	return e.load(ctx, owner, false)
}

// Health reads a position, accrues interest and values it at current prices.
// Nothing is written back.
func (e *Engine) Health(ctx context.Context, owner string) (health.Factor, error) {
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return health.Factor{}, err
	}
	rp, err := e.Params(ctx)
	if err != nil {
		return health.Factor{}, err
	}
	p, _, err = e.refresh(ctx, p)
	if err != nil {
		return health.Factor{}, err
	}
	f, err := p.Health(rp.Thresholds())
	if err != nil {
		return health.Factor{}, err
	}
	e.metrics.ObserveHealth(f)
	return f, nil
}

// AdjustedLTV returns the volatility-adjusted ratio of asset at its base LTV.
func (e *Engine) AdjustedLTV(ctx context.Context, asset string) (ltv.Quote, error) {
	return e.SafeBorrow(ctx, asset, fixed.Zero, fixed.Zero)
}

// SafeBorrow sizes the borrow allowed against collateralValue (USD, 14
// decimals) of asset. A zero baseLTV uses the asset's configured value. The
// volatility reading is the 30-day window, or the 7-day one while the longer
// window fills; an asset with fewer samples cannot be borrowed against.
func (e *Engine) SafeBorrow(ctx context.Context, asset string, collateralValue, baseLTV fixed.Int) (ltv.Quote, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return ltv.Quote{}, err
	}
	return e.safeBorrow(ctx, rp, asset, collateralValue, baseLTV)
}

func (e *Engine) safeBorrow(ctx context.Context, rp params.Parameters, asset string, collateralValue, baseLTV fixed.Int) (ltv.Quote, error) {
	cfg, err := e.oracle.Asset(asset)
	if err != nil {
		return ltv.Quote{}, err
	}
	if baseLTV.IsZero() {
		baseLTV = fixed.New(cfg.BaseLTV)
	}
	m, err := e.oracle.Volatility(ctx, asset)
	if err != nil {
		return ltv.Quote{}, err
	}
	vol, err := m.Best()
	if err != nil {
		return ltv.Quote{}, err
	}
	q, err := ltv.Calculate(ltv.Inputs{
		BaseLTV:         baseLTV,
		Volatility:      vol,
		KFactor:         rp.KFactor,
		HorizonDays:     rp.TimeHorizonDays,
		MinLTV:          rp.MinCollateralFactor,
		CollateralValue: collateralValue,
	})
	if err != nil {
		return ltv.Quote{}, fmt.Errorf("adjusted ltv %s: %w", asset, err)
	}
	return q, nil
}

// EffectiveRate nets the annual yield earned by owner's collateral, at market
// value without collateral factors, against the pool borrow rate on the
// principal. The result is in basis points and may be negative.
func (e *Engine) EffectiveRate(ctx context.Context, owner string, yieldBP fixed.Int) (fixed.Int, error) {
	if yieldBP.IsNegative() {
		return fixed.Zero, fmt.Errorf("yield %s: %w", yieldBP, riskerr.ErrInvalidInput)
	}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return fixed.Zero, err
	}
	p, b, err := e.refresh(ctx, p)
	if err != nil {
		return fixed.Zero, err
	}
	r, err := e.rate(ctx)
	if err != nil {
		return fixed.Zero, fmt.Errorf("pool rate: %w", err)
	}
	total := fixed.From(fixed.Zero)
	for asset, amt := range p.Collateral {
		if amt.IsZero() {
			continue
		}
		q := b[asset]
		v, err := health.WeightedValue(amt, q.Price, fixed.BP, q.Decimals)
		if err != nil {
			return fixed.Zero, err
		}
		total.Add(v)
	}
	collateral, err := total.Result()
	if err != nil {
		return fixed.Zero, err
	}
	return interest.EffectiveRate(r, yieldBP, p.Principal, collateral)
}

// Capacity is the borrow headroom of a position.
type Capacity struct {
	Owner     string               `json:"owner"`
	Limit     fixed.Int            `json:"limit"`
	Debt      fixed.Int            `json:"debt"`
	Available fixed.Int            `json:"available"`
	PerAsset  map[string]ltv.Quote `json:"per_asset"`
}

// BorrowCapacity sums the safe borrow of every collateral asset, each valued at
// market price without its collateral factor, and subtracts the current debt.
func (e *Engine) BorrowCapacity(ctx context.Context, owner string) (Capacity, error) {
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return Capacity{}, err
	}
	return e.capacity(ctx, p)
}

func (e *Engine) capacity(ctx context.Context, p health.Position) (Capacity, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return Capacity{}, err
	}
	p, b, err := e.refresh(ctx, p)
	if err != nil {
		return Capacity{}, err
	}
	c := Capacity{Owner: p.Owner, PerAsset: map[string]ltv.Quote{}}
	limit := fixed.From(fixed.Zero)
	assets := make([]string, 0, len(b))
	for a := range b {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		q := b[asset]
		market, err := health.WeightedValue(p.Balance(asset), q.Price, fixed.BP, q.Decimals)
		if err != nil {
			return Capacity{}, err
		}
		quote, err := e.safeBorrow(ctx, rp, asset, market, fixed.Zero)
		if err != nil {
			return Capacity{}, err
		}
		c.PerAsset[asset] = quote
		limit.Add(quote.SafeBorrow)
	}
	if c.Limit, err = limit.Result(); err != nil {
		return Capacity{}, err
	}
	if c.Debt, err = p.Debt(); err != nil {
		return Capacity{}, err
	}
	avail, _, err := c.Limit.SatSub(c.Debt)
	if err != nil {
		return Capacity{}, err
	}
	c.Available = avail
	return c, nil
}

type positionEvent struct {
	Op      string    `json:"op"`
	Asset   string    `json:"asset,omitempty"`
	Amount  fixed.Int `json:"amount"`
	Version int64     `json:"version"`
}

func (e *Engine) saved(ctx context.Context, op, asset string, amount fixed.Int, p health.Position) {
	e.publish(ctx, events.KindPositionChanged, p.Owner, positionEvent{Op: op, Asset: asset, Amount: amount, Version: p.Version})
	e.logger.Debug().Str("owner", p.Owner).Str("op", op).Str("amount", amount.String()).Int64("version", p.Version).Msg("position saved")
}

// commit writes next at the version prev was read with and only then runs
// effect, so a caller that loses the version race never reaches the lending
// market. When effect fails prev is written back over the committed state.
func (e *Engine) commit(ctx context.Context, prev, next health.Position, effect func() error) (health.Position, error) {
	saved, err := e.store.SavePosition(ctx, next)
	if err != nil {
		return health.Position{}, err
	}
	if err := effect(); err != nil {
		if rerr := e.revert(ctx, prev, saved); rerr != nil {
			e.logger.Error().Err(rerr).Str("owner", saved.Owner).Int64("version", saved.Version).Msg("revert position")
			return health.Position{}, errors.Join(err, fmt.Errorf("revert position %s: %w", saved.Owner, rerr))
		}
		return health.Position{}, err
	}
	return saved, nil
}

func (e *Engine) revert(ctx context.Context, prev, saved health.Position) error {
	if prev.Version == 0 {
		return e.store.DeletePosition(ctx, saved.Owner, saved.Version)
	}
	restore := prev.Clone()
	restore.Version = saved.Version
	_, err := e.store.SavePosition(ctx, restore)
	return err
}

// Deposit credits collateral. A lost version race is reported as
// riskerr.ErrVersionConflict before the lending market is called.
func (e *Engine) Deposit(ctx context.Context, owner, asset string, amount fixed.Int) (health.Position, error) {
	if _, err := e.oracle.Asset(asset); err != nil {
		return health.Position{}, e.fail("deposit", err)
	}
	p, err := e.load(ctx, owner, true)
	if err != nil {
		return health.Position{}, e.fail("deposit", err)
	}
	p, b, err := e.refresh(ctx, p, asset)
	if err != nil {
		return health.Position{}, e.fail("deposit", err)
	}
	next, err := p.Deposit(asset, amount, b)
	if err != nil {
		return health.Position{}, e.fail("deposit", err)
	}
	next, err = e.commit(ctx, p, next, func() error {
		return e.market.Supply(ctx, owner, asset, amount)
	})
	if err != nil {
		return health.Position{}, e.fail("deposit", err)
	}
	e.saved(ctx, "deposit", asset, amount, next)
	return next, nil
}

// Withdraw debits collateral, refusing withdrawals that would leave the
// position below the liquidation threshold.
func (e *Engine) Withdraw(ctx context.Context, owner, asset string, amount fixed.Int) (health.Position, error) {
	rp, err := e.Params(ctx)
	if err != nil {
		return health.Position{}, e.fail("withdraw", err)
	}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return health.Position{}, e.fail("withdraw", err)
	}
	p, b, err := e.refresh(ctx, p)
	if err != nil {
		return health.Position{}, e.fail("withdraw", err)
	}
	next, err := p.Withdraw(asset, amount, b, rp.LiquidationThreshold)
	if err != nil {
		return health.Position{}, e.fail("withdraw", err)
	}
	next, err = e.commit(ctx, p, next, func() error {
		return e.market.Withdraw(ctx, owner, asset, amount)
	})
	if err != nil {
		return health.Position{}, e.fail("withdraw", err)
	}
	e.saved(ctx, "withdraw", asset, amount, next)
	return next, nil
}

// Borrow adds debt within the volatility-adjusted capacity and every borrow
// limit installed on the account.
func (e *Engine) Borrow(ctx context.Context, owner string, amount fixed.Int) (health.Position, error) {
	if amount.Sign() <= 0 {
		return health.Position{}, e.fail("borrow", fmt.Errorf("borrow amount %s must be positive: %w", amount, riskerr.ErrInvalidInput))
	}
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	capacity, err := e.capacity(ctx, p)
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	if amount.Gt(capacity.Available) {
		return health.Position{}, e.fail("borrow", fmt.Errorf("borrow %s exceeds available %s: %w", amount, capacity.Available, riskerr.ErrInvalidInput))
	}
	current, rules, err := e.enforceLimits(ctx, owner, amount)
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	p, _, err = e.refresh(ctx, p)
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	next, err := p.Borrow(amount, e.now())
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	next, err = e.commit(ctx, p, next, func() error {
		err := e.commitLimits(ctx, rules)
		if err == nil {
			if err = e.market.Borrow(ctx, owner, amount); err == nil {
				return nil
			}
		}
		if rerr := e.commitLimits(ctx, current); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore borrow limits: %w", rerr))
		}
		return err
	})
	if err != nil {
		return health.Position{}, e.fail("borrow", err)
	}
	e.saved(ctx, "borrow", "", amount, next)
	return next, nil
}

// Repay pays interest first, then principal, and returns the amount applied.
func (e *Engine) Repay(ctx context.Context, owner string, amount fixed.Int) (health.Position, fixed.Int, error) {
	p, err := e.load(ctx, owner, false)
	if err != nil {
		return health.Position{}, fixed.Zero, e.fail("repay", err)
	}
	p, _, err = e.refresh(ctx, p)
	if err != nil {
		return health.Position{}, fixed.Zero, e.fail("repay", err)
	}
	next, applied, err := p.Repay(amount)
	if err != nil {
		return health.Position{}, fixed.Zero, e.fail("repay", err)
	}
	next, err = e.commit(ctx, p, next, func() error {
		return e.market.Repay(ctx, owner, applied)
	})
	if err != nil {
		return health.Position{}, fixed.Zero, e.fail("repay", err)
	}
	e.saved(ctx, "repay", "", applied, next)
	return next, applied, nil
}

// PushPrice records an oracle observation, persists it and publishes the
// refreshed volatility.
func (e *Engine) PushPrice(ctx context.Context, p oracle.AssetPrice) (oracle.VolatilityMetrics, error) {
	m, err := e.oracle.PushPrice(ctx, p)
	if err != nil {
		return oracle.VolatilityMetrics{}, e.fail("push_price", err)
	}
	if err := e.store.AppendPrice(ctx, p, m); err != nil {
		return oracle.VolatilityMetrics{}, e.fail("push_price", fmt.Errorf("persist price %s: %w", p.Asset, err))
	}
	e.metrics.ObservePrice(p.Asset, p.Price)
	e.metrics.ObserveVolatility(p.Asset, "7d", m.SevenDay, m.SevenDayReady)
	e.metrics.ObserveVolatility(p.Asset, "30d", m.ThirtyDay, m.ThirtyDayReady)
	e.publish(ctx, events.KindPriceUpdated, p.Asset, map[string]any{
		"price":     p.Price,
		"timestamp": p.Timestamp.UTC(),
		"source":    p.Source,
	})
	if m.SevenDayReady {
		data := map[string]any{"seven_day": m.SevenDay, "samples": m.History.Len()}
		if m.ThirtyDayReady {
			data["thirty_day"] = m.ThirtyDay
		}
		e.publish(ctx, events.KindVolatilityUpdated, p.Asset, data)
	}
	if q, err := e.AdjustedLTV(ctx, p.Asset); err == nil {
		e.publish(ctx, events.KindLTVAdjusted, p.Asset, q)
	} else if !isExpectedLTVGap(err) {
		e.logger.Warn().Err(err).Str("asset", p.Asset).Msg("adjusted ltv")
	}
	return m, nil
}

// isExpectedLTVGap covers the states in which an asset simply has no adjusted
// ratio yet.
func isExpectedLTVGap(err error) bool {
	return errors.Is(err, riskerr.ErrInsufficientHistory) || errors.Is(err, riskerr.ErrNotInitialized)
}
