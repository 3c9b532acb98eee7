// Package risk wires the pure solvers to the oracle, the stores and the
// lending market. Every collaborator is injected; the engine keeps no state of
// its own between calls.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collateral-risk/internal/events"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/gateway"
	"collateral-risk/internal/health"
	"collateral-risk/internal/interest"
	"collateral-risk/internal/liquidation"
	"collateral-risk/internal/metrics"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/params"
	"collateral-risk/internal/riskerr"
	"collateral-risk/internal/storage"
)

// AuctionConfig is the discount curve applied to every liquidation.
type AuctionConfig struct {
	StartDiscount fixed.Int
	EndDiscount   fixed.Int
	Duration      time.Duration
}

// Config is the static configuration of an engine.
type Config struct {
	Interest    interest.Model
	CloseFactor fixed.Int
	Auction     AuctionConfig
	// StableAsset is what stop-loss swaps buy.
	StableAsset string
}

// Validate checks the static configuration.
func (c Config) Validate() error {
	if err := c.Interest.Validate(); err != nil {
		return err
	}
	if c.CloseFactor.IsNegative() || c.CloseFactor.Gt(fixed.BP) {
		return fmt.Errorf("close factor %s out of range: %w", c.CloseFactor, riskerr.ErrInvalidInput)
	}
	if c.Auction.Duration < 0 || c.Auction.StartDiscount.IsNegative() || c.Auction.EndDiscount.IsNegative() {
		return fmt.Errorf("auction curve must be non-negative: %w", riskerr.ErrInvalidInput)
	}
	return nil
}

// SwapQuoter prices the sale of amount units of sell for buy, returning buy
// units. Stop-loss plans use it to replace the 1:1 estimate.
type SwapQuoter interface {
	Quote(ctx context.Context, sell, buy string, amount fixed.Int) (fixed.Int, error)
}

// Engine is the risk facade used by the keeper, the API and the CLI.
type Engine struct {
	cfg     Config
	oracle  oracle.Service
	store   storage.Repository
	market  gateway.LendingMarket
	sink    events.Sink
	quoter  SwapQuoter
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithSink publishes events to s.
func WithSink(s events.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithQuoter prices stop-loss legs through q.
func WithQuoter(q SwapQuoter) Option { return func(e *Engine) { e.quoter = q } }

// WithMetrics records to m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "risk").Logger() }
}

// New builds an engine.
func New(cfg Config, o oracle.Service, store storage.Repository, market gateway.LendingMarket, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o == nil || store == nil || market == nil {
		return nil, fmt.Errorf("oracle, store and market are required: %w", riskerr.ErrInvalidInput)
	}
	e := &Engine{
		cfg:    cfg,
		oracle: o,
		store:  store,
		market: market,
		sink:   events.Discard{},
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the static configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store exposes the repository for read-only callers such as export.
func (e *Engine) Store() storage.Repository { return e.store }

// Oracle exposes the price service.
func (e *Engine) Oracle() oracle.Service { return e.oracle }

func (e *Engine) publish(ctx context.Context, kind events.Kind, subject string, data any) {
	if err := e.sink.Publish(ctx, events.New(kind, subject, e.now(), data)); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("publish event")
	}
}

func (e *Engine) fail(op string, err error) error {
	e.metrics.Error(op, err)
	return err
}

// Initialize stores the first parameter set with admin as its owner.
func (e *Engine) Initialize(ctx context.Context, admin string, p params.Parameters) error {
	if admin == "" {
		return e.fail("initialize", fmt.Errorf("admin is required: %w", riskerr.ErrInvalidInput))
	}
	if err := p.Validate(); err != nil {
		return e.fail("initialize", err)
	}
	rec := storage.ParamsRecord{Admin: admin, Params: p, UpdatedAt: e.now()}
	if err := e.store.InitParams(ctx, rec); err != nil {
		return e.fail("initialize", fmt.Errorf("init params: %w", err))
	}
	e.publish(ctx, events.KindParamsInitialized, admin, p)
	return nil
}

// UpdateParams replaces the parameters. Only the recorded admin may do so.
func (e *Engine) UpdateParams(ctx context.Context, caller string, p params.Parameters) (storage.ParamsRecord, error) {
	rec, err := e.store.LoadParams(ctx)
	if err != nil {
		return storage.ParamsRecord{}, e.fail("update_params", err)
	}
	if caller != rec.Admin {
		return storage.ParamsRecord{}, e.fail("update_params", fmt.Errorf("%q is not the admin: %w", caller, riskerr.ErrUnauthorized))
	}
	if err := p.Validate(); err != nil {
		return storage.ParamsRecord{}, e.fail("update_params", err)
	}
	rec.Params = p
	rec.UpdatedAt = e.now()
	next, err := e.store.UpdateParams(ctx, rec)
	if err != nil {
		return storage.ParamsRecord{}, e.fail("update_params", err)
	}
	e.publish(ctx, events.KindParamsUpdated, caller, next)
	return next, nil
}

// Params returns the current parameters.
func (e *Engine) Params(ctx context.Context) (params.Parameters, error) {
	rec, err := e.store.LoadParams(ctx)
	if err != nil {
		return params.Parameters{}, err
	}
	return rec.Params, nil
}

// Auction returns the discount curve of a liquidation started at start.
func (e *Engine) Auction(start time.Time) liquidation.DutchAuction {
	return liquidation.DutchAuction{
		StartDiscount: e.cfg.Auction.StartDiscount,
		EndDiscount:   e.cfg.Auction.EndDiscount,
		Duration:      e.cfg.Auction.Duration,
		StartTime:     start,
	}
}

// AuctionDiscount is the liquidator discount at now for an auction that
// started at start.
func (e *Engine) AuctionDiscount(start, now time.Time) (fixed.Int, error) {
	return e.Auction(start).Discount(now)
}

// book prices every asset with a non-zero balance. Stale or missing prices
// fail the whole read.
func (e *Engine) book(ctx context.Context, balances map[string]fixed.Int, extra ...string) (health.Book, error) {
	now := e.now()
	b := health.Book{}
	add := func(asset string) error {
		if _, ok := b[asset]; ok {
			return nil
		}
		cfg, err := e.oracle.Asset(asset)
		if err != nil {
			return err
		}
		price, err := e.oracle.Price(ctx, asset, now)
		if err != nil {
			return err
		}
		b[asset] = health.Quote{
			Price:            price.Price,
			Decimals:         cfg.Decimals,
			CollateralFactor: fixed.New(cfg.CollateralFactor),
		}
		return nil
	}
	for asset, amt := range balances {
		if amt.IsZero() {
			continue
		}
		if err := add(asset); err != nil {
			return nil, err
		}
	}
	for _, asset := range extra {
		if err := add(asset); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// rate is the current pool borrow rate.
func (e *Engine) rate(ctx context.Context) (fixed.Int, error) {
	pool, err := e.market.PoolState(ctx)
	if err != nil {
		return fixed.Zero, err
	}
	return e.cfg.Interest.PoolRate(pool.TotalBorrows, pool.TotalLiquidity)
}

// Rate returns the current pool borrow rate in basis points.
func (e *Engine) Rate(ctx context.Context) (fixed.Int, error) { return e.rate(ctx) }

// load fetches a position, creating an empty one for unknown owners when
// create is set.
func (e *Engine) load(ctx context.Context, owner string, create bool) (health.Position, error) {
	if owner == "" {
		return health.Position{}, fmt.Errorf("owner is required: %w", riskerr.ErrInvalidInput)
	}
	p, err := e.store.GetPosition(ctx, owner)
	if errors.Is(err, riskerr.ErrNotFound) && create {
		p = health.NewPosition(owner)
		p.LastAccrual = e.now()
		return p, nil
	}
	return p, err
}

// refresh accrues interest up to now and revalues the collateral. The pool
// rate is only fetched when there is principal to accrue on.
func (e *Engine) refresh(ctx context.Context, p health.Position, extra ...string) (health.Position, health.Book, error) {
	now := e.now()
	if p.Principal.IsPositive() && now.Sub(p.LastAccrual) >= time.Second {
		r, err := e.rate(ctx)
		if err != nil {
			return p, nil, fmt.Errorf("pool rate: %w", err)
		}
		if p, err = p.Accrue(r, now); err != nil {
			return p, nil, err
		}
	}
	b, err := e.book(ctx, p.Collateral, extra...)
	if err != nil {
		return p, nil, err
	}
	p, err = p.Revalue(b)
	return p, b, err
}
