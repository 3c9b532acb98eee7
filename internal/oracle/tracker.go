// Package oracle tracks the latest price and rolling volatility of every
// supported collateral asset.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// DefaultStaleness is how old a price may get before reads fail.
const DefaultStaleness = 300 * time.Second

// AssetConfig describes a supported collateral asset.
type AssetConfig struct {
	Symbol               string `mapstructure:"symbol"`
	Decimals             uint8  `mapstructure:"decimals"`
	BaseLTV              int64  `mapstructure:"base_ltv"`
	LiquidationThreshold int64  `mapstructure:"liquidation_threshold"`
	CollateralFactor     int64  `mapstructure:"collateral_factor"`
	Feed                 string `mapstructure:"feed"`
}

// Validate checks the basis point fields.
func (a AssetConfig) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("asset symbol is required: %w", riskerr.ErrInvalidInput)
	}
	for name, v := range map[string]int64{
		"base_ltv":              a.BaseLTV,
		"liquidation_threshold": a.LiquidationThreshold,
		"collateral_factor":     a.CollateralFactor,
	} {
		if v <= 0 || v > fixed.BasisPoints {
			return fmt.Errorf("asset %s: %s %d out of range: %w", a.Symbol, name, v, riskerr.ErrInvalidInput)
		}
	}
	return nil
}

// AssetPrice is a single observation in USD with 14 decimals.
type AssetPrice struct {
	Asset     string
	Price     fixed.Int
	Timestamp time.Time
	Source    string
}

// Service is the oracle contract consumed by the risk engine.
type Service interface {
	PushPrice(ctx context.Context, p AssetPrice) (VolatilityMetrics, error)
	Price(ctx context.Context, asset string, now time.Time) (AssetPrice, error)
	Volatility(ctx context.Context, asset string) (VolatilityMetrics, error)
	Asset(asset string) (AssetConfig, error)
}

type entry struct {
	config  AssetConfig
	latest  *AssetPrice
	metrics *VolatilityMetrics
}

// Tracker is an in-memory Service.
type Tracker struct {
	mu        sync.RWMutex
	assets    map[string]*entry
	staleness time.Duration
}

var _ Service = (*Tracker)(nil)

// NewTracker creates a tracker. A non-positive staleness uses DefaultStaleness.
func NewTracker(staleness time.Duration) *Tracker {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Tracker{
		assets:    make(map[string]*entry),
		staleness: staleness,
	}
}

// Staleness returns the configured freshness window.
func (t *Tracker) Staleness() time.Duration { return t.staleness }

// RegisterAsset adds a supported asset.
func (t *Tracker) RegisterAsset(cfg AssetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.assets[cfg.Symbol]; ok {
		return fmt.Errorf("asset %s: %w", cfg.Symbol, riskerr.ErrAlreadyInitialized)
	}
	t.assets[cfg.Symbol] = &entry{config: cfg}
	return nil
}

// Asset returns the configuration of a supported asset.
func (t *Tracker) Asset(asset string) (AssetConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.assets[asset]
	if !ok {
		return AssetConfig{}, fmt.Errorf("asset %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	return e.config, nil
}

// Assets lists supported symbols in lexical order.
func (t *Tracker) Assets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.assets))
	for s := range t.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PushPrice records an observation and returns the refreshed metrics.
func (t *Tracker) PushPrice(_ context.Context, p AssetPrice) (VolatilityMetrics, error) {
	if p.Price.Sign() <= 0 {
		return VolatilityMetrics{}, fmt.Errorf("price %s for %s must be positive: %w", p.Price, p.Asset, riskerr.ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.assets[p.Asset]
	if !ok {
		return VolatilityMetrics{}, fmt.Errorf("asset %s: %w", p.Asset, riskerr.ErrAssetNotSupported)
	}
	m := VolatilityMetrics{Asset: p.Asset}
	if e.metrics != nil {
		m = e.metrics.Clone()
	}
	if err := m.Record(p.Price, p.Timestamp); err != nil {
		return VolatilityMetrics{}, fmt.Errorf("volatility %s: %w", p.Asset, err)
	}
	latest := p
	e.latest = &latest
	e.metrics = &m
	return m.Clone(), nil
}

// Price returns the latest observation, failing if it is older than the
// staleness window at now.
func (t *Tracker) Price(_ context.Context, asset string, now time.Time) (AssetPrice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.assets[asset]
	if !ok {
		return AssetPrice{}, fmt.Errorf("asset %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	if e.latest == nil {
		return AssetPrice{}, fmt.Errorf("no price stored for %s: %w", asset, riskerr.ErrInvalidInput)
	}
	if age := now.Sub(e.latest.Timestamp); age > t.staleness {
		return AssetPrice{}, fmt.Errorf("price %s is %s old: %w", asset, age.Truncate(time.Second), riskerr.ErrStaleData)
	}
	return *e.latest, nil
}

// Volatility returns the metrics record, which exists once a first price was
// pushed.
func (t *Tracker) Volatility(_ context.Context, asset string) (VolatilityMetrics, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.assets[asset]
	if !ok {
		return VolatilityMetrics{}, fmt.Errorf("asset %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	if e.metrics == nil {
		return VolatilityMetrics{}, fmt.Errorf("no volatility record for %s: %w", asset, riskerr.ErrInsufficientHistory)
	}
	return e.metrics.Clone(), nil
}

// Snapshot is the persisted state of one asset.
type Snapshot struct {
	Latest  *AssetPrice
	Metrics *VolatilityMetrics
}

// Restore seeds an asset from a persisted snapshot, replaying its history so
// the window readings are recomputed rather than trusted.
func (t *Tracker) Restore(asset string, snap Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.assets[asset]
	if !ok {
		return fmt.Errorf("asset %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	if snap.Latest != nil {
		latest := *snap.Latest
		e.latest = &latest
	}
	if snap.Metrics != nil {
		m := VolatilityMetrics{Asset: asset}
		for _, p := range snap.Metrics.History.prices {
			if err := m.Record(p, snap.Metrics.LastUpdated); err != nil {
				return err
			}
		}
		e.metrics = &m
	}
	return nil
}
