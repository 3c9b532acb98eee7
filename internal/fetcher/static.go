package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/riskerr"
)

// SourceStatic tags pinned prices.
const SourceStatic = "static"

// Static serves configured prices stamped with the current time. It is meant
// for stablecoins without a feed and for local runs.
type Static struct {
	prices map[string]fixed.Int
	now    func() time.Time
}

// NewStatic parses prices given as decimal USD strings, e.g. "0.9998".
func NewStatic(prices map[string]string, now func() time.Time) (*Static, error) {
	if now == nil {
		now = time.Now
	}
	s := &Static{prices: make(map[string]fixed.Int, len(prices)), now: now}
	for asset, raw := range prices {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("static price %s=%q: %w", asset, raw, riskerr.ErrInvalidInput)
		}
		p, err := fixed.FromDecimal(d, fixed.USDDecimals)
		if err != nil {
			return nil, err
		}
		if p.Sign() <= 0 {
			return nil, fmt.Errorf("static price %s=%q must be positive: %w", asset, raw, riskerr.ErrInvalidInput)
		}
		s.prices[asset] = p
	}
	return s, nil
}

// FetchPrice implements PriceFetcher.
func (s *Static) FetchPrice(_ context.Context, asset string) (oracle.AssetPrice, error) {
	p, ok := s.prices[asset]
	if !ok {
		return oracle.AssetPrice{}, fmt.Errorf("no static price for %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	return oracle.AssetPrice{Asset: asset, Price: p, Timestamp: s.now().UTC(), Source: SourceStatic}, nil
}

var _ PriceFetcher = (*Static)(nil)
