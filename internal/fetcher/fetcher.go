// Package fetcher pulls collateral prices and swap quotes from outside the
// process: Chainlink aggregators over Ethereum RPC, pinned static prices and
// CoW Protocol quotes.
package fetcher

import (
	"context"
	"fmt"

	"collateral-risk/internal/oracle"
	"collateral-risk/internal/riskerr"
)

// PriceFetcher retrieves the latest USD price of an asset with 14 decimals.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, asset string) (oracle.AssetPrice, error)
}

// Chain tries each fetcher in order and returns the first price found. An
// asset no fetcher knows fails with riskerr.ErrAssetNotSupported.
type Chain []PriceFetcher

// FetchPrice implements PriceFetcher.
func (c Chain) FetchPrice(ctx context.Context, asset string) (oracle.AssetPrice, error) {
	var last error
	for _, f := range c {
		p, err := f.FetchPrice(ctx, asset)
		if err == nil {
			return p, nil
		}
		last = err
	}
	if last == nil {
		last = fmt.Errorf("no price source for %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	return oracle.AssetPrice{}, last
}

var _ PriceFetcher = Chain(nil)
