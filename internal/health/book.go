package health

import (
	"fmt"
	"sort"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// Quote is what a Book knows about one collateral asset.
type Quote struct {
	Price            fixed.Int // USD, 14 decimals, per whole token
	Decimals         uint8
	CollateralFactor fixed.Int // basis points
}

// Book values token balances at a fixed set of prices.
type Book map[string]Quote

// WeightedValue returns amount*price/10^decimals*factor/10000.
func WeightedValue(amount, price, factor fixed.Int, decimals uint8) (fixed.Int, error) {
	scale, err := fixed.Pow10(uint(decimals))
	if err != nil {
		return fixed.Zero, err
	}
	value, err := fixed.MulDiv(amount, price, scale)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.ApplyBP(value, factor)
}

// Value returns the weighted USD value of amount units of asset.
func (b Book) Value(asset string, amount fixed.Int) (fixed.Int, error) {
	q, ok := b[asset]
	if !ok {
		return fixed.Zero, fmt.Errorf("no quote for %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	v, err := WeightedValue(amount, q.Price, q.CollateralFactor, q.Decimals)
	if err != nil {
		return fixed.Zero, fmt.Errorf("value %s: %w", asset, err)
	}
	return v, nil
}

// Amount is the inverse of Value: the token amount whose weighted value is
// value, truncated.
func (b Book) Amount(asset string, value fixed.Int) (fixed.Int, error) {
	q, ok := b[asset]
	if !ok {
		return fixed.Zero, fmt.Errorf("no quote for %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	if q.Price.Sign() <= 0 || q.CollateralFactor.Sign() <= 0 {
		return fixed.Zero, fmt.Errorf("quote for %s is not usable: %w", asset, riskerr.ErrInvalidInput)
	}
	scale, err := fixed.Pow10(uint(q.Decimals))
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.From(value).MulInt(fixed.BasisPoints).Quo(q.CollateralFactor).Mul(scale).Quo(q.Price).Result()
}

// Total sums the weighted value of balances, visiting assets in lexical order.
func (b Book) Total(balances map[string]fixed.Int) (fixed.Int, error) {
	total := fixed.From(fixed.Zero)
	for _, asset := range sortedAssets(balances) {
		amt := balances[asset]
		if amt.IsZero() {
			continue
		}
		v, err := b.Value(asset, amt)
		if err != nil {
			return fixed.Zero, err
		}
		total.Add(v)
	}
	return total.Result()
}

func sortedAssets(balances map[string]fixed.Int) []string {
	out := make([]string, 0, len(balances))
	for a := range balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
