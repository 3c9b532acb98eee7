package health

import (
	"fmt"
	"time"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/interest"
	"collateral-risk/internal/riskerr"
)

// Position is a user's collateral and debt. Transitions return a modified copy
// and never touch the receiver, so callers can discard a result on conflict.
type Position struct {
	Owner              string               `json:"owner"`
	Collateral         map[string]fixed.Int `json:"collateral"`
	WeightedCollateral fixed.Int            `json:"weighted_collateral"`
	Principal          fixed.Int            `json:"principal"`
	AccruedInterest    fixed.Int            `json:"accrued_interest"`
	LastAccrual        time.Time            `json:"last_accrual"`
	Version            int64                `json:"version"`
}

// NewPosition returns an empty position for owner.
func NewPosition(owner string) Position {
	return Position{Owner: owner, Collateral: map[string]fixed.Int{}}
}

// Clone deep-copies the balance map.
func (p Position) Clone() Position {
	balances := make(map[string]fixed.Int, len(p.Collateral))
	for k, v := range p.Collateral {
		balances[k] = v
	}
	p.Collateral = balances
	return p
}

// Balance returns the deposited amount of asset.
func (p Position) Balance(asset string) fixed.Int {
	return p.Collateral[asset]
}

// Debt is principal plus accrued interest.
func (p Position) Debt() (fixed.Int, error) {
	return p.Principal.Add(p.AccruedInterest)
}

// Health computes the factor from the stored weighted collateral.
func (p Position) Health(t Thresholds) (Factor, error) {
	d, err := p.Debt()
	if err != nil {
		return Factor{}, err
	}
	return Compute(p.WeightedCollateral, d, t)
}

// Revalue recomputes the weighted collateral against book.
func (p Position) Revalue(book Book) (Position, error) {
	total, err := book.Total(p.Collateral)
	if err != nil {
		return p, err
	}
	out := p.Clone()
	out.WeightedCollateral = total
	return out, nil
}

func requirePositive(what string, amount fixed.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%s amount %s must be positive: %w", what, amount, riskerr.ErrInvalidInput)
	}
	return nil
}

// Deposit credits amount of asset and revalues.
func (p Position) Deposit(asset string, amount fixed.Int, book Book) (Position, error) {
	if err := requirePositive("deposit", amount); err != nil {
		return p, err
	}
	out := p.Clone()
	bal, err := out.Collateral[asset].Add(amount)
	if err != nil {
		return p, err
	}
	out.Collateral[asset] = bal
	return out.Revalue(book)
}

// Withdraw debits amount of asset and revalues. The withdrawal is refused when
// it would leave the position below minHealth.
func (p Position) Withdraw(asset string, amount fixed.Int, book Book, minHealth fixed.Int) (Position, error) {
	if err := requirePositive("withdraw", amount); err != nil {
		return p, err
	}
	cur := p.Collateral[asset]
	if cur.Lt(amount) {
		return p, fmt.Errorf("withdraw %s of %s exceeds balance %s: %w", amount, asset, cur, riskerr.ErrInvalidInput)
	}
	out := p.Clone()
	rest, err := cur.Sub(amount)
	if err != nil {
		return p, err
	}
	out.Collateral[asset] = rest
	if out, err = out.Revalue(book); err != nil {
		return p, err
	}
	debt, err := out.Debt()
	if err != nil {
		return p, err
	}
	hv, err := Value(out.WeightedCollateral, debt)
	if err != nil {
		return p, err
	}
	if hv.Lt(minHealth) {
		return p, fmt.Errorf("withdrawal would leave health %s below %s: %w", hv, minHealth, riskerr.ErrInvalidInput)
	}
	return out, nil
}

// Accrue adds interest at rateBP up to now.
func (p Position) Accrue(rateBP fixed.Int, now time.Time) (Position, error) {
	a := interest.Accrual{Principal: p.Principal, Accrued: p.AccruedInterest, LastAccrual: p.LastAccrual}
	a, err := a.Accrue(rateBP, now)
	if err != nil {
		return p, err
	}
	out := p.Clone()
	out.AccruedInterest = a.Accrued
	out.LastAccrual = a.LastAccrual
	return out, nil
}

// Borrow adds principal. Interest must already be accrued up to now.
func (p Position) Borrow(amount fixed.Int, now time.Time) (Position, error) {
	if err := requirePositive("borrow", amount); err != nil {
		return p, err
	}
	out := p.Clone()
	var err error
	if out.Principal, err = out.Principal.Add(amount); err != nil {
		return p, err
	}
	out.LastAccrual = now
	return out, nil
}

// Repay pays accrued interest first, then principal. Amounts above the debt
// are capped; the applied amount is returned.
func (p Position) Repay(amount fixed.Int) (Position, fixed.Int, error) {
	if err := requirePositive("repay", amount); err != nil {
		return p, fixed.Zero, err
	}
	debt, err := p.Debt()
	if err != nil {
		return p, fixed.Zero, err
	}
	if debt.IsZero() {
		return p, fixed.Zero, fmt.Errorf("%s has no debt to repay: %w", p.Owner, riskerr.ErrInvalidInput)
	}
	applied := amount.Min(debt)
	out := p.Clone()
	if applied.Lte(out.AccruedInterest) {
		out.AccruedInterest, err = out.AccruedInterest.Sub(applied)
		return out, applied, err
	}
	rest, err := applied.Sub(out.AccruedInterest)
	if err != nil {
		return p, fixed.Zero, err
	}
	out.AccruedInterest = fixed.Zero
	if out.Principal, err = out.Principal.Sub(rest); err != nil {
		return p, fixed.Zero, err
	}
	return out, applied, nil
}

// Seize removes collateral worth value (weighted USD) visiting assets in
// lexical order, and returns the token amounts taken per asset.
func (p Position) Seize(value fixed.Int, book Book) (Position, map[string]fixed.Int, error) {
	taken := map[string]fixed.Int{}
	if value.Sign() <= 0 {
		return p, taken, nil
	}
	out := p.Clone()
	remaining := value
	for _, asset := range sortedAssets(out.Collateral) {
		if remaining.Sign() <= 0 {
			break
		}
		bal := out.Collateral[asset]
		if bal.Sign() <= 0 {
			continue
		}
		worth, err := book.Value(asset, bal)
		if err != nil {
			return p, nil, err
		}
		amt := bal
		part := worth
		if worth.Gt(remaining) {
			if amt, err = book.Amount(asset, remaining); err != nil {
				return p, nil, err
			}
			amt = amt.Min(bal)
			part = remaining
		}
		if out.Collateral[asset], err = bal.Sub(amt); err != nil {
			return p, nil, err
		}
		taken[asset] = amt
		if remaining, err = remaining.Sub(part); err != nil {
			return p, nil, err
		}
	}
	out, err := out.Revalue(book)
	if err != nil {
		return p, nil, err
	}
	return out, taken, nil
}
