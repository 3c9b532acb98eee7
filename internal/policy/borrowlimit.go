// Package policy implements account-level borrow limits: a per-transaction
// cap plus a cumulative cap that resets when its time window elapses.
package policy

import (
	"fmt"
	"time"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// Key identifies one rule installed on one account.
type Key struct {
	Account string `json:"account"`
	Rule    string `json:"rule"`
}

func (k Key) String() string { return k.Account + "/" + k.Rule }

// Limit is an installed rule. Amounts are USD with 14 decimals.
type Limit struct {
	MaxPerTx      fixed.Int     `json:"max_per_tx"`
	MaxCumulative fixed.Int     `json:"max_cumulative"`
	Window        time.Duration `json:"window"`
}

// Validate requires positive caps and window.
func (l Limit) Validate() error {
	if l.MaxPerTx.Sign() <= 0 || l.MaxCumulative.Sign() <= 0 || l.Window <= 0 {
		return fmt.Errorf("borrow limit needs positive caps and window: %w", riskerr.ErrInvalidInput)
	}
	return nil
}

// Usage tracks consumption inside the current window.
type Usage struct {
	Cumulative  fixed.Int `json:"cumulative"`
	WindowStart time.Time `json:"window_start"`
}

// Rule is a limit and its usage.
type Rule struct {
	Key   Key   `json:"key"`
	Limit Limit `json:"limit"`
	Usage Usage `json:"usage"`
}

// Install returns a fresh rule whose window opens at now.
func Install(key Key, l Limit, now time.Time) (Rule, error) {
	if err := l.Validate(); err != nil {
		return Rule{}, err
	}
	return Rule{Key: key, Limit: l, Usage: Usage{Cumulative: fixed.Zero, WindowStart: now}}, nil
}

func (r Rule) current(now time.Time) Usage {
	u := r.Usage
	if !now.Before(u.WindowStart.Add(r.Limit.Window)) {
		u.Cumulative = fixed.Zero
		u.WindowStart = now
	}
	return u
}

// Check reports whether amount may be borrowed at now without recording it.
func (r Rule) Check(amount fixed.Int, now time.Time) error {
	_, err := r.Enforce(amount, now)
	return err
}

// Enforce records amount against the rule, rolling the window when it has
// expired, and returns the updated rule.
func (r Rule) Enforce(amount fixed.Int, now time.Time) (Rule, error) {
	if amount.Gt(r.Limit.MaxPerTx) {
		return r, fmt.Errorf("%s: %s exceeds per-transaction limit %s: %w", r.Key, amount, r.Limit.MaxPerTx, riskerr.ErrPolicyViolation)
	}
	u := r.current(now)
	next, err := u.Cumulative.Add(amount)
	if err != nil {
		return r, err
	}
	if next.Gt(r.Limit.MaxCumulative) {
		return r, fmt.Errorf("%s: cumulative %s exceeds limit %s: %w", r.Key, next, r.Limit.MaxCumulative, riskerr.ErrPolicyViolation)
	}
	u.Cumulative = next
	r.Usage = u
	return r, nil
}

// Remaining is the most that can be borrowed in one transaction at now.
func (r Rule) Remaining(now time.Time) (fixed.Int, error) {
	u := r.current(now)
	left, err := r.Limit.MaxCumulative.Sub(u.Cumulative)
	if err != nil {
		return fixed.Zero, err
	}
	return left.Min(r.Limit.MaxPerTx).Max(fixed.Zero), nil
}
