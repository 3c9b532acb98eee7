package risk

import (
	"context"
	"fmt"

	"collateral-risk/internal/events"
	"collateral-risk/internal/fixed"
	"collateral-risk/internal/policy"
	"collateral-risk/internal/riskerr"
)

// authorizeAccount lets the account itself or the admin manage its rules.
func (e *Engine) authorizeAccount(ctx context.Context, caller, account string) error {
	if caller == account && caller != "" {
		return nil
	}
	rec, err := e.store.LoadParams(ctx)
	if err != nil {
		return err
	}
	if caller != rec.Admin {
		return fmt.Errorf("%q may not manage limits of %q: %w", caller, account, riskerr.ErrUnauthorized)
	}
	return nil
}

// InstallBorrowLimit installs or replaces a rule; its window opens now.
func (e *Engine) InstallBorrowLimit(ctx context.Context, caller string, key policy.Key, l policy.Limit) (policy.Rule, error) {
	if key.Account == "" || key.Rule == "" {
		return policy.Rule{}, e.fail("install_limit", fmt.Errorf("rule key %q is incomplete: %w", key, riskerr.ErrInvalidInput))
	}
	if err := e.authorizeAccount(ctx, caller, key.Account); err != nil {
		return policy.Rule{}, e.fail("install_limit", err)
	}
	r, err := policy.Install(key, l, e.now())
	if err != nil {
		return policy.Rule{}, e.fail("install_limit", err)
	}
	if err := e.store.PutRule(ctx, r); err != nil {
		return policy.Rule{}, e.fail("install_limit", err)
	}
	e.publish(ctx, events.KindBorrowLimitChanged, key.Account, map[string]any{"rule": key.Rule, "limit": l})
	return r, nil
}

// UninstallBorrowLimit removes a rule.
func (e *Engine) UninstallBorrowLimit(ctx context.Context, caller string, key policy.Key) error {
	if err := e.authorizeAccount(ctx, caller, key.Account); err != nil {
		return e.fail("uninstall_limit", err)
	}
	if _, err := e.store.GetRule(ctx, key); err != nil {
		return e.fail("uninstall_limit", err)
	}
	if err := e.store.DeleteRule(ctx, key); err != nil {
		return e.fail("uninstall_limit", err)
	}
	e.publish(ctx, events.KindBorrowLimitChanged, key.Account, map[string]any{"rule": key.Rule, "removed": true})
	return nil
}

// RemainingBorrow is what the rule still allows in its current window.
func (e *Engine) RemainingBorrow(ctx context.Context, key policy.Key) (fixed.Int, error) {
	r, err := e.store.GetRule(ctx, key)
	if err != nil {
		return fixed.Zero, err
	}
	return r.Remaining(e.now())
}

// BorrowLimits lists the rules of an account.
func (e *Engine) BorrowLimits(ctx context.Context, account string) ([]policy.Rule, error) {
	return e.store.ListRules(ctx, account)
}

// enforceLimits checks amount against every rule of the account and returns
// the stored rules with their updated versions, without writing them.
func (e *Engine) enforceLimits(ctx context.Context, account string, amount fixed.Int) (current, next []policy.Rule, err error) {
	current, err = e.store.ListRules(ctx, account)
	if err != nil {
		return nil, nil, fmt.Errorf("list borrow limits: %w", err)
	}
	now := e.now()
	next = make([]policy.Rule, 0, len(current))
	for _, r := range current {
		n, err := r.Enforce(amount, now)
		if err != nil {
			return nil, nil, err
		}
		next = append(next, n)
	}
	return current, next, nil
}

func (e *Engine) commitLimits(ctx context.Context, rules []policy.Rule) error {
	for _, r := range rules {
		if err := e.store.PutRule(ctx, r); err != nil {
			return fmt.Errorf("update borrow limit %s: %w", r.Key, err)
		}
	}
	return nil
}
