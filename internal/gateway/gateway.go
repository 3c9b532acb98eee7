// Package gateway defines the boundary to the lending market that holds the
// funds. The risk engine only computes amounts; every movement of funds goes
// through a LendingMarket.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

// PoolState is the aggregate state of the borrow pool, used for utilization.
type PoolState struct {
	TotalLiquidity fixed.Int `json:"total_liquidity"`
	TotalBorrows   fixed.Int `json:"total_borrows"`
}

// Positions is the market's own view of an account.
type Positions struct {
	Collateral map[string]fixed.Int `json:"collateral"`
	Debt       fixed.Int            `json:"debt"`
}

// LendingMarket executes supply, withdraw, borrow and repay requests.
type LendingMarket interface {
	Supply(ctx context.Context, owner, asset string, amount fixed.Int) error
	Withdraw(ctx context.Context, owner, asset string, amount fixed.Int) error
	Borrow(ctx context.Context, owner string, amount fixed.Int) error
	Repay(ctx context.Context, owner string, amount fixed.Int) error
	Positions(ctx context.Context, owner string) (Positions, error)
	PoolState(ctx context.Context) (PoolState, error)
}

// Unintegrated fails every call. It is the default until a real market is
// wired, so nothing silently reports fabricated state.
type Unintegrated struct{}

var _ LendingMarket = Unintegrated{}

func unavailable(op string) error {
	return fmt.Errorf("lending market %s: %w", op, riskerr.ErrBackendUnavailable)
}

func (Unintegrated) Supply(context.Context, string, string, fixed.Int) error {
	return unavailable("supply")
}
func (Unintegrated) Withdraw(context.Context, string, string, fixed.Int) error {
	return unavailable("withdraw")
}
func (Unintegrated) Borrow(context.Context, string, fixed.Int) error { return unavailable("borrow") }
func (Unintegrated) Repay(context.Context, string, fixed.Int) error  { return unavailable("repay") }
func (Unintegrated) Positions(context.Context, string) (Positions, error) {
	return Positions{}, unavailable("positions")
}
func (Unintegrated) PoolState(context.Context) (PoolState, error) {
	return PoolState{}, unavailable("pool state")
}

// Call is one request recorded by Memory.
type Call struct {
	Op     string
	Owner  string
	Asset  string
	Amount fixed.Int
}

// Memory is an in-process market that keeps balances and records calls. Set
// Err to make every call fail.
type Memory struct {
	mu        sync.Mutex
	calls     []Call
	positions map[string]Positions
	pool      PoolState
	Err       error
}

var _ LendingMarket = (*Memory)(nil)

// NewMemory returns a market with the given liquidity.
func NewMemory(liquidity fixed.Int) *Memory {
	return &Memory{
		positions: make(map[string]Positions),
		pool:      PoolState{TotalLiquidity: liquidity, TotalBorrows: fixed.Zero},
	}
}

// Calls returns the recorded requests.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Memory) record(c Call) (Positions, error) {
	if m.Err != nil {
		return Positions{}, m.Err
	}
	m.calls = append(m.calls, c)
	p, ok := m.positions[c.Owner]
	if !ok {
		p = Positions{Collateral: map[string]fixed.Int{}, Debt: fixed.Zero}
	}
	return p, nil
}

func (m *Memory) Supply(_ context.Context, owner, asset string, amount fixed.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.record(Call{Op: "supply", Owner: owner, Asset: asset, Amount: amount})
	if err != nil {
		return err
	}
	if p.Collateral[asset], err = p.Collateral[asset].Add(amount); err != nil {
		return err
	}
	m.positions[owner] = p
	return nil
}

func (m *Memory) Withdraw(_ context.Context, owner, asset string, amount fixed.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.record(Call{Op: "withdraw", Owner: owner, Asset: asset, Amount: amount})
	if err != nil {
		return err
	}
	if p.Collateral[asset].Lt(amount) {
		return fmt.Errorf("withdraw %s %s: %w", amount, asset, riskerr.ErrInvalidInput)
	}
	if p.Collateral[asset], err = p.Collateral[asset].Sub(amount); err != nil {
		return err
	}
	m.positions[owner] = p
	return nil
}

func (m *Memory) Borrow(_ context.Context, owner string, amount fixed.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.record(Call{Op: "borrow", Owner: owner, Amount: amount})
	if err != nil {
		return err
	}
	borrows, err := m.pool.TotalBorrows.Add(amount)
	if err != nil {
		return err
	}
	if borrows.Gt(m.pool.TotalLiquidity) {
		return fmt.Errorf("borrow %s exceeds pool liquidity: %w", amount, riskerr.ErrInvalidInput)
	}
	if p.Debt, err = p.Debt.Add(amount); err != nil {
		return err
	}
	m.pool.TotalBorrows = borrows
	m.positions[owner] = p
	return nil
}

func (m *Memory) Repay(_ context.Context, owner string, amount fixed.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.record(Call{Op: "repay", Owner: owner, Amount: amount})
	if err != nil {
		return err
	}
	applied := amount.Min(p.Debt)
	if p.Debt, err = p.Debt.Sub(applied); err != nil {
		return err
	}
	if m.pool.TotalBorrows, _, err = m.pool.TotalBorrows.SatSub(applied); err != nil {
		return err
	}
	m.positions[owner] = p
	return nil
}

func (m *Memory) Positions(_ context.Context, owner string) (Positions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Positions{}, m.Err
	}
	p, ok := m.positions[owner]
	if !ok {
		return Positions{}, fmt.Errorf("positions for %s: %w", owner, riskerr.ErrNotFound)
	}
	out := Positions{Collateral: make(map[string]fixed.Int, len(p.Collateral)), Debt: p.Debt}
	for k, v := range p.Collateral {
		out.Collateral[k] = v
	}
	return out, nil
}

func (m *Memory) PoolState(context.Context) (PoolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return PoolState{}, m.Err
	}
	return m.pool, nil
}
