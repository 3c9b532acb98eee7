package stoploss

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

func n(v int64) fixed.Int { return fixed.New(v) }

func TestShouldTrigger(t *testing.T) {
	require.True(t, ShouldTrigger(n(10100), n(10200), n(10000)))
	require.True(t, ShouldTrigger(n(10050), n(10200), n(10000)))
	require.True(t, ShouldTrigger(n(10200), n(10200), n(10000)))
	require.True(t, ShouldTrigger(n(10000), n(10200), n(10000)))
	require.False(t, ShouldTrigger(n(11000), n(10200), n(10000)))
	require.False(t, ShouldTrigger(n(10500), n(10200), n(10000)))
	require.False(t, ShouldTrigger(n(9900), n(10200), n(10000)))
}

func TestSwapAmount(t *testing.T) {
	// (10500*1000/10000 - 1000)*10000/500 = 1000, clamped to the collateral.
	s, err := SwapAmount(n(1000), n(1000), n(10500))
	require.NoError(t, err)
	require.Equal(t, n(1000), s)

	// (1050 - 1020)*10000/500 = 600; (1020-600)/(1000-600) = 1.05
	s, err = SwapAmount(n(1020), n(1000), n(10500))
	require.NoError(t, err)
	require.Equal(t, n(600), s)

	s, err = SwapAmount(n(1200), n(1000), n(10500))
	require.NoError(t, err)
	require.True(t, s.IsZero())

	s, err = SwapAmount(n(900), n(1000), n(10000))
	require.NoError(t, err)
	require.True(t, s.IsZero())

	s, err = SwapAmount(n(900), fixed.Zero, n(10500))
	require.NoError(t, err)
	require.True(t, s.IsZero())
}

func TestMinOutput(t *testing.T) {
	v, err := MinOutput(n(1000), n(100))
	require.NoError(t, err)
	require.Equal(t, n(990), v)
	v, err = MinOutput(n(1000), n(500))
	require.NoError(t, err)
	require.Equal(t, n(950), v)
}

func TestConfigValidate(t *testing.T) {
	c := Config{Enabled: true, MaxSlippage: n(1000), SwapOrder: []string{"XLM"}}
	require.NoError(t, c.Validate())
	c.MaxSlippage = n(1001)
	require.ErrorIs(t, c.Validate(), riskerr.ErrInvalidInput)
	c.MaxSlippage = n(100)
	c.TargetHealth = n(10000)
	require.ErrorIs(t, c.Validate(), riskerr.ErrInvalidInput)
	c.TargetHealth = fixed.Zero
	c.SwapOrder = []string{"XLM", "XLM"}
	require.ErrorIs(t, c.Validate(), riskerr.ErrInvalidInput)

	require.Equal(t, n(10200), Config{}.Trigger(n(10200)))
	require.Equal(t, n(10300), Config{TriggerThreshold: n(10300)}.Trigger(n(10200)))
}

// Weighted prices are chosen so one native unit is worth one USD unit.
func book() health.Book {
	return health.Book{
		"XLM": {Price: n(1), Decimals: 0, CollateralFactor: n(10000)},
		"BTC": {Price: n(1), Decimals: 0, CollateralFactor: n(10000)},
	}
}

func position(xlm, btc, debt int64) health.Position {
	p := health.NewPosition("alice")
	p.Collateral["XLM"] = n(xlm)
	p.Collateral["BTC"] = n(btc)
	p.WeightedCollateral = n(xlm + btc)
	p.Principal = n(debt)
	return p
}

func input(p health.Position, cfg Config) Input {
	return Input{
		Position:             p,
		Book:                 book(),
		Config:               cfg,
		GlobalTrigger:        n(10200),
		GlobalTarget:         n(10500),
		LiquidationThreshold: n(10000),
	}
}

func TestSolveAllocatesInOrder(t *testing.T) {
	cfg := Config{Enabled: true, SwapOrder: []string{"XLM", "BTC"}, MaxSlippage: n(100)}
	plan, err := Solve(input(position(400, 620, 1000), cfg))
	require.NoError(t, err)
	require.Equal(t, n(10200), plan.HealthBefore)
	require.Equal(t, n(600), plan.SwapValue)
	require.Len(t, plan.Legs, 2)
	require.Equal(t, "XLM", plan.Legs[0].Asset)
	require.Equal(t, n(400), plan.Legs[0].Amount)
	require.Equal(t, n(396), plan.Legs[0].MinOut)
	require.Equal(t, "BTC", plan.Legs[1].Asset)
	require.Equal(t, n(200), plan.Legs[1].Amount)
	require.True(t, plan.Unfilled.IsZero())
}

func TestSolveSkipsSmallLegs(t *testing.T) {
	cfg := Config{Enabled: true, SwapOrder: []string{"XLM", "BTC"}, MinSwapAmount: n(500)}
	plan, err := Solve(input(position(400, 620, 1000), cfg))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	require.Equal(t, "BTC", plan.Legs[0].Asset)
	require.Equal(t, n(600), plan.Legs[0].Amount)
}

func TestSolveUnfilledWhenOrderIncomplete(t *testing.T) {
	cfg := Config{Enabled: true, SwapOrder: []string{"XLM"}}
	plan, err := Solve(input(position(400, 620, 1000), cfg))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	require.Equal(t, n(200), plan.Unfilled)
}

func TestSolveZones(t *testing.T) {
	cfg := Config{Enabled: true, SwapOrder: []string{"XLM"}}

	_, err := Solve(input(position(600, 600, 1000), cfg))
	require.ErrorIs(t, err, riskerr.ErrAlreadyHealthy)

	_, err = Solve(input(position(400, 590, 1000), cfg))
	require.ErrorIs(t, err, riskerr.ErrPositionLiquidatable)

	cfg.Enabled = false
	_, err = Solve(input(position(400, 620, 1000), cfg))
	require.ErrorIs(t, err, riskerr.ErrStopLossDisabled)

	cfg = Config{Enabled: true, SwapOrder: []string{"XLM"}, TriggerThreshold: n(12500)}
	plan, err := Solve(input(position(600, 600, 1000), cfg))
	require.NoError(t, err)
	require.True(t, plan.SwapValue.IsZero(), "12000 is already above the 10500 target")
}
