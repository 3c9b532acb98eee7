package liquidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

func n(v int64) fixed.Int { return fixed.New(v) }

func defaults() Params {
	return Params{
		LiquidationThreshold: n(10000),
		TargetHealth:         n(10500),
		Penalty:              n(500),
		ProtocolFee:          n(100),
	}
}

func TestIsLiquidatableBoundary(t *testing.T) {
	require.True(t, IsLiquidatable(n(9500), n(10000)))
	require.True(t, IsLiquidatable(n(9999), n(10000)))
	require.False(t, IsLiquidatable(n(10000), n(10000)))
	require.False(t, IsLiquidatable(n(11000), n(10000)))
}

func TestPartialAmountsAlreadyHealthy(t *testing.T) {
	seized, repaid, err := PartialAmounts(n(1200), n(1000), n(500), n(10500))
	require.NoError(t, err)
	require.True(t, seized.IsZero())
	require.True(t, repaid.IsZero())

	seized, repaid, err = PartialAmounts(n(1200), fixed.Zero, n(500), n(10500))
	require.NoError(t, err)
	require.True(t, seized.IsZero())
	require.True(t, repaid.IsZero())
}

func TestPartialAmountsDegenerate(t *testing.T) {
	// 10000+500 == target: the premium can never lift health, take everything.
	seized, repaid, err := PartialAmounts(n(950), n(1000), n(500), n(10500))
	require.NoError(t, err)
	require.Equal(t, n(950), seized)
	require.Equal(t, n(1000), repaid)

	seized, repaid, err = PartialAmounts(n(900), n(1000), n(100), n(10500))
	require.NoError(t, err)
	require.Equal(t, n(900), seized)
	require.Equal(t, n(1000), repaid)

	// Deep underwater: still the whole position.
	seized, repaid, err = PartialAmounts(n(100), n(1000), n(0), n(10500))
	require.NoError(t, err)
	require.Equal(t, n(100), seized)
	require.Equal(t, n(1000), repaid)
}

func TestPartialAmountsNegativeSolution(t *testing.T) {
	// A 10% premium lowers health further for any position below target.
	seized, repaid, err := PartialAmounts(n(950), n(1000), n(1000), n(10500))
	require.NoError(t, err)
	require.True(t, seized.IsZero())
	require.True(t, repaid.IsZero())
}

func TestBonus(t *testing.T) {
	liq, proto, err := Bonus(n(1050), n(1000), n(2000))
	require.NoError(t, err)
	require.Equal(t, n(40), liq)
	require.Equal(t, n(10), proto)

	liq, proto, err = Bonus(n(900), n(1000), n(2000))
	require.NoError(t, err)
	require.True(t, liq.IsZero())
	require.True(t, proto.IsZero())
}

func TestMaxSingle(t *testing.T) {
	v, err := MaxSingle(n(1000), n(5000))
	require.NoError(t, err)
	require.Equal(t, n(500), v)
}

func TestSolveRejectsNonLiquidatable(t *testing.T) {
	for _, c := range []int64{1200, 1050, 1000} {
		_, err := Solve(n(c), n(1000), defaults())
		require.ErrorIs(t, err, riskerr.ErrNotLiquidatable, "collateral=%d", c)
	}
}

func TestSolveFullLiquidation(t *testing.T) {
	plan, err := Solve(n(950), n(1000), defaults())
	require.NoError(t, err)
	require.True(t, plan.Full)
	require.False(t, plan.Capped)
	require.Equal(t, n(950), plan.CollateralSeized)
	require.Equal(t, n(1000), plan.DebtRepaid)
	require.Equal(t, n(9500), plan.HealthBefore)
	// seized < repaid leaves nothing to split
	require.True(t, plan.LiquidatorBonus.IsZero())
	require.True(t, plan.ProtocolFee.IsZero())
	require.True(t, plan.HealthAfter.Eq(fixed.Max))
}

func TestSolveCloseFactor(t *testing.T) {
	p := defaults()
	p.CloseFactor = n(5000)
	plan, err := Solve(n(950), n(1000), p)
	require.NoError(t, err)
	require.True(t, plan.Capped)
	require.False(t, plan.Full)
	require.Equal(t, n(500), plan.DebtRepaid)
	require.Equal(t, n(525), plan.CollateralSeized)
	require.Equal(t, n(25), plan.LiquidatorBonus)
	require.Equal(t, n(8500), plan.HealthAfter) // 425*10000/500
}

func TestSolveInvalidParams(t *testing.T) {
	p := defaults()
	p.ProtocolFee = n(20000)
	_, err := Solve(n(950), n(1000), p)
	require.ErrorIs(t, err, riskerr.ErrInvalidInput)
}

func TestDutchAuction(t *testing.T) {
	a := DutchAuction{
		StartDiscount: fixed.Zero,
		EndDiscount:   n(500),
		Duration:      3600 * time.Second,
		StartTime:     time.Unix(1000, 0),
	}
	at := func(sec int64) fixed.Int {
		d, err := a.Discount(time.Unix(sec, 0))
		require.NoError(t, err)
		return d
	}
	require.Equal(t, fixed.Zero, at(500))
	require.Equal(t, fixed.Zero, at(1000))
	require.Equal(t, n(250), at(2800))
	require.Equal(t, n(500), at(4600))
	require.Equal(t, n(500), at(10000))
	require.True(t, a.Ended(time.Unix(4600, 0)))
	require.False(t, a.Ended(time.Unix(4599, 0)))

	down := DutchAuction{StartDiscount: n(800), EndDiscount: n(200), Duration: time.Hour, StartTime: time.Unix(0, 0)}
	d, err := down.Discount(time.Unix(1800, 0))
	require.NoError(t, err)
	require.Equal(t, n(500), d)
}
