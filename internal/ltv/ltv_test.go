package ltv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

func inputs(base, vol, k, days, floor int64) Inputs {
	return Inputs{
		BaseLTV:     fixed.New(base),
		Volatility:  fixed.New(vol),
		KFactor:     fixed.New(k),
		HorizonDays: days,
		MinLTV:      fixed.New(floor),
	}
}

func TestSqrtHorizon(t *testing.T) {
	v, err := SqrtHorizon(30)
	require.NoError(t, err)
	require.Equal(t, fixed.New(263), v) // isqrt(30)=5, 5000/19

	v, err = SqrtHorizon(365)
	require.NoError(t, err)
	require.Equal(t, fixed.New(1000), v)

	v, err = SqrtHorizon(0)
	require.NoError(t, err)
	require.True(t, v.IsZero())
}

func TestZeroVolatilityKeepsBase(t *testing.T) {
	q, err := AdjustedLTV(inputs(7500, 0, 100, 30, 3000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(7500), q.FinalLTV)
	require.False(t, q.Floored)
	require.False(t, q.Saturated)
}

func TestAdjustmentBounded(t *testing.T) {
	for _, vol := range []int64{100, 1000, 5000, 20000, 100000} {
		for _, k := range []int64{1, 100, 1000, 10000, 100000} {
			q, err := AdjustedLTV(inputs(7500, vol, k, 30, 3000))
			require.NoError(t, err)
			require.True(t, q.FinalLTV.Lte(fixed.New(7500)), "vol=%d k=%d", vol, k)
			require.True(t, q.FinalLTV.Gte(fixed.New(3000)), "vol=%d k=%d", vol, k)
		}
	}

	q, err := AdjustedLTV(inputs(7500, 5000, 100, 30, 3000))
	require.NoError(t, err)
	// 100*5000*263/10_000_000 = 13
	require.Equal(t, fixed.New(13), q.Adjustment)
	require.Equal(t, fixed.New(7487), q.FinalLTV)
	require.True(t, q.FinalLTV.Lt(fixed.New(7500)))
}

func TestSaturationThenFloor(t *testing.T) {
	q, err := AdjustedLTV(inputs(7500, 1_000_000, 1_000_000, 30, 3000))
	require.NoError(t, err)
	require.True(t, q.Saturated)
	require.True(t, q.AdjustedLTV.IsZero())
	require.True(t, q.Floored)
	require.Equal(t, fixed.New(3000), q.FinalLTV)
	require.ErrorIs(t, q.Warning(), riskerr.ErrArithmeticFloor)

	q, err = AdjustedLTV(inputs(7500, 0, 100, 30, 3000))
	require.NoError(t, err)
	require.NoError(t, q.Warning())
}

func TestSafeBorrow(t *testing.T) {
	v, err := SafeBorrow(fixed.New(1000), fixed.New(7500))
	require.NoError(t, err)
	require.Equal(t, fixed.New(750), v)

	in := inputs(7500, 0, 100, 30, 3000)
	in.CollateralValue = fixed.MustParse("100000000000000000") // 1000 USD at 1e14
	q, err := Calculate(in)
	require.NoError(t, err)
	require.Equal(t, fixed.MustParse("75000000000000000"), q.SafeBorrow)
}

func TestInvalidAndOverflow(t *testing.T) {
	_, err := AdjustedLTV(inputs(7500, -1, 100, 30, 3000))
	require.ErrorIs(t, err, riskerr.ErrInvalidInput)

	in := inputs(7500, 0, 100, 30, 3000)
	in.CollateralValue = fixed.Max
	_, err = Calculate(in)
	require.ErrorIs(t, err, fixed.ErrOverflow)
}
