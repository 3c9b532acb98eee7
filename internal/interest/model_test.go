package interest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

const year = SecondsPerYear * time.Second

func TestUtilization(t *testing.T) {
	u, err := Utilization(fixed.New(500), fixed.New(1000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(5000), u)

	u, err = Utilization(fixed.New(500), fixed.Zero)
	require.NoError(t, err)
	require.True(t, u.IsZero())
}

func TestKinkRate(t *testing.T) {
	m := DefaultModel()
	cases := []struct {
		u, want int64
	}{
		{0, 200},
		{4000, 400},   // 200 + 4000*400/8000
		{8000, 600},   // exactly at the kink
		{9000, 4350},  // 200 + 400 + 1000*7500/2000
		{10000, 8100}, // fully utilized
	}
	for _, tc := range cases {
		r, err := m.Rate(fixed.New(tc.u))
		require.NoError(t, err)
		require.Equal(t, fixed.New(tc.want), r, "u=%d", tc.u)
	}

	r, err := m.PoolRate(fixed.New(900), fixed.New(1000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(4350), r)
}

func TestValidate(t *testing.T) {
	m := DefaultModel()
	m.Optimal = fixed.BP
	require.ErrorIs(t, m.Validate(), riskerr.ErrInvalidInput)
	m.Optimal = fixed.Zero
	_, err := m.Rate(fixed.New(10))
	require.ErrorIs(t, err, riskerr.ErrInvalidInput)
}

func TestInterestOneYear(t *testing.T) {
	i, err := Interest(fixed.New(1000), fixed.New(1000), year)
	require.NoError(t, err)
	require.Equal(t, fixed.New(100), i)
}

func TestAccrueHalvesSumToYear(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	a := Accrual{Principal: fixed.New(1000), LastAccrual: start}

	once, err := a.Accrue(fixed.New(1000), start.Add(year))
	require.NoError(t, err)
	require.Equal(t, fixed.New(100), once.Accrued)
	require.Equal(t, start.Add(year), once.LastAccrual)

	half, err := a.Accrue(fixed.New(1000), start.Add(year/2))
	require.NoError(t, err)
	twice, err := half.Accrue(fixed.New(1000), start.Add(year))
	require.NoError(t, err)

	diff, err := once.Accrued.Sub(twice.Accrued)
	require.NoError(t, err)
	abs, err := diff.Abs()
	require.NoError(t, err)
	require.True(t, abs.Lte(fixed.New(1)), "once=%s twice=%s", once.Accrued, twice.Accrued)
}

func TestAccrueCarriesSubSecondRemainder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	// 10000 per second at 100%.
	a := Accrual{Principal: fixed.New(SecondsPerYear * fixed.BasisPoints), LastAccrual: start}

	first, err := a.Accrue(fixed.BP, start.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, fixed.New(10000), first.Accrued)
	require.Equal(t, start.Add(time.Second), first.LastAccrual)

	second, err := first.Accrue(fixed.BP, start.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, fixed.New(20000), second.Accrued)
	require.Equal(t, start.Add(2*time.Second), second.LastAccrual)
}

func TestAccrueNoop(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	zero := Accrual{LastAccrual: start}
	out, err := zero.Accrue(fixed.New(1000), start.Add(year))
	require.NoError(t, err)
	require.Equal(t, zero, out)

	a := Accrual{Principal: fixed.New(1000), LastAccrual: start}
	out, err = a.Accrue(fixed.New(1000), start)
	require.NoError(t, err)
	require.Equal(t, a, out)
}

func TestEffectiveRate(t *testing.T) {
	r, err := EffectiveRate(fixed.New(1000), fixed.New(500), fixed.New(1000), fixed.New(1000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(500), r)

	r, err = EffectiveRate(fixed.New(500), fixed.New(1000), fixed.New(1000), fixed.New(1000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(-500), r)

	r, err = EffectiveRate(fixed.New(500), fixed.New(1000), fixed.Zero, fixed.New(1000))
	require.NoError(t, err)
	require.True(t, r.IsZero())
}
