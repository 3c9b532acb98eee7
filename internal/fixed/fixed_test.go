package fixed

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "170141183460469231731687303715884105727", "-170141183460469231731687303715884105728"} {
		v, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, s, v.String())
	}

	_, err := Parse("170141183460469231731687303715884105728")
	require.ErrorIs(t, err, ErrOverflow)
	_, err = Parse("12a")
	require.ErrorIs(t, err, ErrSyntax)
	_, err = Parse("")
	require.ErrorIs(t, err, ErrSyntax)

	v, err := Parse("+42")
	require.NoError(t, err)
	require.Equal(t, "42", v.String())
	require.Equal(t, "0", MustParse("-0").String())
}

func TestBounds(t *testing.T) {
	_, err := Max.Add(New(1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Min.Sub(New(1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Min.Neg()
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Min.Quo(New(-1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Max.Mul(New(2))
	require.ErrorIs(t, err, ErrOverflow)

	v, err := Min.Add(Max)
	require.NoError(t, err)
	require.Equal(t, "-1", v.String())
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		a, b                 int64
		sum, diff, prod, quo int64
	}{
		{7, 2, 9, 5, 14, 3},
		{-7, 2, -5, -9, -14, -3},
		{7, -2, 5, 9, -14, -3},
		{-7, -2, -9, -5, 14, 3},
		{0, 5, 5, -5, 0, 0},
	}
	for _, tc := range cases {
		a, b := New(tc.a), New(tc.b)
		s, err := a.Add(b)
		require.NoError(t, err)
		require.Equal(t, New(tc.sum), s)
		d, err := a.Sub(b)
		require.NoError(t, err)
		require.Equal(t, New(tc.diff), d)
		p, err := a.Mul(b)
		require.NoError(t, err)
		require.Equal(t, New(tc.prod), p)
		q, err := a.Quo(b)
		require.NoError(t, err)
		require.Equal(t, New(tc.quo), q, "%d/%d", tc.a, tc.b)
	}

	_, err := New(1).Quo(Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestSatSub(t *testing.T) {
	v, floored, err := New(7500).SatSub(New(100))
	require.NoError(t, err)
	require.False(t, floored)
	require.Equal(t, New(7400), v)

	v, floored, err = New(100).SatSub(New(7500))
	require.NoError(t, err)
	require.True(t, floored)
	require.True(t, v.IsZero())
}

func TestSqrt(t *testing.T) {
	require.Equal(t, Zero, Sqrt(Zero))
	require.Equal(t, New(1), Sqrt(New(1)))
	require.Equal(t, Zero, Sqrt(New(-9)))
	require.Equal(t, New(5), Sqrt(New(30)))
	require.Equal(t, New(19), Sqrt(New(365)))

	for n := int64(0); n < 5000; n++ {
		r := Sqrt(New(n))
		r64, ok := r.Int64()
		require.True(t, ok)
		require.LessOrEqual(t, r64*r64, n)
		require.Greater(t, (r64+1)*(r64+1), n)
	}

	r := Sqrt(Max)
	require.Equal(t, "13043817825332782212", r.String())
}

func TestCalcKeepsFirstError(t *testing.T) {
	_, err := From(Max).MulInt(2).QuoInt(4).Result()
	require.ErrorIs(t, err, ErrOverflow)

	_, err = FromInt64(10).QuoInt(0).AddInt(1).Result()
	require.ErrorIs(t, err, ErrDivisionByZero)

	v, err := ApplyBP(New(1000), New(7500))
	require.NoError(t, err)
	require.Equal(t, New(750), v)
}

func TestDecimalBridge(t *testing.T) {
	v := New(123456)
	require.Equal(t, "1.23456", v.Decimal(5).String())

	back, err := FromDecimal(decimal.RequireFromString("1.2345678"), 5)
	require.NoError(t, err)
	require.Equal(t, New(123456), back)
}

func TestBigAndJSON(t *testing.T) {
	b, _ := new(big.Int).SetString("-98765432109876543210", 10)
	v, err := FromBig(b)
	require.NoError(t, err)
	require.Equal(t, 0, v.Big().Cmp(b))

	raw, err := json.Marshal(struct{ V Int }{v})
	require.NoError(t, err)
	require.JSONEq(t, `{"V":"-98765432109876543210"}`, string(raw))

	var out struct{ V Int }
	require.NoError(t, json.Unmarshal([]byte(`{"V":12}`), &out))
	require.Equal(t, New(12), out.V)
}

func TestPow10(t *testing.T) {
	v, err := Pow10(14)
	require.NoError(t, err)
	require.Equal(t, "100000000000000", v.String())
	_, err = Pow10(39)
	require.ErrorIs(t, err, ErrOverflow)
}
