// Package fixed implements checked signed 128-bit integer arithmetic used by
// every risk calculation. Values are held as sign and magnitude over a 256-bit
// unsigned word so that intermediate products never wrap; any result outside
// [-2^127, 2^127-1] is reported as ErrOverflow instead.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// BasisPoints is the scale of ratios: 10000 means 1.0.
	BasisPoints = 10000
	// USDDecimals is the number of decimals carried by USD denominated values.
	USDDecimals = 14
)

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrSyntax         = errors.New("invalid integer")
)

var (
	posLimit = func() uint256.Int {
		var x uint256.Int
		x.Lsh(uint256.NewInt(1), 127)
		x.SubUint64(&x, 1)
		return x
	}()
	negLimit = func() uint256.Int {
		var x uint256.Int
		x.Lsh(uint256.NewInt(1), 127)
		return x
	}()
)

// Int is an immutable signed 128-bit integer. The zero value is 0.
type Int struct {
	neg bool
	mag uint256.Int
}

var (
	// Zero is the additive identity.
	Zero = Int{}
	// Max is the largest representable value; it doubles as the "infinite"
	// health factor sentinel.
	Max = Int{mag: posLimit}
	// Min is the smallest representable value.
	Min = Int{neg: true, mag: negLimit}
	// BP is BasisPoints as an Int.
	BP = New(BasisPoints)
)

// New returns x as an Int.
func New(x int64) Int {
	if x < 0 {
		var m uint256.Int
		// -(x+1)+1 avoids overflowing on math.MinInt64.
		m.SetUint64(uint64(-(x + 1)))
		m.AddUint64(&m, 1)
		return Int{neg: true, mag: m}
	}
	var m uint256.Int
	m.SetUint64(uint64(x))
	return Int{mag: m}
}

// FromUint64 returns x as an Int.
func FromUint64(x uint64) Int {
	var m uint256.Int
	m.SetUint64(x)
	return Int{mag: m}
}

// Pow10 returns 10^n. It fails with ErrOverflow once n exceeds 38.
func Pow10(n uint) (Int, error) {
	out := New(1)
	ten := New(10)
	var err error
	for i := uint(0); i < n; i++ {
		if out, err = out.Mul(ten); err != nil {
			return Zero, err
		}
	}
	return out, nil
}

func build(neg bool, mag uint256.Int) (Int, error) {
	if mag.IsZero() {
		return Zero, nil
	}
	if neg {
		if mag.Gt(&negLimit) {
			return Zero, ErrOverflow
		}
	} else if mag.Gt(&posLimit) {
		return Zero, ErrOverflow
	}
	return Int{neg: neg, mag: mag}, nil
}

// Parse reads a base-10 integer with an optional sign.
func Parse(s string) (Int, error) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return Zero, fmt.Errorf("%w: empty", ErrSyntax)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	var mag uint256.Int
	if err := mag.SetFromDecimal(s); err != nil {
		return Zero, ErrOverflow
	}
	return build(neg, mag)
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromBig converts b, failing if it does not fit.
func FromBig(b *big.Int) (Int, error) {
	if b == nil {
		return Zero, nil
	}
	abs := new(big.Int).Abs(b)
	mag, overflow := uint256.FromBig(abs)
	if overflow {
		return Zero, ErrOverflow
	}
	return build(b.Sign() < 0, *mag)
}

// Big returns x as a big.Int.
func (x Int) Big() *big.Int {
	b := x.mag.ToBig()
	if x.neg {
		b.Neg(b)
	}
	return b
}

// Int64 returns x and whether it fits into an int64.
func (x Int) Int64() (int64, bool) {
	b := x.Big()
	if !b.IsInt64() {
		return 0, false
	}
	return b.Int64(), true
}

func (x Int) String() string {
	if x.neg {
		return "-" + x.mag.Dec()
	}
	return x.mag.Dec()
}

// Sign returns -1, 0 or +1.
func (x Int) Sign() int {
	switch {
	case x.mag.IsZero():
		return 0
	case x.neg:
		return -1
	default:
		return 1
	}
}

func (x Int) IsZero() bool     { return x.mag.IsZero() }
func (x Int) IsNegative() bool { return x.neg && !x.mag.IsZero() }
func (x Int) IsPositive() bool { return !x.neg && !x.mag.IsZero() }

// Cmp compares x and y and returns -1, 0 or +1.
func (x Int) Cmp(y Int) int {
	xs, ys := x.Sign(), y.Sign()
	if xs != ys {
		if xs < ys {
			return -1
		}
		return 1
	}
	c := x.mag.Cmp(&y.mag)
	if xs < 0 {
		return -c
	}
	return c
}

func (x Int) Eq(y Int) bool  { return x.Cmp(y) == 0 }
func (x Int) Lt(y Int) bool  { return x.Cmp(y) < 0 }
func (x Int) Lte(y Int) bool { return x.Cmp(y) <= 0 }
func (x Int) Gt(y Int) bool  { return x.Cmp(y) > 0 }
func (x Int) Gte(y Int) bool { return x.Cmp(y) >= 0 }

// Neg returns -x. Negating Min overflows.
func (x Int) Neg() (Int, error) {
	return build(!x.neg, x.mag)
}

// Abs returns |x|.
func (x Int) Abs() (Int, error) {
	return build(false, x.mag)
}

func add(xneg bool, xm *uint256.Int, yneg bool, ym *uint256.Int) (Int, error) {
	var m uint256.Int
	if xneg == yneg {
		m.Add(xm, ym)
		return build(xneg, m)
	}
	if xm.Cmp(ym) >= 0 {
		m.Sub(xm, ym)
		return build(xneg, m)
	}
	m.Sub(ym, xm)
	return build(yneg, m)
}

// Add returns x+y.
func (x Int) Add(y Int) (Int, error) {
	return add(x.neg, &x.mag, y.neg, &y.mag)
}

// Sub returns x-y.
func (x Int) Sub(y Int) (Int, error) {
	return add(x.neg, &x.mag, !y.neg, &y.mag)
}

// Mul returns x*y. Magnitudes are below 2^128 so the 256-bit product is exact
// and only the final range check can fail.
func (x Int) Mul(y Int) (Int, error) {
	var m uint256.Int
	m.Mul(&x.mag, &y.mag)
	return build(x.neg != y.neg, m)
}

// Quo returns x/y truncated toward zero.
func (x Int) Quo(y Int) (Int, error) {
	if y.mag.IsZero() {
		return Zero, ErrDivisionByZero
	}
	var m uint256.Int
	m.Div(&x.mag, &y.mag)
	return build(x.neg != y.neg, m)
}

// SatSub returns max(x-y, 0) and reports whether the result was clamped.
func (x Int) SatSub(y Int) (Int, bool, error) {
	d, err := x.Sub(y)
	if err != nil {
		return Zero, false, err
	}
	if d.IsNegative() {
		return Zero, true, nil
	}
	return d, false, nil
}

// Min returns the smaller of x and y.
func (x Int) Min(y Int) Int {
	if x.Lte(y) {
		return x
	}
	return y
}

// Max returns the larger of x and y.
func (x Int) Max(y Int) Int {
	if x.Gte(y) {
		return x
	}
	return y
}

// Clamp bounds x to [lo, hi].
func (x Int) Clamp(lo, hi Int) Int {
	return x.Max(lo).Min(hi)
}

// Sqrt returns floor(sqrt(x)) computed with Newton's method. Non-positive
// inputs yield 0.
func Sqrt(x Int) Int {
	if x.Sign() <= 0 {
		return Zero
	}
	n := x.mag
	if n.IsUint64() && n.Uint64() == 1 {
		return New(1)
	}
	cur := n
	var next, q uint256.Int
	next.AddUint64(&cur, 1)
	next.Rsh(&next, 1)
	for next.Lt(&cur) {
		cur = next
		q.Div(&n, &cur)
		next.Add(&cur, &q)
		next.Rsh(&next, 1)
	}
	return Int{mag: cur}
}

// Decimal renders x as a decimal number with exp implied decimals.
func (x Int) Decimal(exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.Big(), -exp)
}

// FromDecimal scales d by 10^exp and truncates the fractional remainder.
func FromDecimal(d decimal.Decimal, exp int32) (Int, error) {
	return FromBig(d.Shift(exp).BigInt())
}

// MarshalText implements encoding.TextMarshaler.
func (x Int) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Int) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// UnmarshalJSON accepts both quoted and bare integers.
func (x *Int) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	return x.UnmarshalText([]byte(s))
}
