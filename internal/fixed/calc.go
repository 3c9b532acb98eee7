package fixed

// Calc chains checked operations and keeps the first error, so a formula such
// as a*b/c reads left to right while every intermediate stays range checked.
//
//	v, err := fixed.From(c).Mul(ltv).QuoInt(fixed.BasisPoints).Result()
type Calc struct {
	v   Int
	err error
}

// From starts a chain at x.
func From(x Int) *Calc { return &Calc{v: x} }

// FromInt64 starts a chain at x.
func FromInt64(x int64) *Calc { return &Calc{v: New(x)} }

func (c *Calc) apply(op func(Int, Int) (Int, error), y Int) *Calc {
	if c.err != nil {
		return c
	}
	c.v, c.err = op(c.v, y)
	return c
}

func (c *Calc) Add(y Int) *Calc { return c.apply(Int.Add, y) }
func (c *Calc) Sub(y Int) *Calc { return c.apply(Int.Sub, y) }
func (c *Calc) Mul(y Int) *Calc { return c.apply(Int.Mul, y) }
func (c *Calc) Quo(y Int) *Calc { return c.apply(Int.Quo, y) }

func (c *Calc) AddInt(y int64) *Calc { return c.Add(New(y)) }
func (c *Calc) MulInt(y int64) *Calc { return c.Mul(New(y)) }
func (c *Calc) QuoInt(y int64) *Calc { return c.Quo(New(y)) }

// Err returns the first error met by the chain.
func (c *Calc) Err() error { return c.err }

// Result returns the value and the first error met by the chain.
func (c *Calc) Result() (Int, error) {
	if c.err != nil {
		return Zero, c.err
	}
	return c.v, nil
}

// MulDiv returns a*b/c with the product range checked.
func MulDiv(a, b, c Int) (Int, error) {
	return From(a).Mul(b).Quo(c).Result()
}

// ApplyBP returns x*bp/10000.
func ApplyBP(x, bp Int) (Int, error) {
	return From(x).Mul(bp).QuoInt(BasisPoints).Result()
}
