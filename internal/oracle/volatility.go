package oracle

import (
	"fmt"
	"time"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

const (
	// HistoryCapacity bounds the number of retained samples per asset.
	HistoryCapacity = 30
	// ShortWindow and LongWindow are the sample counts behind the 7-day and
	// 30-day readings.
	ShortWindow = 7
	LongWindow  = 30
	// AnnualizationFactor approximates sqrt(365).
	AnnualizationFactor = 19
)

// PriceHistory is a bounded FIFO of prices in insertion order.
type PriceHistory struct {
	prices []fixed.Int
}

// NewPriceHistory builds a history from prices, keeping only the newest
// HistoryCapacity entries.
func NewPriceHistory(prices []fixed.Int) PriceHistory {
	var h PriceHistory
	for _, p := range prices {
		h.Push(p)
	}
	return h
}

// Push appends p and evicts the oldest sample beyond capacity.
func (h *PriceHistory) Push(p fixed.Int) {
	h.prices = append(h.prices, p)
	if over := len(h.prices) - HistoryCapacity; over > 0 {
		h.prices = append([]fixed.Int(nil), h.prices[over:]...)
	}
}

func (h PriceHistory) Len() int { return len(h.prices) }

// Prices returns a copy of the samples, oldest first.
func (h PriceHistory) Prices() []fixed.Int {
	return append([]fixed.Int(nil), h.prices...)
}

// Volatility returns the annualized volatility in basis points over the last
// period samples. Fewer than two samples, or no usable return, yields zero.
func Volatility(prices []fixed.Int, period int) (fixed.Int, error) {
	if len(prices) < 2 || period < 2 {
		return fixed.Zero, nil
	}
	n := period
	if len(prices) < n {
		n = len(prices)
	}
	window := prices[len(prices)-n:]

	returns := make([]fixed.Int, 0, n-1)
	for i := 1; i < len(window); i++ {
		prev, curr := window[i-1], window[i]
		if prev.Sign() <= 0 {
			continue
		}
		r, err := fixed.From(curr).Sub(prev).MulInt(fixed.BasisPoints).Quo(prev).Result()
		if err != nil {
			return fixed.Zero, fmt.Errorf("period return: %w", err)
		}
		returns = append(returns, r)
	}
	if len(returns) == 0 {
		return fixed.Zero, nil
	}
	count := fixed.New(int64(len(returns)))

	sum := fixed.From(fixed.Zero)
	for _, r := range returns {
		sum.Add(r)
	}
	mean, err := sum.Quo(count).Result()
	if err != nil {
		return fixed.Zero, fmt.Errorf("mean return: %w", err)
	}

	sq := fixed.From(fixed.Zero)
	for _, r := range returns {
		diff, err := r.Sub(mean)
		if err != nil {
			return fixed.Zero, err
		}
		d2, err := diff.Mul(diff)
		if err != nil {
			return fixed.Zero, err
		}
		sq.Add(d2)
	}
	variance, err := sq.Quo(count).Result()
	if err != nil {
		return fixed.Zero, fmt.Errorf("variance: %w", err)
	}

	return fixed.Sqrt(variance).Mul(fixed.New(AnnualizationFactor))
}

// VolatilityMetrics is the per-asset volatility record. A window reading is
// only meaningful once its sample count has been reached; until then the
// matching accessor reports riskerr.ErrInsufficientHistory rather than zero.
type VolatilityMetrics struct {
	Asset          string
	SevenDay       fixed.Int
	ThirtyDay      fixed.Int
	SevenDayReady  bool
	ThirtyDayReady bool
	LastUpdated    time.Time
	History        PriceHistory
}

// Record appends a sample and recomputes every window that has enough data.
func (m *VolatilityMetrics) Record(price fixed.Int, at time.Time) error {
	m.History.Push(price)
	m.LastUpdated = at
	prices := m.History.prices
	if len(prices) >= ShortWindow {
		v, err := Volatility(prices, ShortWindow)
		if err != nil {
			return err
		}
		m.SevenDay, m.SevenDayReady = v, true
	}
	if len(prices) >= LongWindow {
		v, err := Volatility(prices, LongWindow)
		if err != nil {
			return err
		}
		m.ThirtyDay, m.ThirtyDayReady = v, true
	}
	return nil
}

// Short returns the 7-day reading.
func (m VolatilityMetrics) Short() (fixed.Int, error) {
	if !m.SevenDayReady {
		return fixed.Zero, fmt.Errorf("%s 7d volatility needs %d samples, have %d: %w",
			m.Asset, ShortWindow, m.History.Len(), riskerr.ErrInsufficientHistory)
	}
	return m.SevenDay, nil
}

// Long returns the 30-day reading.
func (m VolatilityMetrics) Long() (fixed.Int, error) {
	if !m.ThirtyDayReady {
		return fixed.Zero, fmt.Errorf("%s 30d volatility needs %d samples, have %d: %w",
			m.Asset, LongWindow, m.History.Len(), riskerr.ErrInsufficientHistory)
	}
	return m.ThirtyDay, nil
}

// Best returns the 30-day reading, falling back to the 7-day reading while the
// longer window fills.
func (m VolatilityMetrics) Best() (fixed.Int, error) {
	if m.ThirtyDayReady {
		return m.ThirtyDay, nil
	}
	return m.Short()
}

// Clone returns a deep copy.
func (m VolatilityMetrics) Clone() VolatilityMetrics {
	m.History = PriceHistory{prices: m.History.Prices()}
	return m
}
