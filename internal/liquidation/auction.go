package liquidation

import (
	"time"

	"collateral-risk/internal/fixed"
)

// DutchAuction moves the liquidation discount linearly from StartDiscount to
// EndDiscount over Duration, starting at StartTime.
type DutchAuction struct {
	StartDiscount fixed.Int     `json:"start_discount"`
	EndDiscount   fixed.Int     `json:"end_discount"`
	Duration      time.Duration `json:"duration"`
	StartTime     time.Time     `json:"start_time"`
}

// Discount returns the discount in basis points at now. Progress is measured
// in whole seconds and quantized to basis points before interpolation.
func (a DutchAuction) Discount(now time.Time) (fixed.Int, error) {
	if now.Before(a.StartTime) {
		return a.StartDiscount, nil
	}
	elapsed := int64(now.Sub(a.StartTime) / time.Second)
	duration := int64(a.Duration / time.Second)
	if elapsed >= duration {
		return a.EndDiscount, nil
	}
	progress, err := fixed.FromInt64(elapsed).MulInt(fixed.BasisPoints).QuoInt(duration).Result()
	if err != nil {
		return fixed.Zero, err
	}
	span, err := a.EndDiscount.Sub(a.StartDiscount)
	if err != nil {
		return fixed.Zero, err
	}
	step, err := fixed.ApplyBP(span, progress)
	if err != nil {
		return fixed.Zero, err
	}
	return a.StartDiscount.Add(step)
}

// Ended reports whether the discount has reached its final value.
func (a DutchAuction) Ended(now time.Time) bool {
	return !now.Before(a.StartTime.Add(a.Duration))
}
