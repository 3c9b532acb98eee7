package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	price, err := fixed.FromInt64(125).Mul(fixed.MustParse("1000000000000")).Result() // 1.25 USD
	require.NoError(t, err)
	m.ObservePrice("XLM", price)
	require.InDelta(t, 1.25, testutil.ToFloat64(m.price.WithLabelValues("XLM")), 1e-9)

	m.ObserveVolatility("XLM", "7d", fixed.New(4200), true)
	require.Equal(t, 4200.0, testutil.ToFloat64(m.volatility.WithLabelValues("XLM", "7d")))
	m.ObserveVolatility("XLM", "7d", fixed.Zero, false)
	require.Equal(t, 0, testutil.CollectAndCount(m.volatility))

	m.ObserveStatuses(map[health.Status]int{health.Healthy: 3, health.Liquidatable: 1})
	require.Equal(t, 3.0, testutil.ToFloat64(m.statuses.WithLabelValues("healthy")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.statuses.WithLabelValues("warning")))

	m.Liquidation(false, true)
	m.Liquidation(true, true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("capped")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("full")))

	m.Error("borrow", fmt.Errorf("wrap: %w", riskerr.ErrPolicyViolation))
	m.Error("borrow", errors.New("boom"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("borrow", "policy_violation")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("borrow", "internal")))

	m.Tick("ok", 20*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("ok")))

	m.EventsDropped(4)
	require.Equal(t, 4.0, testutil.ToFloat64(m.droppedEvents))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObservePrice("XLM", fixed.New(1))
	m.Liquidation(true, false)
	m.Error("x", errors.New("y"))
	m.ObserveHealth(health.Factor{Value: fixed.New(9000)})
}
