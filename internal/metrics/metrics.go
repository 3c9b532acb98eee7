// Package metrics exposes Prometheus collectors for the keeper and the API.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/health"
	"collateral-risk/internal/riskerr"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	price         *prometheus.GaugeVec
	volatility    *prometheus.GaugeVec
	statuses      *prometheus.GaugeVec
	healthFactor  prometheus.Histogram
	liquidations  *prometheus.CounterVec
	stopLosses    *prometheus.CounterVec
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	errors        *prometheus.CounterVec
	droppedEvents prometheus.Counter
}

var (
	once     sync.Once
	registry *Metrics
)

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "riskengine",
			Subsystem: "oracle",
			Name:      "price_usd",
			Help:      "Latest accepted price per asset in USD.",
		}, []string{"asset"}),
		volatility: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "riskengine",
			Subsystem: "oracle",
			Name:      "volatility_bp",
			Help:      "Annualized volatility per asset and window in basis points.",
		}, []string{"asset", "window"}),
		statuses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "riskengine",
			Subsystem: "positions",
			Name:      "by_status",
			Help:      "Positions per health status at the last evaluation.",
		}, []string{"status"}),
		healthFactor: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "riskengine",
			Subsystem: "positions",
			Name:      "health_factor_bp",
			Help:      "Distribution of finite health factors in basis points.",
			Buckets:   []float64{9000, 9500, 10000, 10200, 10500, 11000, 12500, 15000, 20000, 30000},
		}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskengine",
			Subsystem: "liquidation",
			Name:      "executed_total",
			Help:      "Liquidations sized by the engine, split into partial, capped and full.",
		}, []string{"kind"}),
		stopLosses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskengine",
			Subsystem: "stop_loss",
			Name:      "triggers_total",
			Help:      "Stop-loss evaluations segmented by outcome.",
		}, []string{"outcome"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskengine",
			Subsystem: "keeper",
			Name:      "ticks_total",
			Help:      "Keeper ticks segmented by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "riskengine",
			Subsystem: "keeper",
			Name:      "tick_duration_seconds",
			Help:      "Latency distribution of keeper ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "errors_total",
			Help:      "Failed engine operations by operation and error code.",
		}, []string{"op", "code"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riskengine",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the publish buffer was full.",
		}),
	}
	reg.MustRegister(
		m.price, m.volatility, m.statuses, m.healthFactor, m.liquidations,
		m.stopLosses, m.ticks, m.tickDuration, m.errors, m.droppedEvents,
	)
	return m
}

// Default returns the process-wide collectors registered with the default
// Prometheus registry.
func Default() *Metrics {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

func toFloat(x fixed.Int, decimals int32) float64 {
	return x.Decimal(decimals).InexactFloat64()
}

// ObservePrice records a USD price carrying fixed.USDDecimals decimals.
func (m *Metrics) ObservePrice(asset string, price fixed.Int) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(asset).Set(toFloat(price, fixed.USDDecimals))
}

// ObserveVolatility records a window reading; ready=false clears it.
func (m *Metrics) ObserveVolatility(asset, window string, bp fixed.Int, ready bool) {
	if m == nil {
		return
	}
	if !ready {
		m.volatility.DeleteLabelValues(asset, window)
		return
	}
	m.volatility.WithLabelValues(asset, window).Set(toFloat(bp, 0))
}

// ObserveStatuses replaces the per-status position counts.
func (m *Metrics) ObserveStatuses(counts map[health.Status]int) {
	if m == nil {
		return
	}
	for _, s := range []health.Status{health.Healthy, health.Warning, health.Critical, health.Liquidatable} {
		m.statuses.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// ObserveHealth adds a finite factor to the distribution.
func (m *Metrics) ObserveHealth(f health.Factor) {
	if m == nil || f.Infinite() {
		return
	}
	m.healthFactor.Observe(toFloat(f.Value, 0))
}

// Liquidation counts one sized liquidation.
func (m *Metrics) Liquidation(full, capped bool) {
	if m == nil {
		return
	}
	kind := "partial"
	switch {
	case full:
		kind = "full"
	case capped:
		kind = "capped"
	}
	m.liquidations.WithLabelValues(kind).Inc()
}

// StopLoss counts a stop-loss evaluation outcome.
func (m *Metrics) StopLoss(outcome string) {
	if m == nil {
		return
	}
	m.stopLosses.WithLabelValues(outcome).Inc()
}

// Tick records one keeper tick.
func (m *Metrics) Tick(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(took.Seconds())
}

// Error counts a failed operation under its riskerr code.
func (m *Metrics) Error(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(op, riskerr.Code(err)).Inc()
}

// EventsDropped adds n to the dropped event counter.
func (m *Metrics) EventsDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.droppedEvents.Add(float64(n))
}
