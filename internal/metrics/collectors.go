// Package metrics holds the Prometheus collectors and the latency/slippage
// sample buffers that feed anomaly detection.
//
// Exposed series:
//   - guard_blocks_total{guard}            – guard pipeline blocks
//   - fsm_transitions_total{from,to}       – order state machine transitions
//   - anomalies_total{type}                – latency/slippage samples over threshold
//   - reconciliation_actions_total{action} – corrective reconciliation actions
//   - risk_level                           – current escalation level (0..3)
//   - submit_latency_seconds               – submit to ack latency
//   - fill_slippage_bps                    – adverse slippage between signal and fill
//
// The core only registers and updates them; serving the scrape endpoint is left to main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the collectors on a private registry.
// All methods are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	Registry *prometheus.Registry

	guardBlocks     *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	riskLevel       prometheus.Gauge
	submitLatency   prometheus.Histogram
	slippage        prometheus.Histogram
}

// NewCollectors creates and registers the collectors on a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		guardBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "guard_blocks_total", Help: "Signals blocked by guard"},
			[]string{"guard"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fsm_transitions_total", Help: "Order state machine transitions"},
			[]string{"from", "to"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "anomalies_total", Help: "Latency/slippage samples over threshold"},
			[]string{"type"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "reconciliation_actions_total", Help: "Corrective reconciliation actions"},
			[]string{"action"},
		),
		riskLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "risk_level", Help: "Risk escalation level (0=NORMAL..3=EMERGENCY)"},
		),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "submit_latency_seconds",
			Help:    "Latency from order submit to exchange ack",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fill_slippage_bps",
			Help:    "Adverse slippage between signal price and fill price in basis points",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		}),
	}
	c.Registry.MustRegister(
		c.guardBlocks, c.transitions, c.anomalies, c.reconciliations,
		c.riskLevel, c.submitLatency, c.slippage,
	)
	return c
}

// GuardBlocked counts a veto by guard. All recorders are no-ops on a nil receiver.
func (c *Collectors) GuardBlocked(guard string) {
	if c == nil {
		return
	}
	c.guardBlocks.WithLabelValues(guard).Inc()
}

// Transition counts one lifecycle transition.
func (c *Collectors) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// Anomaly counts a flagged latency or slippage sample.
func (c *Collectors) Anomaly(kind AnomalyKind) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(string(kind)).Inc()
}

// ReconciliationAction counts one corrective action.
func (c *Collectors) ReconciliationAction(action string) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(action).Inc()
}

// SetRiskLevel exports the current escalation level.
func (c *Collectors) SetRiskLevel(level int) {
	if c == nil {
		return
	}
	c.riskLevel.Set(float64(level))
}

// ObserveSubmitLatency records a submit-to-ack latency.
func (c *Collectors) ObserveSubmitLatency(seconds float64) {
	if c == nil {
		return
	}
	c.submitLatency.Observe(seconds)
}

// ObserveSlippage records entry slippage in bps.
func (c *Collectors) ObserveSlippage(bps float64) {
	if c == nil {
		return
	}
	c.slippage.Observe(bps)
}
