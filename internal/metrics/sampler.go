package metrics

import (
	"context"
	"sync"
	"time"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/telemetry"
)

// AnomalyKind names the sample stream that breached its threshold.
type AnomalyKind string

const (
	AnomalyLatency  AnomalyKind = "latency"
	AnomalySlippage AnomalyKind = "slippage"
)

// AnomalyObserver is notified of every anomalous sample.
type AnomalyObserver interface {
	RecordAnomaly(ctx context.Context, kind AnomalyKind, at time.Time)
}

// SamplerConfig configures buffer size and anomaly thresholds.
type SamplerConfig struct {
	Size                 int
	LatencyThreshold     time.Duration
	SlippageThresholdBps float64
}

// Sampler keeps latency and slippage samples and flags anomalies.
type Sampler struct {
	cfg        SamplerConfig
	latency    *Ring // seconds
	slippage   *Ring // adverse bps
	emitter    *telemetry.Emitter
	collectors *Collectors

	mu        sync.RWMutex
	observers []AnomalyObserver
}

// NewSampler creates a sampler. emitter and collectors may be nil.
func NewSampler(cfg SamplerConfig, emitter *telemetry.Emitter, collectors *Collectors) *Sampler {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	return &Sampler{
		cfg:        cfg,
		latency:    NewRing(cfg.Size),
		slippage:   NewRing(cfg.Size),
		emitter:    emitter,
		collectors: collectors,
	}
}

// AddObserver registers o for anomaly notifications.
func (s *Sampler) AddObserver(o AnomalyObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// RecordLatency stores a submit-to-ack latency and reports whether it was anomalous.
func (s *Sampler) RecordLatency(ctx context.Context, symbol, tradeID string, d time.Duration, at time.Time) bool {
	s.latency.Add(Sample{Value: d.Seconds(), At: at})
	s.collectors.ObserveSubmitLatency(d.Seconds())
	if s.cfg.LatencyThreshold <= 0 || d <= s.cfg.LatencyThreshold {
		return false
	}
	s.flag(ctx, AnomalyLatency, telemetry.AnomalyLatency, symbol, tradeID, at, map[string]interface{}{
		"latency_ms":   d.Milliseconds(),
		"threshold_ms": s.cfg.LatencyThreshold.Milliseconds(),
	})
	return true
}

// RecordSlippage stores the adverse slippage between expected and actual fill
// prices and reports whether it was anomalous. Favorable fills record as negative.
func (s *Sampler) RecordSlippage(ctx context.Context, symbol, tradeID string, side domain.OrderSide, expected, actual float64, at time.Time) bool {
	if expected <= 0 || actual <= 0 {
		return false
	}
	bps := SlippageBps(side, expected, actual)
	s.slippage.Add(Sample{Value: bps, At: at})
	s.collectors.ObserveSlippage(bps)
	if s.cfg.SlippageThresholdBps <= 0 || bps <= s.cfg.SlippageThresholdBps {
		return false
	}
	s.flag(ctx, AnomalySlippage, telemetry.AnomalySlippage, symbol, tradeID, at, map[string]interface{}{
		"slippage_bps":  bps,
		"threshold_bps": s.cfg.SlippageThresholdBps,
		"expected":      expected,
		"actual":        actual,
	})
	return true
}

// SlippageBps is the adverse price difference in basis points for side.
func SlippageBps(side domain.OrderSide, expected, actual float64) float64 {
	return (actual - expected) / expected * 10000 * side.Sign()
}

func (s *Sampler) flag(ctx context.Context, kind AnomalyKind, event, symbol, tradeID string, at time.Time, payload map[string]interface{}) {
	s.collectors.Anomaly(kind)
	s.emitter.Emit(ctx, telemetry.Event{
		Time:     at,
		Name:     event,
		Symbol:   symbol,
		TradeID:  tradeID,
		Severity: domain.SeverityWarning,
		Payload:  payload,
	})
	s.mu.RLock()
	observers := make([]AnomalyObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	for _, o := range observers {
		o.RecordAnomaly(ctx, kind, at)
	}
}

// LatencyStats summarizes latency samples in seconds.
func (s *Sampler) LatencyStats() Stats { return s.latency.Stats() }

// SlippageStats summarizes slippage samples in bps.
func (s *Sampler) SlippageStats() Stats { return s.slippage.Stats() }

// EstimatedSlippageBps is the mean recent adverse slippage, floored at zero.
func (s *Sampler) EstimatedSlippageBps() float64 {
	st := s.slippage.Stats()
	if st.Mean < 0 {
		return 0
	}
	return st.Mean
}

// Trim drops samples older than maxAge.
func (s *Sampler) Trim(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	return s.latency.Trim(cutoff) + s.slippage.Trim(cutoff)
}
