package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/telemetry"
)

type observerFunc func(ctx context.Context, kind AnomalyKind, at time.Time)

func (f observerFunc) RecordAnomaly(ctx context.Context, kind AnomalyKind, at time.Time) {
	f(ctx, kind, at)
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing(3)
	base := time.Unix(0, 0)
	for i := 1; i <= 5; i++ {
		r.Add(Sample{Value: float64(i), At: base.Add(time.Duration(i) * time.Second)})
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{snap[0].Value, snap[1].Value, snap[2].Value})

	st := r.Stats()
	assert.Equal(t, 3, st.Count)
	assert.InDelta(t, 4.0, st.Mean, 1e-9)
	assert.Equal(t, 5.0, st.Max)
	assert.Equal(t, 5.0, st.P95)
}

func TestRing_Trim(t *testing.T) {
	r := NewRing(4)
	base := time.Unix(100, 0)
	for i := 0; i < 6; i++ {
		r.Add(Sample{Value: float64(i), At: base.Add(time.Duration(i) * time.Minute)})
	}
	removed := r.Trim(base.Add(4 * time.Minute))
	assert.Equal(t, 2, removed)
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 4.0, snap[0].Value)
	assert.Equal(t, 5.0, snap[1].Value)

	r.Add(Sample{Value: 6, At: base.Add(6 * time.Minute)})
	assert.Equal(t, 3, r.Len())
}

func TestSampler_FlagsAnomalies(t *testing.T) {
	emitter := telemetry.NewEmitter(nil)
	rec := (&telemetry.Recorder{}).Attach(emitter)
	col := NewCollectors()
	s := NewSampler(SamplerConfig{Size: 8, LatencyThreshold: 500 * time.Millisecond, SlippageThresholdBps: 20}, emitter, col)

	var seen []AnomalyKind
	s.AddObserver(observerFunc(func(ctx context.Context, kind AnomalyKind, at time.Time) {
		seen = append(seen, kind)
	}))

	now := time.Now()
	assert.False(t, s.RecordLatency(context.Background(), "BTCUSDT", "t1", 100*time.Millisecond, now))
	assert.True(t, s.RecordLatency(context.Background(), "BTCUSDT", "t1", 900*time.Millisecond, now))
	// BUY filled 0.5% above signal: 50 bps adverse.
	assert.True(t, s.RecordSlippage(context.Background(), "BTCUSDT", "t1", domain.Buy, 100, 100.5, now))
	// SELL filled above signal is favorable.
	assert.False(t, s.RecordSlippage(context.Background(), "BTCUSDT", "t1", domain.Sell, 100, 100.5, now))

	assert.Equal(t, []AnomalyKind{AnomalyLatency, AnomalySlippage}, seen)
	assert.Equal(t, 1, rec.Count(telemetry.AnomalyLatency))
	assert.Equal(t, 1, rec.Count(telemetry.AnomalySlippage))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.anomalies.WithLabelValues("latency")))
	assert.Equal(t, 2, s.LatencyStats().Count)
	assert.InDelta(t, 0.0, s.EstimatedSlippageBps(), 1e-9) // mean of +50 and -50
}

func TestSlippageBps(t *testing.T) {
	assert.InDelta(t, 10.0, SlippageBps(domain.Buy, 1000, 1001), 1e-9)
	assert.InDelta(t, -10.0, SlippageBps(domain.Sell, 1000, 1001), 1e-9)
}
