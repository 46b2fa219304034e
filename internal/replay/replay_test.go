package replay

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/guard"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/reconcile"
	"orderLifecycleBot/internal/retry"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/trailing"
)

// Mock implementations
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

const symbol = "BTCUSDT"

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	pol := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	return &config.Config{
		Market:        domain.MarketFutures,
		Symbols:       []string{symbol},
		Leverage:      10,
		QuoteAsset:    "USDT",
		KlineInterval: "1m",
		ATRPeriod:     3,
		PaperBalance:  10000,
		Retry:         pol,
		Sizing: risk.SizingConfig{
			Market: domain.MarketFutures, RiskPercent: 1, ATRMultiplier: 2, FallbackStopPercent: 1, RewardRiskRatio: 2, Leverage: 10,
		},
		Guard:          guard.Config{MaxOpenPositions: 1},
		SubmitDedupTTL: time.Minute,
		PriceBucketBps: 10,
		Risk:           risk.RiskConfig{MaxConsecutiveLosses: 3, RecoveryWins: 2},
		Trailing:       trailing.Config{Levels: []trailing.Level{{R: 1, Fraction: 0.5}}},
		Reconcile:      reconcile.Config{Interval: time.Hour, Budget: 5 * time.Second, RatePerSecond: 100, Retry: pol},
		Sampler:        metrics.SamplerConfig{Size: 16, LatencyThreshold: time.Second, SlippageThresholdBps: 50},
	}
}

func bar(i int, open, high, low, close float64) *domain.Kline {
	start := base.Add(time.Duration(i) * time.Minute)
	return &domain.Kline{
		Symbol: symbol, Interval: "1m", OpenTime: start, CloseTime: start.Add(time.Minute - time.Millisecond),
		Open: open, High: high, Low: low, Close: close, Volume: 10, IsFinal: true,
	}
}

// stopOutBars opens on bar 1 and falls through the stop on bar 2.
func stopOutBars() []*domain.Kline {
	return []*domain.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(1, 100, 100.4, 99.8, 100.2),
		bar(2, 100.2, 100.3, 97, 97.5),
		bar(3, 97.5, 98, 97, 97.8),
	}
}

func entrySignal(at time.Time) domain.Signal {
	return domain.Signal{Symbol: symbol, Side: domain.Buy, ATR: 1, Time: at}
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(testConfig(), &mockLogger{})
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	_, err := New(nil, &mockLogger{})
	assert.Error(t, err)
	_, err = New(testConfig(), nil)
	assert.Error(t, err)

	r := newRunner(t)
	assert.Equal(t, "paper", r.cfg.Exchange)
	assert.Equal(t, "memory", r.cfg.Store)
	assert.NotNil(t, r.Exchange())
}

func TestRunner_StopOut(t *testing.T) {
	r := newRunner(t)
	bars := stopOutBars()

	res, err := r.Run(context.Background(), bars, []domain.Signal{entrySignal(bars[1].CloseTime)})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Bars)
	assert.Equal(t, 1, res.Signals)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, domain.StateClosed, tr.State)
	assert.Equal(t, domain.CloseReasonStopLoss, tr.CloseReason)
	assert.InDelta(t, 100.2, tr.Entry, 0.02)
	assert.InDelta(t, 97.0, tr.Exit, 1e-9)
	assert.Less(t, tr.PnL, 0.0)
	assert.Len(t, tr.Digest, 64)
	// Stamped with candle time, not wall time.
	assert.False(t, tr.OpenedAt.Before(bars[1].OpenTime))
	assert.False(t, tr.ClosedAt.Before(bars[2].OpenTime))
	assert.False(t, tr.ClosedAt.After(bars[2].CloseTime))

	assert.Equal(t, 1, res.Summary.TotalTrades)
	assert.Equal(t, 1, res.Summary.LosingTrades)
	assert.Equal(t, 0, res.Summary.OpenTrades)
	assert.InDelta(t, 10000+tr.PnL, res.Summary.FinalBalance, 1e-9)
}

func TestRunner_DailyLossAccumulates(t *testing.T) {
	cfg := testConfig()
	cfg.Risk = risk.RiskConfig{MaxDailyLossPct: 5}
	r, err := New(cfg, &mockLogger{})
	require.NoError(t, err)

	bars := append(stopOutBars(),
		bar(4, 97.8, 98, 97.5, 97.8),
		bar(5, 97.8, 97.9, 95, 95.5),
		bar(6, 95.5, 95.8, 95.2, 95.6),
	)
	signals := []domain.Signal{entrySignal(bars[1].CloseTime), entrySignal(bars[4].CloseTime)}

	res, err := r.Run(context.Background(), bars, signals)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	var total float64
	for _, tr := range res.Trades {
		assert.Equal(t, domain.CloseReasonStopLoss, tr.CloseReason)
		total += tr.PnL
	}
	require.Less(t, total, 0.0)

	snap := r.c.Risk.State().Snapshot()
	assert.InDelta(t, total, snap.DailyPnL, 1e-6, "both losses count toward the same day")
	assert.InDelta(t, -total/cfg.PaperBalance*100, snap.DailyLossPct, 0.05)
	assert.Equal(t, domain.RiskWarning, res.RiskLevel)
	assert.Contains(t, snap.Reasons, "daily_loss_warning")
}

func TestRunner_Deterministic(t *testing.T) {
	bars := stopOutBars()
	signals := []domain.Signal{entrySignal(bars[1].CloseTime)}

	first, err := newRunner(t).Run(context.Background(), bars, signals)
	require.NoError(t, err)
	second, err := newRunner(t).Run(context.Background(), bars, signals)
	require.NoError(t, err)

	require.Len(t, first.Trades, 1)
	require.Len(t, second.Trades, 1)
	assert.Equal(t, first.Trades[0].Digest, second.Trades[0].Digest)
	assert.Equal(t, first.Trades[0].PnL, second.Trades[0].PnL)
}

func TestRunner_GuardsApply(t *testing.T) {
	r := newRunner(t)
	bars := []*domain.Kline{
		bar(0, 100, 100.5, 99.5, 100),
		bar(1, 100, 100.4, 99.8, 100.2),
		bar(2, 100.2, 100.6, 100.1, 100.5),
	}
	signals := []domain.Signal{
		entrySignal(bars[1].CloseTime),
		entrySignal(bars[2].CloseTime.Add(-time.Second)),
		// After the last bar: never submitted.
		entrySignal(bars[2].CloseTime.Add(time.Hour)),
	}

	res, err := r.Run(context.Background(), bars, signals)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Blocked[guard.NameMaxOpen])
	require.Len(t, res.Trades, 1)
	assert.False(t, res.Trades[0].State.Terminal())
	assert.Equal(t, 1, res.Summary.OpenTrades)
	assert.Zero(t, res.Summary.TotalTrades)
}

func TestRunner_ContextCancelled(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, stopOutBars(), nil)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }
	trades := []TradeResult{
		{State: domain.StateClosed, PnL: 200, ClosedAt: at(1)},
		{State: domain.StateClosed, PnL: -100, ClosedAt: at(2)},
		{State: domain.StateClosed, PnL: -100, ClosedAt: at(3)},
		{State: domain.StateClosed, PnL: 300, ClosedAt: at(4)},
		{State: domain.StateCancelled},
		{State: domain.StateOpen},
	}

	s := Summarize(trades, 1000)
	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 2, s.LosingTrades)
	assert.Equal(t, 1, s.OpenTrades)
	assert.Equal(t, 0.5, s.WinRate)
	assert.Equal(t, 300.0, s.TotalProfit)
	assert.Equal(t, 250.0, s.AverageWin)
	assert.Equal(t, -100.0, s.AverageLoss)
	assert.Equal(t, 2.5, s.ProfitFactor)
	assert.Equal(t, 2, s.MaxConsecutiveLosses)
	assert.InDelta(t, 200.0/1200.0, s.MaxDrawdown, 1e-12)
	assert.Equal(t, 1300.0, s.FinalBalance)

	assert.Equal(t, Summary{FinalBalance: 1000}, Summarize(nil, 1000))
	assert.True(t, math.IsInf(Summarize(trades[:1], 1000).ProfitFactor, 1))
}

func TestKlinesCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKlines(&buf, stopOutBars()[:2]))

	got, err := ReadKlines(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, symbol, got[1].Symbol)
	assert.Equal(t, 100.2, got[1].Close)
	assert.True(t, got[1].IsFinal)
	// RFC3339 keeps whole seconds.
	assert.Equal(t, base.Add(time.Minute), got[1].OpenTime)

	tests := []struct {
		name string
		csv  string
	}{
		{"bad number", "h,h,h,h,h,h,h,h,h\n1709251200000,1709251259999,BTCUSDT,1m,x,1,1,1,1\n"},
		{"high below low", "h,h,h,h,h,h,h,h,h\n1709251200000,1709251259999,BTCUSDT,1m,1,1,2,1,1\n"},
		{"close before open", "h,h,h,h,h,h,h,h,h\n1709251259999,1709251200000,BTCUSDT,1m,1,2,1,1,1\n"},
		{"short row", "h,h,h,h,h,h,h,h,h\n1709251200000,BTCUSDT\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadKlines(strings.NewReader(tt.csv))
			assert.Error(t, err)
		})
	}
}

func TestReadSignals(t *testing.T) {
	in := "time,symbol,side,edge_bps,atr\n" +
		"# comment rows are skipped\n" +
		"2024-03-01T00:01:00Z,btcusdt,buy\n" +
		"1709251320000,ETHUSDT,SELL,25,3.5\n"

	got, err := ReadSignals(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, symbol, got[0].Symbol)
	assert.Equal(t, domain.Buy, got[0].Side)
	assert.Equal(t, base.Add(time.Minute), got[0].Time)
	assert.Equal(t, domain.Sell, got[1].Side)
	assert.Equal(t, 25.0, got[1].ExpectedEdgeBps)
	assert.Equal(t, 3.5, got[1].ATR)
	assert.Equal(t, base.Add(2*time.Minute), got[1].Time)

	_, err = ReadSignals(strings.NewReader("h\n2024-03-01T00:01:00Z,BTCUSDT,LONG\n"))
	assert.Error(t, err)
}
