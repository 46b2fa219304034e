package guard

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/telemetry"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxDailyLossPct:          5,
		MaxConsecutiveLosses:     3,
		OutlierATRMultiple:       4,
		MinBarVolume:             10,
		MaxOpenPositions:         3,
		CorrelationThreshold:     0.7,
		MaxCorrelatedExposurePct: 50,
		MaxSpreadBps:             5,
		MaxSlippageBps:           10,
		FeeBps:                   4,
		EdgeCostMultiple:         2,
	}
}

func goodContext() *Context {
	return &Context{
		Signal: domain.Signal{
			Symbol:          "BTCUSDT",
			Side:            domain.Buy,
			Price:           50000,
			ATR:             100,
			ExpectedEdgeBps: 50,
			Correlations:    map[string]float64{"ETHUSDT": 0.85, "XRPUSDT": 0.2},
			Bar: &domain.Kline{
				Symbol: "BTCUSDT", High: 50100, Low: 49900, Close: 50000, Volume: 100,
				CloseTime: testNow.Add(-time.Second), IsFinal: true,
			},
		},
		Ticker: &domain.Ticker{Symbol: "BTCUSDT", Bid: 49999, Ask: 50001},
		Now:    testNow,
	}
}

func goodState() *GlobalState {
	return &GlobalState{
		Risk:                 risk.NewRiskState(testNow).Snapshot(),
		Balance:              10000,
		EstimatedSlippageBps: 1,
	}
}

func newTestPipeline() (*Pipeline, *memstore.Store, *telemetry.Recorder, *metrics.Collectors) {
	store := memstore.New()
	logger := &mockLogger{}
	emitter := telemetry.NewEmitter(logger)
	rec := (&telemetry.Recorder{}).Attach(emitter)
	collectors := metrics.NewCollectors()
	return NewPipeline(Default(testConfig()), store, logger, emitter, collectors), store, rec, collectors
}

func TestPipeline_Order(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	assert.Equal(t, []string{
		NameHalt, NameLossLimits, NameOutlierBar, NameLookahead, NameMinVolume,
		NameMaxOpen, NameCorrelation, NameSpread, NameCostOfEdge,
	}, p.Names())
}

func TestPipeline_Blocks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Context, g *GlobalState)
		guard  string
	}{
		{name: "pass", mutate: func(c *Context, g *GlobalState) {}},
		{name: "halt", mutate: func(c *Context, g *GlobalState) { g.Risk.Halted = true }, guard: NameHalt},
		{name: "daily loss", mutate: func(c *Context, g *GlobalState) { g.Risk.DailyLossPct = 5.5 }, guard: NameLossLimits},
		{name: "consecutive losses", mutate: func(c *Context, g *GlobalState) { g.Risk.ConsecutiveLosses = 3 }, guard: NameLossLimits},
		{name: "outlier bar", mutate: func(c *Context, g *GlobalState) { c.Signal.Bar.High = 50500 }, guard: NameOutlierBar},
		{name: "unclosed bar", mutate: func(c *Context, g *GlobalState) { c.Signal.Bar.IsFinal = false }, guard: NameLookahead},
		{name: "bar from the future", mutate: func(c *Context, g *GlobalState) { c.Signal.Bar.CloseTime = testNow.Add(time.Minute) }, guard: NameLookahead},
		{name: "thin volume", mutate: func(c *Context, g *GlobalState) { c.Signal.Bar.Volume = 1 }, guard: NameMinVolume},
		{name: "max open", mutate: func(c *Context, g *GlobalState) {
			g.Open = []Exposure{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}}
		}, guard: NameMaxOpen},
		{name: "correlated exposure", mutate: func(c *Context, g *GlobalState) {
			g.Open = []Exposure{{Symbol: "ETHUSDT", Side: domain.Buy, Notional: 6000}}
		}, guard: NameCorrelation},
		{name: "uncorrelated exposure passes correlation", mutate: func(c *Context, g *GlobalState) {
			g.Open = []Exposure{{Symbol: "XRPUSDT", Side: domain.Buy, Notional: 6000}}
		}},
		{name: "hedged correlated exposure passes", mutate: func(c *Context, g *GlobalState) {
			g.Open = []Exposure{{Symbol: "ETHUSDT", Side: domain.Sell, Notional: 6000}}
		}},
		{name: "wide spread", mutate: func(c *Context, g *GlobalState) { c.Ticker.Ask = 50100 }, guard: NameSpread},
		{name: "no quote", mutate: func(c *Context, g *GlobalState) { c.Ticker = nil }, guard: NameSpread},
		{name: "slippage estimate", mutate: func(c *Context, g *GlobalState) { g.EstimatedSlippageBps = 12 }, guard: NameSpread},
		{name: "edge below cost", mutate: func(c *Context, g *GlobalState) { c.Signal.ExpectedEdgeBps = 15 }, guard: NameCostOfEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, _ := newTestPipeline()
			c, g := goodContext(), goodState()
			tt.mutate(c, g)
			d := p.Evaluate(context.Background(), c, g)
			if tt.guard == "" {
				assert.True(t, d.Allowed, "unexpected block by %s: %s", d.Guard, d.Reason)
				return
			}
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.guard, d.Guard)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestPipeline_HaltPreemptsCorrelation(t *testing.T) {
	p, store, rec, collectors := newTestPipeline()
	c, g := goodContext(), goodState()
	g.Risk.Halted = true
	g.Open = []Exposure{{Symbol: "ETHUSDT", Side: domain.Buy, Notional: 9000}}

	d := p.Evaluate(context.Background(), c, g)
	assert.Equal(t, NameHalt, d.Guard)

	evs, err := store.GuardEvents(context.Background(), domain.GuardEventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, NameHalt, evs[0].Guard)
	assert.Empty(t, evs[0].Symbol)
	assert.Equal(t, domain.SeverityCritical, evs[0].Severity)

	assert.Equal(t, 1, rec.Count(telemetry.GuardBlock))
	n, err := testutil.GatherAndCount(collectors.Registry, "guard_blocks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipeline_HaltAfterConsecutiveLosses(t *testing.T) {
	logger := &mockLogger{}
	mgr := risk.NewManager(risk.RiskConfig{MaxConsecutiveLosses: 3, RecoveryWins: 2}, logger, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mgr.RecordClose(ctx, -25, 10000, testNow)
	}
	require.Equal(t, domain.RiskCritical, mgr.State().Level())

	p := NewPipeline(Default(testConfig()), nil, logger, nil, nil)
	g := goodState()
	g.Risk = mgr.State().Snapshot()
	d := p.Evaluate(ctx, goodContext(), g)
	assert.False(t, d.Allowed)
	assert.Equal(t, NameHalt, d.Guard)
}

func TestGuards_AreDeterministic(t *testing.T) {
	for _, g := range Default(testConfig()) {
		c, s := goodContext(), goodState()
		s.Risk.Halted = true
		c.Ticker.Ask = 60000
		first := g.Check(c, s)
		second := g.Check(c, s)
		assert.Equal(t, first, second, g.Name())
	}
}
