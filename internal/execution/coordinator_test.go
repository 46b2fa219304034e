package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/adapters/paper"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/guard"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/retry"
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

const symbol = "BTCUSDT"

type testEnv struct {
	c       *Coordinator
	ex      *paper.Exchange
	store   *memstore.Store
	machine *fsm.Machine
	rec     *telemetry.Recorder
	risk    *risk.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := &mockLogger{}
	emitter := telemetry.NewEmitter(logger)
	rec := (&telemetry.Recorder{}).Attach(emitter)
	collectors := metrics.NewCollectors()

	ex := paper.New(domain.MarketFutures, "USDT", 10000, 0)
	ex.SetFilters(domain.SymbolFilters{Symbol: symbol, StepSize: 0.001, MinQty: 0.001, TickSize: 0.1, MinNotional: 5})
	ex.SetQuote(symbol, 50000, 50000)

	store := memstore.New()
	machine := fsm.NewMachine(store, logger, emitter, collectors)
	mgr := risk.NewManager(risk.RiskConfig{MaxConsecutiveLosses: 3, RecoveryWins: 2}, logger, emitter, collectors)
	sizer, err := risk.NewSizer(risk.SizingConfig{
		Market: domain.MarketFutures, RiskPercent: 1, ATRMultiplier: 2, FallbackStopPercent: 1, RewardRiskRatio: 2, Leverage: 10,
	})
	require.NoError(t, err)
	pipeline := guard.NewPipeline(guard.Default(guard.Config{}), store, logger, emitter, collectors)
	sampler := metrics.NewSampler(metrics.SamplerConfig{Size: 16, LatencyThreshold: time.Second, SlippageThresholdBps: 50}, emitter, collectors)

	c := NewCoordinator(Config{
		QuoteAsset: "USDT",
		Retry:      retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	}, Deps{
		Exchange: ex, Machine: machine, Pipeline: pipeline, Sizer: sizer, Risk: mgr,
		Sampler: sampler, Dedup: NewSubmitGuard(time.Minute, 10), Logger: logger, Emitter: emitter,
	})
	return &testEnv{c: c, ex: ex, store: store, machine: machine, rec: rec, risk: mgr}
}

func signal(atr float64) domain.Signal {
	return domain.Signal{Symbol: symbol, Side: domain.Buy, Price: 50000, ATR: atr}
}

func (e *testEnv) trade(t *testing.T, id string) *domain.Trade {
	t.Helper()
	tr, ok := e.machine.Get(id)
	require.True(t, ok)
	return tr
}

func (e *testEnv) fills(t *testing.T, id string) int {
	t.Helper()
	execs, err := e.machine.Executions(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, ex := range execs {
		if ex.Type == domain.ExecOrderFill {
			n++
		}
	}
	return n
}

func TestCoordinator_OpenSizesAndProtects(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.c.Open(context.Background(), signal(100))
	require.NoError(t, err)
	require.False(t, res.Blocked)

	assert.InDelta(t, 0.004, res.Plan.StopDistancePct, 1e-12)
	assert.InDelta(t, 0.5, res.Quantity, 1e-12)

	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateActive, tr.State)
	assert.InDelta(t, 0.5, tr.RemainingSize, 1e-12)
	assert.InDelta(t, 49800.0, tr.StopLoss, 1e-9)
	assert.InDelta(t, 50400.0, tr.TakeProfit, 1e-9)
	assert.NotZero(t, tr.Protection.StopOrderID)
	assert.NotZero(t, tr.Protection.TPOrderID)
	assert.NotZero(t, tr.EntryOrderID)

	execs, err := env.machine.Executions(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Len(t, execs, 4)
	assert.Equal(t, []domain.OrderState{domain.StateSubmitting, domain.StateOpenPending, domain.StateOpen, domain.StateActive},
		[]domain.OrderState{execs[0].StateTo, execs[1].StateTo, execs[2].StateTo, execs[3].StateTo})
	assert.Equal(t, 1, env.rec.Count(telemetry.TradeOpen))

	positions, err := env.ex.GetPositions(context.Background(), []string{symbol})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.5, positions[0].Quantity, 1e-12)
}

func TestCoordinator_DuplicateIntentSubmitsOnce(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.c.Open(context.Background(), signal(100))
	require.NoError(t, err)
	second, err := env.c.Open(context.Background(), signal(100))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Equal(t, 1, env.ex.Calls("PlaceMarketOrder"))
	assert.Equal(t, 1, env.fills(t, first.TradeID))
	assert.Len(t, env.machine.Open(symbol), 1)
	assert.Equal(t, 1, env.rec.Count(telemetry.SubmitDuplicate))
}

func TestCoordinator_FilterRejectionRequantizesOnce(t *testing.T) {
	env := newTestEnv(t)
	// Plan quantity 0.5555..; cached step 0.001 gives 0.555.
	env.ex.FailNext("PlaceMarketOrder", fmt.Errorf("%w: LOT_SIZE", ports.ErrFilterViolation))
	_, err := env.c.Filters(context.Background(), symbol)
	require.NoError(t, err)
	env.ex.SetFilters(domain.SymbolFilters{Symbol: symbol, StepSize: 0.01, MinQty: 0.01, TickSize: 0.1, MinNotional: 5})

	res, err := env.c.Open(context.Background(), signal(90))
	require.NoError(t, err)
	assert.Equal(t, 2, env.ex.Calls("PlaceMarketOrder"))
	tr := env.trade(t, res.TradeID)
	assert.InDelta(t, 0.55, tr.PositionSize, 1e-12)
	assert.Equal(t, domain.StateActive, tr.State)
}

func TestCoordinator_PersistentRejectionMovesToError(t *testing.T) {
	env := newTestEnv(t)
	reject := fmt.Errorf("%w: MIN_NOTIONAL", ports.ErrFilterViolation)
	env.ex.FailNext("PlaceMarketOrder", reject, reject)

	res, err := env.c.Open(context.Background(), signal(100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrFilterViolation))
	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateError, tr.State)
	assert.Contains(t, tr.LastError, "entry submission failed")
}

func TestCoordinator_PartialFillsFromStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reports []*ports.ExecutionReport
	_, err := env.ex.StreamExecutionReports(ctx, func(r *ports.ExecutionReport) {
		reports = append(reports, r)
		assert.NoError(t, env.c.HandleReport(ctx, r))
	}, nil)
	require.NoError(t, err)

	env.ex.PartialFill = 0.4
	res, err := env.c.Open(ctx, signal(100))
	require.NoError(t, err)
	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StatePartial, tr.State)
	assert.InDelta(t, 0.2, tr.FilledSize, 1e-12)

	env.ex.PartialFill = 0
	env.ex.CompletePending(symbol)
	require.Len(t, reports, 1)
	tr = env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateActive, tr.State)
	assert.InDelta(t, 0.5, tr.RemainingSize, 1e-12)

	// Redelivered report changes nothing.
	require.NoError(t, env.c.HandleReport(ctx, reports[0]))
	assert.Equal(t, 2, env.fills(t, res.TradeID))
}

func TestCoordinator_ScaleOutThenClosePnL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.c.Open(ctx, signal(100))
	require.NoError(t, err)

	env.ex.SetQuote(symbol, 50200, 50200)
	require.NoError(t, env.c.ScaleOut(ctx, res.TradeID, 1, 0.5, 50200))
	require.NoError(t, env.c.ScaleOut(ctx, res.TradeID, 1, 0.5, 50200))

	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateActive, tr.State)
	require.Len(t, tr.ScaledOut, 1)
	assert.InDelta(t, 0.25, tr.RemainingSize, 1e-12)
	assert.InDelta(t, 50.0, tr.RealizedPnL, 1e-9)
	assert.InDelta(t, 50000.0, tr.StopLoss, 1e-9, "stop moves to breakeven after the first partial")
	assert.Equal(t, 1, env.rec.Count(telemetry.PartialExit))

	open, err := env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 2, "only the resized protective pair remains")
	assert.InDelta(t, 0.25, open[0].OrigQty, 1e-12)

	env.ex.SetQuote(symbol, 50400, 50400)
	require.NoError(t, env.c.CloseTrade(ctx, res.TradeID, domain.CloseReasonManual))
	tr = env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateClosed, tr.State)
	assert.Zero(t, tr.RemainingSize)
	assert.InDelta(t, 150.0, tr.RealizedPnL, 1e-9)
	assert.InDelta(t, 50300.0, tr.ExitPrice, 1e-9)
	assert.Equal(t, domain.CloseReasonManual, tr.CloseReason)
	assert.Equal(t, 1, env.rec.Count(telemetry.TradeClose))

	open, err = env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCoordinator_AdjustStopOnlyTightens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.c.Open(ctx, signal(100))
	require.NoError(t, err)

	require.NoError(t, env.c.AdjustStop(ctx, res.TradeID, 49700, 50100))
	assert.InDelta(t, 49800.0, env.trade(t, res.TradeID).StopLoss, 1e-9)

	require.NoError(t, env.c.AdjustStop(ctx, res.TradeID, 49950, 50300))
	tr := env.trade(t, res.TradeID)
	assert.InDelta(t, 49950.0, tr.StopLoss, 1e-9)
	assert.Equal(t, domain.StateActive, tr.State)
	assert.False(t, tr.LastTrailAt.IsZero())
	assert.Equal(t, 1, env.rec.Count(telemetry.TrailingUpdate))
}

func TestCoordinator_ProtectionFailureAutoHeals(t *testing.T) {
	env := newTestEnv(t)
	env.ex.FailNext("PlaceProtection", fmt.Errorf("%w: stop rejected", ports.ErrOrderPlacementFailed))

	res, err := env.c.Open(context.Background(), signal(100))
	require.Error(t, err)
	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateClosed, tr.State)
	assert.Equal(t, domain.CloseReasonAutoHeal, tr.CloseReason)
	assert.Equal(t, 1, env.rec.Count(telemetry.ProtectionFailed))
	assert.Equal(t, 1, env.rec.Count(telemetry.AutoHealAttempt))
	assert.Equal(t, 1, env.rec.Count(telemetry.AutoHealSuccess))

	positions, err := env.ex.GetPositions(context.Background(), []string{symbol})
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCoordinator_StopFilledOnExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := env.ex.StreamExecutionReports(ctx, func(r *ports.ExecutionReport) {
		assert.NoError(t, env.c.HandleReport(ctx, r))
	}, nil)
	require.NoError(t, err)

	res, err := env.c.Open(ctx, signal(100))
	require.NoError(t, err)
	env.ex.SetPrice(symbol, 49700)

	tr := env.trade(t, res.TradeID)
	assert.Equal(t, domain.StateClosed, tr.State)
	assert.Equal(t, domain.CloseReasonStopLoss, tr.CloseReason)
	assert.InDelta(t, -150.0, tr.RealizedPnL, 1e-9)
	assert.Equal(t, 1, env.risk.State().Snapshot().ConsecutiveLosses)
}

func TestCoordinator_HaltBlocksEntries(t *testing.T) {
	env := newTestEnv(t)
	env.risk.ForceEscalation(context.Background(), domain.RiskCritical, "test", "ops")

	res, err := env.c.Open(context.Background(), signal(100))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, guard.NameHalt, res.Decision.Guard)
	assert.Zero(t, env.ex.Calls("PlaceMarketOrder"))
}

func TestCoordinator_PauseClosesIntake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.c.Pause(ctx))
	assert.True(t, env.c.Paused())
	_, err := env.c.Open(ctx, signal(100))
	assert.ErrorIs(t, err, ports.ErrHalted)
	assert.Zero(t, env.ex.Calls("GetTicker"))

	env.c.Resume()
	assert.False(t, env.c.Paused())
	res, err := env.c.Open(ctx, signal(100))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TradeID)
}

func TestCoordinator_CloseCancelsUnfilledEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tr, err := env.machine.Create(ctx, &domain.Trade{Symbol: symbol, Side: domain.Buy, Market: domain.MarketFutures, SignalPrice: 50000, PositionSize: 0.1})
	require.NoError(t, err)
	_, err = env.machine.Apply(ctx, tr.ID, fsm.Transition{Event: domain.EventOrderSubmit})
	require.NoError(t, err)

	closed, err := env.c.Close(ctx, symbol, domain.CloseReasonManual)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, domain.StateCancelled, env.trade(t, tr.ID).State)
}

func TestSubmitGuard_Buckets(t *testing.T) {
	g := NewSubmitGuard(time.Minute, 10)
	a := g.Key(symbol, domain.Buy, "0.5", 50000)
	b := g.Key(symbol, domain.Buy, "0.5", 50001)
	c := g.Key(symbol, domain.Buy, "0.5", 50200)
	d := g.Key(symbol, domain.Sell, "0.5", 50000)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)

	id, ok := g.Claim(a, "t1")
	assert.True(t, ok)
	assert.Equal(t, "t1", id)
	id, ok = g.Claim(a, "t2")
	assert.False(t, ok)
	assert.Equal(t, "t1", id)
	g.Release(a)
	_, ok = g.Claim(a, "t3")
	assert.True(t, ok)
}

func TestQuantizeQty(t *testing.T) {
	f := domain.SymbolFilters{StepSize: 0.001, MinQty: 0.001, MaxQty: 100, TickSize: 0.1, MinNotional: 5}
	tests := []struct {
		name    string
		qty     float64
		price   float64
		want    string
		wantErr bool
	}{
		{name: "floors to step", qty: 0.55555, price: 50000, want: "0.555"},
		{name: "caps at max", qty: 250, price: 1, want: "100"},
		{name: "below step", qty: 0.0004, price: 50000, wantErr: true},
		{name: "below notional", qty: 0.002, price: 1000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QuantizeQty(tt.qty, tt.price, f)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ports.ErrFilterViolation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
	assert.Equal(t, "50123.5", FormatPrice(50123.46, f))
}
