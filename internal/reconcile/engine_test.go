package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/adapters/paper"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/execution"
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
	engine  *Engine
	coord   *execution.Coordinator
	ex      *paper.Exchange
	machine *fsm.Machine
	rec     *telemetry.Recorder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
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
	mgr := risk.NewManager(risk.RiskConfig{}, logger, emitter, collectors)
	sizer, err := risk.NewSizer(risk.SizingConfig{
		Market: domain.MarketFutures, RiskPercent: 1, ATRMultiplier: 2, FallbackStopPercent: 1, Leverage: 10,
	})
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	coord := execution.NewCoordinator(execution.Config{QuoteAsset: "USDT", Retry: policy}, execution.Deps{
		Exchange: ex, Machine: machine, Sizer: sizer, Risk: mgr, Logger: logger, Emitter: emitter,
		Pipeline: guard.NewPipeline(guard.Default(guard.Config{}), store, logger, emitter, collectors),
	})

	cfg.Symbols = []string{symbol}
	cfg.Retry = policy
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 100
	}
	engine := NewEngine(cfg, ex, machine, coord, logger, emitter, collectors)
	return &testEnv{engine: engine, coord: coord, ex: ex, machine: machine, rec: rec}
}

func (e *testEnv) open(t *testing.T) string {
	t.Helper()
	res, err := e.coord.Open(context.Background(), domain.Signal{Symbol: symbol, Side: domain.Buy, Price: 50000, ATR: 100})
	require.NoError(t, err)
	require.False(t, res.Blocked)
	return res.TradeID
}

func (e *testEnv) state(t *testing.T, id string) domain.OrderState {
	t.Helper()
	tr, ok := e.machine.Get(id)
	require.True(t, ok)
	return tr.State
}

func (e *testEnv) orphans() []*domain.Trade {
	return e.machine.Snapshot(func(t *domain.Trade) bool { return t.Origin == domain.OriginReconciliation })
}

func kinds(rep Report) []ActionKind {
	var out []ActionKind
	for _, a := range rep.Actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestRun_OrphanOrderConverges(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	orderID := env.ex.InjectOrder(domain.ExchangeOrder{Symbol: symbol, Side: domain.Buy, Type: "LIMIT", Price: 49000, OrigQty: 0.1})

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionOrphanOrder}, kinds(rep))
	assert.Equal(t, 1, env.rec.Count(telemetry.Reconciliation))

	orphans := env.orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, domain.StateClosed, orphans[0].State)
	assert.Equal(t, orderID, orphans[0].EntryOrderID)
	assert.Equal(t, domain.CloseReasonReconciled, orphans[0].CloseReason)

	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
	assert.Equal(t, 1, env.rec.Count(telemetry.Reconciliation))
	assert.Len(t, env.orphans(), 1)

	// Policy "closed" leaves a plain order alone.
	orders, err := env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestRun_OrphanPolicyCancelled(t *testing.T) {
	env := newTestEnv(t, Config{OrphanPolicy: OrphanCancelled})
	ctx := context.Background()
	env.ex.InjectOrder(domain.ExchangeOrder{Symbol: symbol, Side: domain.Sell, Type: "LIMIT", Price: 51000, OrigQty: 0.1})

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)
	orphans := env.orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, domain.StateCancelled, orphans[0].State)

	orders, err := env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, orders)

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
}

func TestRun_OrphanProtectiveOrderAlwaysCancelled(t *testing.T) {
	env := newTestEnv(t, Config{OrphanPolicy: OrphanClosed})
	ctx := context.Background()
	env.ex.InjectOrder(domain.ExchangeOrder{Symbol: symbol, Side: domain.Sell, Type: "STOP_MARKET", StopPrice: 48000, OrigQty: 0.1, ReduceOnly: true})

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)
	orders, err := env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, orders)
	require.Len(t, env.orphans(), 1)
	assert.Equal(t, domain.StateClosed, env.orphans()[0].State)
}

func TestRun_OrphanPosition(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.ex.InjectPosition(symbol, domain.Sell, 0.3, 50500)

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionOrphanPosition}, kinds(rep))
	orphans := env.orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, domain.Sell, orphans[0].Side)
	assert.InDelta(t, 0.3, orphans[0].PositionSize, 1e-12)

	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
}

func TestRun_OrphanPositionResizeIsSameOrphan(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()
	env.engine.SetClock(func() time.Time { return now })
	env.ex.InjectPosition(symbol, domain.Sell, 0.3, 50500)

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, env.orphans(), 1)

	// Manual resize on the exchange.
	now = now.Add(time.Minute)
	env.ex.InjectPosition(symbol, domain.Sell, 0.5, 50400)
	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
	assert.Len(t, env.orphans(), 1)

	// Flat, then a new unowned position: a new orphan.
	now = now.Add(time.Minute)
	env.ex.InjectPosition(symbol, domain.Sell, 0, 0)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	env.ex.InjectPosition(symbol, domain.Sell, 0.2, 50600)
	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionOrphanPosition}, kinds(rep))
	assert.Len(t, env.orphans(), 2)
}

func TestRun_ExchangeSideCloseSettlesLocally(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	id := env.open(t)
	require.Equal(t, domain.StateActive, env.state(t, id))

	// Stop fills while no stream is attached.
	env.ex.SetPrice(symbol, 49700)

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionAutoClose}, kinds(rep))
	tr, _ := env.machine.Get(id)
	assert.Equal(t, domain.StateClosed, tr.State)
	assert.Equal(t, domain.CloseReasonReconciled, tr.CloseReason)
	assert.Zero(t, tr.RemainingSize)
	assert.Empty(t, env.orphans())

	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
}

func TestRun_MergesMissedFill(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.ex.PartialFill = 0.4
	id := env.open(t)
	require.Equal(t, domain.StatePartial, env.state(t, id))

	env.ex.PartialFill = 0
	env.ex.CompletePending(symbol)

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionMergeFill}, kinds(rep))
	tr, _ := env.machine.Get(id)
	assert.Equal(t, domain.StateActive, tr.State)
	assert.InDelta(t, 0.5, tr.FilledSize, 1e-12)
	assert.False(t, tr.Protection.Empty())

	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
}

func TestRun_StalledPartialPolicies(t *testing.T) {
	tests := []struct {
		policy    StalledPolicy
		wantState domain.OrderState
		wantKinds []ActionKind
		wantSize  float64
	}{
		{policy: StalledNone, wantState: domain.StatePartial, wantSize: 0.5},
		{policy: StalledReduce, wantState: domain.StateActive, wantKinds: []ActionKind{ActionShrinkPartial}, wantSize: 0.2},
		{policy: StalledCancel, wantState: domain.StateClosed, wantKinds: []ActionKind{ActionCancelStalled}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			env := newTestEnv(t, Config{StalledPolicy: tt.policy, StalledAfter: time.Minute})
			ctx := context.Background()
			env.ex.PartialFill = 0.4
			id := env.open(t)

			env.engine.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
			rep, err := env.engine.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKinds, kinds(rep))

			tr, _ := env.machine.Get(id)
			assert.Equal(t, tt.wantState, tr.State)
			if tt.policy == StalledCancel {
				assert.Equal(t, domain.CloseReasonStalledPartial, tr.CloseReason)
				positions, err := env.ex.GetPositions(ctx, []string{symbol})
				require.NoError(t, err)
				assert.Empty(t, positions)
				return
			}
			assert.InDelta(t, tt.wantSize, tr.PositionSize, 1e-12)
		})
	}
}

func TestRun_StaleSubmissionCancelledAfterGrace(t *testing.T) {
	env := newTestEnv(t, Config{SubmitStaleAfter: time.Minute})
	ctx := context.Background()
	tr, err := env.machine.Create(ctx, &domain.Trade{Symbol: symbol, Side: domain.Buy, Market: domain.MarketFutures, SignalPrice: 50000, PositionSize: 0.1})
	require.NoError(t, err)
	_, err = env.machine.Apply(ctx, tr.ID, fsm.Transition{Event: domain.EventOrderSubmit})
	require.NoError(t, err)

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Corrections())
	assert.Equal(t, domain.StateSubmitting, env.state(t, tr.ID))

	env.engine.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	rep, err = env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionCancelMissing}, kinds(rep))
	assert.Equal(t, domain.StateCancelled, env.state(t, tr.ID))
}

func TestRun_AutoHealsErrorTrades(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	tr, err := env.machine.Create(ctx, &domain.Trade{Symbol: symbol, Side: domain.Buy, Market: domain.MarketFutures, SignalPrice: 50000, PositionSize: 0.1})
	require.NoError(t, err)
	_, err = env.machine.Apply(ctx, tr.ID, fsm.Transition{Event: domain.EventOrderSubmit})
	require.NoError(t, err)
	_, err = env.machine.Apply(ctx, tr.ID, fsm.Transition{
		Event:  domain.EventErrorDetected,
		Mutate: func(t *domain.Trade) error { t.LastError = "entry submission failed: ack lost"; return nil },
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateError, env.state(t, tr.ID))

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionAutoHeal}, kinds(rep))
	assert.Equal(t, domain.StateCancelled, env.state(t, tr.ID))
	assert.Equal(t, 1, env.rec.Count(telemetry.AutoHealSuccess))
}

func TestRun_CancelsReplacedProtectiveLeg(t *testing.T) {
	env := newTestEnv(t, Config{SubmitStaleAfter: time.Minute})
	ctx := context.Background()
	id := env.open(t)
	env.ex.InjectOrder(domain.ExchangeOrder{
		Symbol: symbol, Side: domain.Sell, Type: "STOP_MARKET", StopPrice: 49500, OrigQty: 0.5, ReduceOnly: true,
		ClientOrderID: execution.OwnerPrefix(id) + "ps", UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})

	rep, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ActionKind{ActionStaleOrder}, kinds(rep))
	assert.Equal(t, domain.StateActive, env.state(t, id))
	assert.Empty(t, env.orphans())

	tr, _ := env.machine.Get(id)
	orders, err := env.ex.GetOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.ElementsMatch(t, tr.Protection.OrderIDs(), []int64{orders[0].OrderID, orders[1].OrderID})
}

func TestRun_ListingFailureCorrectsNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	id := env.open(t)
	env.ex.FailNext("GetPositions", fmt.Errorf("%w: key revoked", ports.ErrPermissionDenied))

	rep, err := env.engine.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPermissionDenied))
	assert.True(t, rep.Incomplete)
	assert.Zero(t, rep.Corrections())
	assert.Equal(t, domain.StateActive, env.state(t, id))
}

func TestRun_ConcurrentRunsRecordOrphanOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.ex.InjectOrder(domain.ExchangeOrder{Symbol: symbol, Side: domain.Buy, Type: "LIMIT", Price: 49000, OrigQty: 0.1})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, env.orphans(), 1)
	assert.Equal(t, 1, env.rec.Count(telemetry.Reconciliation))
}
