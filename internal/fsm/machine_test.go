package fsm

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/telemetry"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	errors []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}

func newTestMachine(t *testing.T) (*Machine, *memstore.Store, *mockLogger) {
	t.Helper()
	store := memstore.New()
	logger := &mockLogger{}
	return NewMachine(store, logger, telemetry.NewEmitter(logger), metrics.NewCollectors()), store, logger
}

func newTrade() *domain.Trade {
	return &domain.Trade{
		Symbol:       "BTCUSDT",
		Side:         domain.Buy,
		Market:       domain.MarketFutures,
		SignalPrice:  100,
		PositionSize: 1,
		StopLoss:     95,
		InitialStop:  95,
		TakeProfit:   110,
	}
}

func fill(cum float64) Transition {
	ev := domain.EventFillPartial
	if cum >= 1 {
		ev = domain.EventFillFull
	}
	return Transition{
		Event:    ev,
		Quantity: cum,
		Price:    100,
		DedupKey: "fill:42:" + strconv.FormatFloat(cum, 'f', -1, 64),
		Mutate: func(t *domain.Trade) error {
			t.FilledSize = cum
			t.RemainingSize = cum
			t.EntryPrice = 100
			return nil
		},
	}
}

func mustApply(t *testing.T, m *Machine, id string, tr Transition) Result {
	t.Helper()
	res, err := m.Apply(context.Background(), id, tr)
	require.NoError(t, err)
	return res
}

func openPending(t *testing.T, m *Machine) *domain.Trade {
	t.Helper()
	tr, err := m.Create(context.Background(), newTrade())
	require.NoError(t, err)
	mustApply(t, m, tr.ID, Transition{Event: domain.EventOrderSubmit})
	mustApply(t, m, tr.ID, Transition{Event: domain.EventOrderAck, ExchangeOrderID: 42})
	return tr
}

func active(t *testing.T, m *Machine) *domain.Trade {
	t.Helper()
	tr := openPending(t, m)
	mustApply(t, m, tr.ID, fill(1))
	mustApply(t, m, tr.ID, Transition{Event: domain.EventProtectionSet})
	got, _ := m.Get(tr.ID)
	require.Equal(t, domain.StateActive, got.State)
	return got
}

func TestResolve(t *testing.T) {
	tests := []struct {
		from   domain.OrderState
		event  domain.Event
		want   domain.OrderState
		target domain.OrderState
		ok     bool
	}{
		{domain.StateInit, domain.EventOrderSubmit, "", domain.StateSubmitting, true},
		{domain.StateInit, domain.EventFillFull, "", "", false},
		{domain.StateSubmitting, domain.EventCancelSubmit, "", domain.StateCancelPending, true},
		{domain.StatePartial, domain.EventFillPartial, "", domain.StatePartial, true},
		{domain.StatePartial, domain.EventProtectionSet, "", "", false},
		{domain.StateOpen, domain.EventTrailUpdate, "", domain.StateTrailingAdjust, true},
		{domain.StateScalingOut, domain.EventSettle, "", domain.StateActive, true},
		{domain.StateTrailingAdjust, domain.EventScaleOut, "", "", false},
		{domain.StateClosing, domain.EventCloseFill, "", domain.StateClosed, true},
		{domain.StateActive, domain.EventErrorDetected, "", domain.StateError, true},
		{domain.StateClosed, domain.EventErrorDetected, "", "", false},
		{domain.StateError, domain.EventAutoHealAttempt, "", "", false},
		{domain.StateError, domain.EventAutoHealAttempt, domain.StateCancelPending, domain.StateCancelPending, true},
		{domain.StateError, domain.EventAutoHealAttempt, domain.StateActive, "", false},
		{domain.StateCancelled, domain.EventCancelAck, "", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, ok := Resolve(tt.from, tt.event, tt.want)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.target, got)
		})
	}
}

func TestMachine_InvalidTransitionLeavesTradeUntouched(t *testing.T) {
	m, store, logger := newTestMachine(t)
	ctx := context.Background()
	tr, err := m.Create(ctx, newTrade())
	require.NoError(t, err)
	m.SetClock(func() time.Time { return tr.UpdatedAt.Add(time.Hour) })

	_, err = m.Apply(ctx, tr.ID, fill(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInvalidTransition))
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, domain.StateInit, ite.From)

	got, _ := m.Get(tr.ID)
	assert.Equal(t, domain.StateInit, got.State)
	assert.Equal(t, tr.UpdatedAt, got.UpdatedAt)
	assert.Zero(t, got.FilledSize)
	assert.Zero(t, store.ExecutionCount())
	assert.Contains(t, logger.errors, "Invalid transition rejected")
}

func TestMachine_EveryTransitionAppendsOneExecution(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	tr := active(t, m)

	execs, err := m.Executions(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, execs, 4)
	assert.Equal(t, domain.ExecStateTransition, execs[0].Type)
	assert.Equal(t, domain.StateInit, execs[0].StateFrom)
	assert.Equal(t, domain.StateSubmitting, execs[0].StateTo)
	assert.Equal(t, domain.ExecOrderFill, execs[2].Type)
	assert.Equal(t, domain.StateOpen, execs[2].StateTo)
	assert.Equal(t, domain.StateActive, execs[3].StateTo)
}

func TestMachine_FillsAreIdempotent(t *testing.T) {
	m, store, _ := newTestMachine(t)
	tr := openPending(t, m)
	before := store.ExecutionCount()

	res := mustApply(t, m, tr.ID, fill(0.4))
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatePartial, res.To)

	res = mustApply(t, m, tr.ID, fill(0.4))
	assert.False(t, res.Applied)
	assert.Equal(t, domain.StatePartial, res.Trade.State)

	res = mustApply(t, m, tr.ID, fill(1))
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StateOpen, res.To)

	// An exact duplicate after the state moved on is still a no-op, not an invalid transition.
	res = mustApply(t, m, tr.ID, fill(1))
	assert.False(t, res.Applied)

	got, _ := m.Get(tr.ID)
	assert.Equal(t, domain.StateOpen, got.State)
	assert.InDelta(t, 1.0, got.RemainingSize, 1e-12)
	assert.Equal(t, before+2, store.ExecutionCount())
}

func TestMachine_ErrorAndAutoHeal(t *testing.T) {
	m, _, _ := newTestMachine(t)
	tr := active(t, m)

	mustApply(t, m, tr.ID, Transition{Event: domain.EventErrorDetected, Mutate: func(t *domain.Trade) error {
		t.LastError = "protection rejected"
		return nil
	}})
	got, _ := m.Get(tr.ID)
	assert.Equal(t, domain.StateError, got.State)
	assert.Equal(t, "protection rejected", got.LastError)

	_, err := m.Apply(context.Background(), tr.ID, Transition{Event: domain.EventAutoHealAttempt})
	assert.True(t, IsInvalidTransition(err))

	res := mustApply(t, m, tr.ID, Transition{Event: domain.EventAutoHealAttempt, Target: domain.StateClosing})
	assert.Equal(t, domain.StateClosing, res.To)
}

func TestMachine_RemainingSizeNeverGrowsAfterOpen(t *testing.T) {
	m, _, _ := newTestMachine(t)
	tr := active(t, m)

	_, err := m.Apply(context.Background(), tr.ID, Transition{Event: domain.EventScaleOut, Mutate: func(t *domain.Trade) error {
		t.RemainingSize = t.RemainingSize + 0.5
		return nil
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInvariant))
	got, _ := m.Get(tr.ID)
	assert.Equal(t, domain.StateActive, got.State)

	_, err = m.Apply(context.Background(), tr.ID, Transition{Event: domain.EventCloseSubmit})
	require.NoError(t, err)
	_, err = m.Apply(context.Background(), tr.ID, Transition{Event: domain.EventCloseFill})
	assert.True(t, errors.Is(err, ports.ErrInvariant), "closing with size left must fail")
}

func TestMachine_UpdatedAtIsMonotonic(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	tr, err := m.Create(ctx, newTrade())
	require.NoError(t, err)

	m.SetClock(func() time.Time { return tr.UpdatedAt.Add(-time.Hour) })
	res := mustApply(t, m, tr.ID, Transition{Event: domain.EventOrderSubmit})
	assert.False(t, res.Trade.UpdatedAt.Before(tr.UpdatedAt))
}

func TestMachine_HistoryDigestIsDeterministic(t *testing.T) {
	run := func() string {
		m, _, _ := newTestMachine(t)
		tr := openPending(t, m)
		mustApply(t, m, tr.ID, fill(0.4))
		mustApply(t, m, tr.ID, fill(0.4))
		mustApply(t, m, tr.ID, fill(1))
		mustApply(t, m, tr.ID, Transition{Event: domain.EventProtectionSet})
		execs, err := m.Executions(context.Background(), tr.ID)
		require.NoError(t, err)
		return domain.HistoryDigest(execs)
	}
	assert.Equal(t, run(), run())
}

func TestMachine_RecordOrphanIsConvergent(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	orphan := &domain.Trade{Symbol: "ETHUSDT", Side: domain.Sell, PositionSize: 2, EntryPrice: 3000, EntryOrderID: 7}

	ok, err := m.RecordOrphan(ctx, orphan, domain.StateClosed, "orphan:order:7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.RecordOrphan(ctx, orphan, domain.StateClosed, "orphan:order:7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.ExecutionCount())

	closed := m.Snapshot(func(t *domain.Trade) bool { return t.Origin == domain.OriginReconciliation })
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StateClosed, closed[0].State)

	_, err = m.RecordOrphan(ctx, orphan, domain.StateActive, "orphan:order:8")
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
}

func TestMachine_Hydrate(t *testing.T) {
	m, store, logger := newTestMachine(t)
	tr := active(t, m)

	fresh := NewMachine(store, logger, nil, nil)
	n, err := fresh.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := fresh.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Len(t, fresh.Open("BTCUSDT"), 1)
	assert.Empty(t, fresh.Open("ETHUSDT"))
}

func TestMachine_EvictDropsOnlyFinishedTrades(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()
	live := active(t, m)
	orphan := newTrade()
	orphan.ID = "orphan-1"
	ok, err := m.RecordOrphan(ctx, orphan, domain.StateClosed, "orphan:test")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, m.Evict(time.Now().UTC().Add(-time.Hour)), "too recent")
	assert.Equal(t, 1, m.Evict(time.Now().UTC().Add(time.Hour)))

	_, ok = m.Get(orphan.ID)
	assert.False(t, ok)
	_, ok = m.Get(live.ID)
	assert.True(t, ok)
	_, ok = store.Trade(orphan.ID)
	assert.True(t, ok, "the store keeps evicted trades")
	assert.ErrorIs(t, m.Do(ctx, orphan.ID, func(*Tx) error { return nil }), ports.ErrTradeNotFound)
}

func TestMachine_ConcurrentTransitionsAreSerialized(t *testing.T) {
	m, store, _ := newTestMachine(t)
	tr := active(t, m)
	before := store.ExecutionCount()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), tr.ID, func(tx *Tx) error {
				cur := tx.Trade()
				qty := 0.01
				if _, err := tx.Fire(Transition{Event: domain.EventScaleOut, Quantity: qty, Price: 101, Mutate: func(t *domain.Trade) error {
					t.RemainingSize = cur.RemainingSize - qty
					return nil
				}}); err != nil {
					return err
				}
				_, err := tx.Fire(Transition{Event: domain.EventSettle})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := m.Get(tr.ID)
	assert.Equal(t, domain.StateActive, got.State)
	assert.InDelta(t, 1-workers*0.01, got.RemainingSize, 1e-9)
	assert.Equal(t, before+2*workers, store.ExecutionCount())
}

func TestMachine_UnknownTrade(t *testing.T) {
	m, _, _ := newTestMachine(t)
	_, err := m.Apply(context.Background(), "missing", Transition{Event: domain.EventOrderSubmit})
	assert.True(t, errors.Is(err, ports.ErrTradeNotFound))
}
