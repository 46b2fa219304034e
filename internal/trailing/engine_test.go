package trailing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type call struct {
	tradeID string
	value   float64 // R level for scale outs, stop for adjustments
}

// book is a fake trade book whose actions mutate the trades the way the
// execution coordinator does.
type book struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
	scales []call
	stops  []call
	fail   map[string]error
}

func newBook(trades ...*domain.Trade) *book {
	b := &book{trades: make(map[string]*domain.Trade), fail: make(map[string]error)}
	for _, t := range trades {
		b.trades[t.ID] = t
	}
	return b
}

func (b *book) Open(symbol string) []*domain.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Trade
	for _, t := range b.trades {
		if t.Symbol == symbol && !t.State.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *book) Get(id string) (*domain.Trade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trades[id]
	return t.Clone(), ok
}

func (b *book) ScaleOut(ctx context.Context, tradeID string, r, fraction, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[tradeID]; err != nil {
		return err
	}
	t := b.trades[tradeID]
	if t.HasScaledAt(r) {
		return nil
	}
	qty := t.RemainingSize * fraction
	t.RemainingSize -= qty
	if len(t.ScaledOut) == 0 && t.MoreFavorableStop(t.EntryPrice, t.StopLoss) {
		t.StopLoss = t.EntryPrice
	}
	t.ScaledOut = append(t.ScaledOut, domain.ScaleOut{RMultiple: r, Quantity: qty, Price: price})
	b.scales = append(b.scales, call{tradeID, r})
	return nil
}

func (b *book) AdjustStop(ctx context.Context, tradeID string, stop, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[tradeID]; err != nil {
		return err
	}
	t := b.trades[tradeID]
	if !t.MoreFavorableStop(stop, t.StopLoss) {
		return nil
	}
	t.StopLoss = stop
	b.stops = append(b.stops, call{tradeID, stop})
	return nil
}

func longTrade(id string) *domain.Trade {
	return &domain.Trade{
		ID: id, Symbol: "BTCUSDT", Side: domain.Buy, State: domain.StateActive,
		EntryPrice: 100, StopLoss: 98, InitialStop: 98, TakeProfit: 104, ATR: 1,
		PositionSize: 1, FilledSize: 1, RemainingSize: 1,
	}
}

func newTestEngine(t *testing.T, cfg Config, b *book) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, b, b, &mockLogger{})
	require.NoError(t, err)
	return e
}

func TestEngine_PartialLevelsFireOnce(t *testing.T) {
	b := newBook(longTrade("t1"))
	e := newTestEngine(t, Config{Levels: []Level{{R: 2, Fraction: 0.25}, {R: 1, Fraction: 0.5}}}, b)
	ctx := context.Background()
	now := time.Now()

	for _, price := range []float64{101, 102, 102.5, 101.8, 104, 110} {
		require.NoError(t, e.OnPrice(ctx, "BTCUSDT", price, now))
	}

	assert.Equal(t, []call{{"t1", 1}, {"t1", 2}}, b.scales)
	tr, _ := b.Get("t1")
	assert.InDelta(t, 0.375, tr.RemainingSize, 1e-12)
	assert.Equal(t, 100.0, tr.StopLoss, "breakeven after the first partial")
}

func TestEngine_GapCrossesSeveralLevels(t *testing.T) {
	b := newBook(longTrade("t1"))
	e := newTestEngine(t, Config{Levels: []Level{{R: 1, Fraction: 0.5}, {R: 2, Fraction: 0.5}}}, b)

	require.NoError(t, e.OnPrice(context.Background(), "BTCUSDT", 106, time.Now()))
	assert.Equal(t, []call{{"t1", 1}, {"t1", 2}}, b.scales)
}

func TestEngine_ATRTrailingIsMonotonic(t *testing.T) {
	b := newBook(longTrade("t1"))
	e := newTestEngine(t, Config{ActivationR: 1, Mode: ModeATR, ATRMultiple: 2}, b)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		price float64
		stop  float64
	}{
		{price: 101.5, stop: 98},  // below activation
		{price: 103, stop: 101},   // 103 - 2×1
		{price: 102.5, stop: 101}, // candidate 100.5 is worse
		{price: 104, stop: 102},
		{price: 103.9, stop: 102},
	}
	for _, tt := range tests {
		require.NoError(t, e.OnPrice(ctx, "BTCUSDT", tt.price, now))
		tr, _ := b.Get("t1")
		assert.Equal(t, tt.stop, tr.StopLoss, "price %v", tt.price)
	}
	assert.Len(t, b.stops, 2)
}

func TestEngine_TrailingCooldown(t *testing.T) {
	b := newBook(longTrade("t1"))
	e := newTestEngine(t, Config{ActivationR: 1, Mode: ModeATR, ATRMultiple: 2, Cooldown: time.Minute}, b)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, e.OnPrice(ctx, "BTCUSDT", 103, t0))
	require.NoError(t, e.OnPrice(ctx, "BTCUSDT", 105, t0.Add(30*time.Second)))
	tr, _ := b.Get("t1")
	assert.Equal(t, 101.0, tr.StopLoss)

	require.NoError(t, e.OnPrice(ctx, "BTCUSDT", 105, t0.Add(61*time.Second)))
	tr, _ = b.Get("t1")
	assert.Equal(t, 103.0, tr.StopLoss)
}

func TestEngine_StepTrailingShort(t *testing.T) {
	short := longTrade("s1")
	short.Side = domain.Sell
	short.StopLoss, short.InitialStop, short.TakeProfit = 102, 102, 96
	b := newBook(short)
	e := newTestEngine(t, Config{ActivationR: 1, Mode: ModeStep, StepPercent: 1}, b)

	require.NoError(t, e.OnPrice(context.Background(), "BTCUSDT", 99, time.Now()))
	assert.Empty(t, b.stops, "0.5R is below activation")

	require.NoError(t, e.OnPrice(context.Background(), "BTCUSDT", 97, time.Now()))
	tr, _ := b.Get("s1")
	assert.InDelta(t, 97.97, tr.StopLoss, 1e-9)
}

func TestEngine_OnlyActiveTrades(t *testing.T) {
	partial := longTrade("p1")
	partial.State = domain.StatePartial
	scaling := longTrade("s1")
	scaling.State = domain.StateScalingOut
	b := newBook(partial, scaling)
	e := newTestEngine(t, Config{Levels: []Level{{R: 1, Fraction: 0.5}}, ActivationR: 1, Mode: ModeATR, ATRMultiple: 1}, b)

	require.NoError(t, e.OnPrice(context.Background(), "BTCUSDT", 110, time.Now()))
	assert.Empty(t, b.scales)
	assert.Empty(t, b.stops)
}

func TestEngine_FailureOnOneTradeDoesNotStopOthers(t *testing.T) {
	b := newBook(longTrade("a"), longTrade("b"))
	b.fail["a"] = ports.ErrExchangeUnavailable
	e := newTestEngine(t, Config{Levels: []Level{{R: 1, Fraction: 0.5}}}, b)

	err := e.OnPrice(context.Background(), "BTCUSDT", 102, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrExchangeUnavailable))
	assert.Equal(t, []call{{"b", 1}}, b.scales)
}

func TestParseLevels(t *testing.T) {
	tests := []struct {
		in      string
		want    []Level
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1:0.5,2:0.25", want: []Level{{R: 1, Fraction: 0.5}, {R: 2, Fraction: 0.25}}},
		{in: " 1.5 : 0.3 ", want: []Level{{R: 1.5, Fraction: 0.3}}},
		{in: "1-0.5", wantErr: true},
		{in: "x:0.5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevels(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEngine_Validation(t *testing.T) {
	b := newBook()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero R", cfg: Config{Levels: []Level{{R: 0, Fraction: 0.5}}}},
		{name: "fraction above one", cfg: Config{Levels: []Level{{R: 1, Fraction: 1.5}}}},
		{name: "atr multiple", cfg: Config{ActivationR: 1, Mode: ModeATR}},
		{name: "step percent", cfg: Config{ActivationR: 1, Mode: ModeStep, StepPercent: 100}},
		{name: "unknown mode", cfg: Config{ActivationR: 1, Mode: "chandelier"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, b, b, &mockLogger{})
			assert.True(t, errors.Is(err, ports.ErrConfigurationError))
		})
	}
}
