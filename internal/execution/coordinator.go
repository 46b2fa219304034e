// Package execution turns approved signals into exchange orders and drives the
// resulting trades through the order state machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/guard"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/retry"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/telemetry"
)

// Config holds coordinator settings.
type Config struct {
	QuoteAsset string
	Retry      retry.Policy
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Exchange ports.ExchangeClient
	Machine  *fsm.Machine
	Pipeline *guard.Pipeline
	Sizer    *risk.Sizer
	Risk     *risk.Manager
	Sampler  *metrics.Sampler
	Dedup    *SubmitGuard
	Logger   ports.Logger
	Emitter  *telemetry.Emitter
}

// OpenResult reports the outcome of Open. A guard block is a normal outcome.
type OpenResult struct {
	TradeID   string
	Blocked   bool
	Decision  guard.Decision
	Duplicate bool
	Plan      risk.Plan
	Quantity  float64
}

// Coordinator submits entries, applies fills and protection, and closes trades.
type Coordinator struct {
	cfg      Config
	exchange ports.ExchangeClient
	machine  *fsm.Machine
	pipeline *guard.Pipeline
	sizer    *risk.Sizer
	risk     *risk.Manager
	sampler  *metrics.Sampler
	dedup    *SubmitGuard
	logger   ports.Logger
	emitter  *telemetry.Emitter
	now      func() time.Time

	filtersMu sync.RWMutex
	filters   map[string]domain.SymbolFilters

	// Open holds gate for reading from intake until the entry is
	// acknowledged or failed; Pause takes it for writing.
	gate   sync.RWMutex
	paused bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if d.Dedup == nil {
		d.Dedup = NewSubmitGuard(10*time.Second, 10)
	}
	c := &Coordinator{
		cfg:      cfg,
		exchange: d.Exchange,
		machine:  d.Machine,
		pipeline: d.Pipeline,
		sizer:    d.Sizer,
		risk:     d.Risk,
		sampler:  d.Sampler,
		dedup:    d.Dedup,
		logger:   d.Logger,
		emitter:  d.Emitter,
		now:      func() time.Time { return time.Now().UTC() },
		filters:  make(map[string]domain.SymbolFilters),
	}
	if c.cfg.Retry.OnRetry == nil {
		logger := d.Logger
		c.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Warn(context.Background(), "Retrying exchange call", map[string]interface{}{
				"attempt": attempt, "delay": delay.String(), "error": err.Error(),
			})
		}
	}
	return c
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Pause closes intake and waits until every entry already past intake has
// been acknowledged or failed, or ctx is done. Entries arriving after Pause
// fail with ErrHalted until Resume.
func (c *Coordinator) Pause(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.gate.Lock()
		c.paused = true
		c.gate.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight orders: %w: %w", ports.ErrContextCanceled, ctx.Err())
	}
}

// Resume reopens intake.
func (c *Coordinator) Resume() {
	c.gate.Lock()
	c.paused = false
	c.gate.Unlock()
}

// Paused reports whether intake is closed.
func (c *Coordinator) Paused() bool {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.paused
}

func (c *Coordinator) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.cfg.Retry.Do(ctx, op, fn)
}

// Filters returns the cached filters for symbol, fetching them on first use.
func (c *Coordinator) Filters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}
	return c.RefreshFilters(ctx, symbol)
}

// RefreshFilters re-reads the symbol's filters from the exchange.
func (c *Coordinator) RefreshFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	var f domain.SymbolFilters
	err := c.call(ctx, "GetSymbolFilters", func(ctx context.Context) error {
		var err error
		f, err = c.exchange.GetSymbolFilters(ctx, symbol)
		return err
	})
	if err != nil {
		return f, err
	}
	c.filtersMu.Lock()
	c.filters[symbol] = f
	c.filtersMu.Unlock()
	return f, nil
}

// GlobalState assembles the guard inputs from live state.
func (c *Coordinator) GlobalState(ctx context.Context) (*guard.GlobalState, error) {
	var balance float64
	err := c.call(ctx, "GetAccountBalance", func(ctx context.Context) error {
		var err error
		balance, err = c.exchange.GetAccountBalance(ctx, c.cfg.QuoteAsset)
		return err
	})
	if err != nil {
		return nil, err
	}
	g := &guard.GlobalState{
		Risk:    c.risk.State().Snapshot(),
		Balance: balance,
	}
	if c.sampler != nil {
		g.EstimatedSlippageBps = c.sampler.EstimatedSlippageBps()
	}
	for _, t := range c.machine.Open("") {
		if t.Origin == domain.OriginReconciliation {
			continue
		}
		price := t.EntryPrice
		if price == 0 {
			price = t.SignalPrice
		}
		size := t.RemainingSize
		if t.State.Opening() {
			size = t.PositionSize
		}
		g.Open = append(g.Open, guard.Exposure{Symbol: t.Symbol, Side: t.Side, Notional: size * price})
	}
	return g, nil
}

// Open evaluates sig against the guards and, when allowed, submits the entry.
func (c *Coordinator) Open(ctx context.Context, sig domain.Signal) (OpenResult, error) {
	if sig.Symbol == "" || !sig.Side.Valid() || sig.Price <= 0 {
		err := fmt.Errorf("open failed: %w: malformed signal %+v", ports.ErrInvalidRequest, sig)
		c.logger.Error(ctx, err, "Rejected malformed signal")
		return OpenResult{}, err
	}
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.paused {
		return OpenResult{}, fmt.Errorf("open %s failed: %w: intake paused", sig.Symbol, ports.ErrHalted)
	}
	now := c.now()
	if sig.Time.IsZero() {
		sig.Time = now
	}

	var ticker *domain.Ticker
	if tk, err := c.ticker(ctx, sig.Symbol); err != nil {
		c.logger.Warn(ctx, "Ticker unavailable for pre-trade checks", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
	} else {
		ticker = &tk
	}
	state, err := c.GlobalState(ctx)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open %s failed: %w", sig.Symbol, err)
	}

	decision := c.pipeline.Evaluate(ctx, &guard.Context{Signal: sig, Ticker: ticker, Now: now}, state)
	if !decision.Allowed {
		c.logger.Info(ctx, "Signal blocked", map[string]interface{}{
			"symbol": sig.Symbol, "guard": decision.Guard, "reason": decision.Reason,
		})
		return OpenResult{Blocked: true, Decision: decision}, nil
	}

	entry := sig.Price
	if ticker != nil {
		if sig.Side == domain.Buy && ticker.Ask > 0 {
			entry = ticker.Ask
		} else if sig.Side == domain.Sell && ticker.Bid > 0 {
			entry = ticker.Bid
		}
	}
	plan, err := c.sizer.Plan(sig.Side, entry, sig.ATR, state.Balance, state.Risk.SizeMultiplier)
	if err != nil {
		err = fmt.Errorf("open %s failed: %w: %w", sig.Symbol, ports.ErrInvalidRequest, err)
		c.logger.Error(ctx, err, "Position sizing failed")
		return OpenResult{Decision: decision}, err
	}
	filters, err := c.Filters(ctx, sig.Symbol)
	if err != nil {
		return OpenResult{Decision: decision, Plan: plan}, fmt.Errorf("open %s failed: %w", sig.Symbol, err)
	}
	qty, err := QuantizeQty(plan.Quantity, entry, filters)
	if err != nil {
		c.logger.Error(ctx, err, "Order quantity does not fit exchange filters", map[string]interface{}{
			"symbol": sig.Symbol, "quantity": plan.Quantity,
		})
		return OpenResult{Decision: decision, Plan: plan}, fmt.Errorf("open %s failed: %w", sig.Symbol, err)
	}

	tradeID := uuid.NewString()
	key := c.dedup.Key(sig.Symbol, sig.Side, qty.String(), entry)
	if existing, ok := c.dedup.Claim(key, tradeID); !ok {
		c.emitter.Emit(ctx, telemetry.Event{
			Name:     telemetry.SubmitDuplicate,
			Symbol:   sig.Symbol,
			TradeID:  existing,
			Severity: domain.SeverityWarning,
			Payload:  map[string]interface{}{"intent": key},
		})
		return OpenResult{TradeID: existing, Duplicate: true, Decision: decision, Plan: plan}, nil
	}

	trade, err := c.machine.Create(ctx, &domain.Trade{
		ID:            tradeID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Market:        c.exchange.Market(),
		SignalPrice:   sig.Price,
		PositionSize:  qty.InexactFloat64(),
		StopLoss:      plan.StopLoss,
		InitialStop:   plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		ATR:           sig.ATR,
		ClientOrderID: clientID(tradeID, "e"),
	})
	if err != nil {
		c.dedup.Release(key)
		return OpenResult{Decision: decision, Plan: plan}, err
	}
	res := OpenResult{TradeID: trade.ID, Decision: decision, Plan: plan, Quantity: trade.PositionSize}

	if _, err := c.machine.Apply(ctx, trade.ID, fsm.Transition{Event: domain.EventOrderSubmit, Price: entry}); err != nil {
		return res, err
	}

	start := time.Now()
	resp, qtyStr, err := c.submitEntry(ctx, trade, plan.Quantity, entry, qty.String())
	if err != nil {
		c.markError(ctx, trade.ID, err, "entry submission failed")
		return res, fmt.Errorf("open %s failed: %w", sig.Symbol, err)
	}
	latency := time.Since(start)
	if c.sampler != nil {
		c.sampler.RecordLatency(ctx, trade.Symbol, trade.ID, latency, c.now())
	}

	finalQty := parseQty(qtyStr, trade.PositionSize)
	res.Quantity = finalQty
	if _, err := c.machine.Apply(ctx, trade.ID, fsm.Transition{
		Event:           domain.EventOrderAck,
		Quantity:        finalQty,
		Price:           entry,
		ExchangeOrderID: resp.OrderID,
		DedupKey:        fmt.Sprintf("ack:%d", resp.OrderID),
		Mutate: func(t *domain.Trade) error {
			t.EntryOrderID = resp.OrderID
			t.PositionSize = finalQty
			return nil
		},
	}); err != nil {
		return res, err
	}

	c.emitter.Emit(ctx, telemetry.Event{
		Name:    telemetry.TradeOpen,
		Symbol:  trade.Symbol,
		TradeID: trade.ID,
		Payload: map[string]interface{}{
			"side":            string(trade.Side),
			"quantity":        finalQty,
			"signal_price":    sig.Price,
			"stop_loss":       plan.StopLoss,
			"take_profit":     plan.TakeProfit,
			"risk_amount":     plan.RiskAmount,
			"stop_pct":        plan.StopDistancePct,
			"used_fallback":   plan.UsedFallback,
			"margin_capped":   plan.MarginCapped,
			"latency_ms":      latency.Milliseconds(),
			"exchange_order":  resp.OrderID,
			"size_multiplier": state.Risk.SizeMultiplier,
		},
	})

	if resp.ExecutedQty > 0 {
		if err := c.ApplyFill(ctx, trade.ID, domain.FillReport{
			ExchangeOrderID: resp.OrderID,
			CumulativeQty:   resp.ExecutedQty,
			LastPrice:       resp.AvgPrice,
			AvgPrice:        resp.AvgPrice,
			Commission:      resp.Commission,
			Time:            c.now(),
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// submitEntry places the entry market order. A filter rejection refreshes
// the filters, re-quantizes and resubmits once.
func (c *Coordinator) submitEntry(ctx context.Context, t *domain.Trade, rawQty, price float64, qty string) (*ports.OrderResponse, string, error) {
	place := func(q string) (*ports.OrderResponse, error) {
		var resp *ports.OrderResponse
		err := c.call(ctx, "PlaceMarketOrder", func(ctx context.Context) error {
			var err error
			resp, err = c.exchange.PlaceMarketOrder(ctx, ports.MarketOrder{
				Symbol:        t.Symbol,
				Side:          t.Side,
				Quantity:      q,
				ClientOrderID: t.ClientOrderID,
			})
			return err
		})
		return resp, err
	}

	resp, err := place(qty)
	if err == nil {
		return resp, qty, nil
	}
	if !errors.Is(err, ports.ErrFilterViolation) && !errors.Is(err, ports.ErrInvalidRequest) {
		return nil, qty, err
	}

	c.logger.Warn(ctx, "Entry rejected by exchange filters, re-quantizing", map[string]interface{}{
		"tradeID": t.ID, "quantity": qty, "error": err.Error(),
	})
	filters, ferr := c.RefreshFilters(ctx, t.Symbol)
	if ferr != nil {
		return nil, qty, fmt.Errorf("%w (filter refresh: %v)", err, ferr)
	}
	requantized, qerr := QuantizeQty(rawQty, price, filters)
	if qerr != nil {
		return nil, qty, qerr
	}
	retryQty := requantized.String()
	resp, err = place(retryQty)
	if err != nil {
		return nil, retryQty, err
	}
	return resp, retryQty, nil
}

func (c *Coordinator) ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var tk domain.Ticker
	err := c.call(ctx, "GetTicker", func(ctx context.Context) error {
		var err error
		tk, err = c.exchange.GetTicker(ctx, symbol)
		return err
	})
	return tk, err
}

// markError moves the trade to ERROR keeping the failure for auto-heal.
func (c *Coordinator) markError(ctx context.Context, tradeID string, cause error, msg string) {
	c.logger.Error(ctx, cause, msg, map[string]interface{}{"tradeID": tradeID})
	_, err := c.machine.Apply(ctx, tradeID, fsm.Transition{
		Event: domain.EventErrorDetected,
		Mutate: func(t *domain.Trade) error {
			t.LastError = fmt.Sprintf("%s: %v", msg, cause)
			return nil
		},
	})
	if err != nil {
		c.logger.Error(ctx, err, "Failed to record trade error", map[string]interface{}{"tradeID": tradeID})
	}
}

func clientID(tradeID, suffix string) string {
	return OwnerPrefix(tradeID) + suffix
}

func parseQty(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
