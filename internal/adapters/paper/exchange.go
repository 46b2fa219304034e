// Package paper is an in-process exchange that fills market orders at the
// current quote and keeps protective orders resting until the price crosses
// them. It is used for dry runs and as the exchange in tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// MarketData supplies candles when the paper exchange runs against live prices.
type MarketData interface {
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (chan struct{}, chan struct{}, error)
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)
}

type restingOrder struct {
	domain.ExchangeOrder
	listID  int64
	sibling int64
	stop    bool // stop leg triggers on adverse moves, take-profit leg on favorable ones
}

type position struct {
	qty   float64 // signed: positive long, negative short
	entry float64
}

// Exchange is a deterministic simulated exchange. Safe for concurrent use.
type Exchange struct {
	mu        sync.Mutex
	market    domain.MarketType
	quote     string
	balance   float64
	feeBps    float64
	tickers   map[string]domain.Ticker
	filters   map[string]domain.SymbolFilters
	orders    map[int64]*restingOrder
	positions map[string]*position
	leverage  map[string]int
	nextID    int64
	handlers  []ports.ExecutionReportHandler
	failures  map[string][]error
	calls     map[string]int
	feed      MarketData
	now       func() time.Time

	// PartialFill, when in (0,1), fills only that fraction of a market entry
	// immediately; the rest fills on CompletePending.
	PartialFill float64
}

// New creates a paper exchange holding balance of quote.
func New(market domain.MarketType, quote string, balance float64, feeBps float64) *Exchange {
	return &Exchange{
		market:    market,
		quote:     quote,
		balance:   balance,
		feeBps:    feeBps,
		tickers:   make(map[string]domain.Ticker),
		filters:   make(map[string]domain.SymbolFilters),
		orders:    make(map[int64]*restingOrder),
		positions: make(map[string]*position),
		leverage:  make(map[string]int),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		nextID:    1000,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock stamps quotes, fills and order updates with now instead of the
// wall clock.
func (e *Exchange) WithClock(now func() time.Time) *Exchange {
	e.now = now
	return e
}

// WithMarketData routes candle requests to feed and marks prices from its closes.
func (e *Exchange) WithMarketData(feed MarketData) *Exchange {
	e.feed = feed
	return e
}

// FailNext queues errs to be returned by the next calls of op (method name).
func (e *Exchange) FailNext(op string, errs ...error) {
	e.mu.Lock()
	e.failures[op] = append(e.failures[op], errs...)
	e.mu.Unlock()
}

// Calls returns how many times op was called.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if q := e.failures[op]; len(q) > 0 {
		err := q[0]
		e.failures[op] = q[1:]
		return err
	}
	return nil
}

// SetFilters sets the precision filters of symbol.
func (e *Exchange) SetFilters(f domain.SymbolFilters) {
	e.mu.Lock()
	e.filters[f.Symbol] = f
	e.mu.Unlock()
}

// SetQuote sets the best bid/ask of symbol without triggering resting orders.
func (e *Exchange) SetQuote(symbol string, bid, ask float64) {
	e.mu.Lock()
	e.tickers[symbol] = domain.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Time: e.now()}
	e.mu.Unlock()
}

// SetPrice moves symbol to price with a one-tick spread and triggers any
// protective order the move crosses.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	tick := e.filtersLocked(symbol).TickSize
	e.tickers[symbol] = domain.Ticker{Symbol: symbol, Bid: price, Ask: price + tick, Time: e.now()}
	reports := e.triggerLocked(symbol, price)
	handlers := append([]ports.ExecutionReportHandler(nil), e.handlers...)
	e.mu.Unlock()
	for _, r := range reports {
		for _, h := range handlers {
			h(r)
		}
	}
}

// InjectOrder adds an open order the bot did not place.
func (e *Exchange) InjectOrder(o domain.ExchangeOrder) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.OrderID == 0 {
		o.OrderID = e.id()
	}
	if o.Status == "" {
		o.Status = "NEW"
	}
	e.orders[o.OrderID] = &restingOrder{ExchangeOrder: o}
	return o.OrderID
}

// InjectPosition sets a position directly. A zero qty removes it.
func (e *Exchange) InjectPosition(symbol string, side domain.OrderSide, qty, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if qty == 0 {
		delete(e.positions, symbol)
		return
	}
	e.positions[symbol] = &position{qty: qty * side.Sign(), entry: entry}
}

func (e *Exchange) id() int64 {
	e.nextID++
	return e.nextID
}

func (e *Exchange) filtersLocked(symbol string) domain.SymbolFilters {
	if f, ok := e.filters[symbol]; ok {
		return f
	}
	base := strings.TrimSuffix(symbol, e.quote)
	return domain.SymbolFilters{Symbol: symbol, BaseAsset: base, QuoteAsset: e.quote, StepSize: 0.001, MinQty: 0.001, TickSize: 0.01, MinNotional: 5}
}

func (e *Exchange) Market() domain.MarketType { return e.market }

func (e *Exchange) SetServerTime(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("SetServerTime")
}

func (e *Exchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetAccountBalance"); err != nil {
		return 0, err
	}
	if asset == e.quote {
		return e.balance, nil
	}
	if p, ok := e.positions[asset+e.quote]; ok && p.qty > 0 {
		return p.qty, nil
	}
	return 0, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if e.market == domain.MarketSpot {
		return fmt.Errorf("set leverage: %w", ports.ErrNotSupported)
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTicker"); err != nil {
		return domain.Ticker{}, err
	}
	t, ok := e.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, ports.ErrNotFound)
	}
	return t, nil
}

func (e *Exchange) GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetSymbolFilters"); err != nil {
		return domain.SymbolFilters{}, err
	}
	return e.filtersLocked(symbol), nil
}

func (e *Exchange) checkQty(symbol string, qty, price float64) error {
	f := e.filtersLocked(symbol)
	d := decimal.NewFromFloat(qty)
	if f.StepSize > 0 && !d.Mod(decimal.NewFromFloat(f.StepSize)).IsZero() {
		return fmt.Errorf("%w: quantity %v is not a multiple of step %v", ports.ErrFilterViolation, qty, f.StepSize)
	}
	if qty < f.MinQty {
		return fmt.Errorf("%w: quantity %v below min %v", ports.ErrFilterViolation, qty, f.MinQty)
	}
	if f.MinNotional > 0 && qty*price < f.MinNotional {
		return fmt.Errorf("%w: notional %v below min %v", ports.ErrFilterViolation, qty*price, f.MinNotional)
	}
	return nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, req ports.MarketOrder) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("PlaceMarketOrder"); err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, fmt.Errorf("place market order: %w: quantity %q", ports.ErrInvalidRequest, req.Quantity)
	}
	tk, ok := e.tickers[req.Symbol]
	if !ok || tk.Mid() == 0 {
		return nil, fmt.Errorf("place market order: %w: no quote for %s", ports.ErrExchangeUnavailable, req.Symbol)
	}
	price := tk.Ask
	if req.Side == domain.Sell {
		price = tk.Bid
	}
	q := qty.InexactFloat64()
	if err := e.checkQty(req.Symbol, q, price); err != nil {
		return nil, err
	}
	if req.ReduceOnly {
		p := e.positions[req.Symbol]
		if p == nil || p.qty*req.Side.Sign() >= 0 {
			return nil, fmt.Errorf("place market order: %w: reduce-only order would open a position", ports.ErrInvalidRequest)
		}
	}

	fillQty := q
	status := "FILLED"
	if e.PartialFill > 0 && e.PartialFill < 1 && !req.ReduceOnly && e.reducesLocked(req.Symbol, req.Side) == 0 {
		fillQty = decimal.NewFromFloat(q * e.PartialFill).Truncate(8).InexactFloat64()
		status = "PARTIALLY_FILLED"
	}
	commission := e.applyFillLocked(req.Symbol, req.Side, fillQty, price)
	id := e.id()
	if status != "FILLED" {
		e.orders[id] = &restingOrder{ExchangeOrder: domain.ExchangeOrder{
			Symbol: req.Symbol, OrderID: id, ClientOrderID: req.ClientOrderID, Side: req.Side,
			Type: "MARKET", OrigQty: q, ExecutedQty: fillQty, AvgPrice: price, Status: status, UpdatedAt: e.now(),
		}}
	}
	return &ports.OrderResponse{
		OrderID:       id,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		AvgPrice:      price,
		OrigQuantity:  q,
		ExecutedQty:   fillQty,
		Commission:    commission,
		Status:        status,
		Type:          "MARKET",
		Side:          string(req.Side),
		Timestamp:     e.now(),
	}, nil
}

// reducesLocked returns the position size an order on side would reduce.
func (e *Exchange) reducesLocked(symbol string, side domain.OrderSide) float64 {
	p := e.positions[symbol]
	if p == nil || p.qty*side.Sign() >= 0 {
		return 0
	}
	return math.Abs(p.qty)
}

// applyFillLocked books a fill against the position and balance and returns the commission.
func (e *Exchange) applyFillLocked(symbol string, side domain.OrderSide, qty, price float64) float64 {
	commission := qty * price * e.feeBps / 10000
	p := e.positions[symbol]
	if p == nil {
		p = &position{}
		e.positions[symbol] = p
	}
	signed := qty * side.Sign()
	switch {
	case p.qty == 0 || p.qty*signed > 0:
		total := math.Abs(p.qty) + qty
		p.entry = (p.entry*math.Abs(p.qty) + price*qty) / total
		p.qty += signed
		if e.market == domain.MarketSpot {
			e.balance -= qty * price
		}
	default:
		closing := math.Min(qty, math.Abs(p.qty))
		pnl := (price - p.entry) * closing
		if p.qty < 0 {
			pnl = -pnl
		}
		if e.market == domain.MarketSpot {
			e.balance += closing * price
		} else {
			e.balance += pnl
		}
		p.qty += signed
		if math.Abs(p.qty) < 1e-12 {
			delete(e.positions, symbol)
		}
	}
	e.balance -= commission
	return commission
}

// CompletePending fills the rest of every partially filled market order on
// symbol and delivers the execution reports.
func (e *Exchange) CompletePending(symbol string) {
	e.mu.Lock()
	var reports []*ports.ExecutionReport
	for id, o := range e.orders {
		if o.Symbol != symbol || o.Type != "MARKET" {
			continue
		}
		rest := o.OrigQty - o.ExecutedQty
		commission := e.applyFillLocked(symbol, o.Side, rest, o.AvgPrice)
		reports = append(reports, &ports.ExecutionReport{
			Symbol: symbol, OrderID: id, ClientOrderID: o.ClientOrderID, Side: o.Side, Status: "FILLED",
			CumulativeQty: o.OrigQty, LastQty: rest, LastPrice: o.AvgPrice, AvgPrice: o.AvgPrice,
			Commission: commission, Time: e.now(),
		})
		delete(e.orders, id)
	}
	handlers := append([]ports.ExecutionReportHandler(nil), e.handlers...)
	e.mu.Unlock()
	for _, r := range reports {
		for _, h := range handlers {
			h(r)
		}
	}
}

func (e *Exchange) PlaceProtection(ctx context.Context, req ports.ProtectionOrder) (domain.Protection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("PlaceProtection"); err != nil {
		return domain.Protection{}, err
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return domain.Protection{}, fmt.Errorf("place protection: %w: quantity %q", ports.ErrInvalidRequest, req.Quantity)
	}
	stop, err1 := decimal.NewFromString(req.StopPrice)
	take, err2 := decimal.NewFromString(req.TakePrice)
	if err1 != nil || err2 != nil {
		return domain.Protection{}, fmt.Errorf("place protection: %w: prices %q/%q", ports.ErrInvalidRequest, req.StopPrice, req.TakePrice)
	}
	q := qty.InexactFloat64()
	now := e.now()
	stopID, tpID := e.id(), e.id()
	var listID int64
	if e.market == domain.MarketSpot {
		listID = e.id()
	}
	e.orders[stopID] = &restingOrder{
		ExchangeOrder: domain.ExchangeOrder{Symbol: req.Symbol, OrderID: stopID, ClientOrderID: req.ClientBase + "s", Side: req.Side,
			Type: "STOP_MARKET", StopPrice: stop.InexactFloat64(), OrigQty: q, Status: "NEW", ReduceOnly: true, UpdatedAt: now},
		listID: listID, sibling: tpID, stop: true,
	}
	e.orders[tpID] = &restingOrder{
		ExchangeOrder: domain.ExchangeOrder{Symbol: req.Symbol, OrderID: tpID, ClientOrderID: req.ClientBase + "t", Side: req.Side,
			Type: "TAKE_PROFIT_MARKET", StopPrice: take.InexactFloat64(), OrigQty: q, Status: "NEW", ReduceOnly: true, UpdatedAt: now},
		listID: listID, sibling: stopID,
	}
	if e.market == domain.MarketSpot {
		return domain.Protection{OCOListID: listID, StopOrderID: stopID, TPOrderID: tpID}, nil
	}
	return domain.Protection{StopOrderID: stopID, TPOrderID: tpID}, nil
}

// triggerLocked fills resting protective orders crossed by price.
func (e *Exchange) triggerLocked(symbol string, price float64) []*ports.ExecutionReport {
	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var reports []*ports.ExecutionReport
	for _, id := range ids {
		o, ok := e.orders[id]
		if !ok || o.Symbol != symbol || o.StopPrice == 0 {
			continue
		}
		// A SELL leg protects a long: stop below, target above.
		crossed := false
		longSide := o.Side == domain.Sell
		switch {
		case o.stop && longSide:
			crossed = price <= o.StopPrice
		case o.stop:
			crossed = price >= o.StopPrice
		case longSide:
			crossed = price >= o.StopPrice
		default:
			crossed = price <= o.StopPrice
		}
		if !crossed {
			continue
		}
		qty := math.Min(o.OrigQty, e.reducesLocked(symbol, o.Side))
		delete(e.orders, id)
		delete(e.orders, o.sibling)
		if qty <= 0 {
			continue
		}
		commission := e.applyFillLocked(symbol, o.Side, qty, price)
		reports = append(reports, &ports.ExecutionReport{
			Symbol: symbol, OrderID: id, ClientOrderID: o.ClientOrderID, Side: o.Side, Status: "FILLED",
			CumulativeQty: qty, LastQty: qty, LastPrice: price, AvgPrice: price, Commission: commission, Time: e.now(),
		})
	}
	return reports
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder"); err != nil {
		return nil, err
	}
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, ports.ErrOrderNotFound)
	}
	delete(e.orders, orderID)
	return &ports.OrderResponse{
		OrderID: orderID, Symbol: symbol, ClientOrderID: o.ClientOrderID, OrigQuantity: o.OrigQty,
		ExecutedQty: o.ExecutedQty, Status: "CANCELED", Type: o.Type, Side: string(o.Side), Timestamp: e.now(),
	}, nil
}

func (e *Exchange) CancelProtection(ctx context.Context, symbol string, p domain.Protection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelProtection"); err != nil {
		return err
	}
	for _, id := range p.OrderIDs() {
		if o, ok := e.orders[id]; ok && o.Symbol == symbol {
			delete(e.orders, id)
		}
	}
	return nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []domain.ExchangeOrder
	for _, o := range e.orders {
		if o.Symbol == symbol {
			out = append(out, o.ExchangeOrder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (e *Exchange) GetPositions(ctx context.Context, symbols []string) ([]domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetPositions"); err != nil {
		return nil, err
	}
	var out []domain.ExchangePosition
	for _, s := range symbols {
		p, ok := e.positions[s]
		if !ok || p.qty == 0 {
			continue
		}
		side := domain.Buy
		if p.qty < 0 {
			side = domain.Sell
		}
		out = append(out, domain.ExchangePosition{
			Symbol: s, Side: side, Quantity: math.Abs(p.qty), EntryPrice: p.entry,
			MarkPrice: e.tickers[s].Mid(), Leverage: e.leverage[s],
		})
	}
	return out, nil
}

func (e *Exchange) StreamExecutionReports(ctx context.Context, handler ports.ExecutionReportHandler, errHandler func(err error)) (chan struct{}, error) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return done, nil
}

func (e *Exchange) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	if e.feed == nil {
		return nil, nil, fmt.Errorf("stream klines: %w: paper exchange has no market data feed", ports.ErrNotSupported)
	}
	return e.feed.StreamKlines(ctx, symbol, interval, func(k *domain.Kline) {
		e.SetPrice(k.Symbol, k.Close)
		handler(k)
	}, errHandler)
}

func (e *Exchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	if e.feed == nil {
		return nil, fmt.Errorf("get klines: %w: paper exchange has no market data feed", ports.ErrNotSupported)
	}
	return e.feed.GetKlines(ctx, symbol, interval, limit)
}
