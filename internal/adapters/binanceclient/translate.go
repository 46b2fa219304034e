package binanceclient

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseTicker(symbol, bid, ask string, at time.Time) (domain.Ticker, error) {
	b, err := strconv.ParseFloat(bid, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("parse bid %q: %w", bid, err)
	}
	a, err := strconv.ParseFloat(ask, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("parse ask %q: %w", ask, err)
	}
	return domain.Ticker{Symbol: symbol, Bid: b, Ask: a, Time: at}, nil
}

// parseFilters reads the exchangeInfo filter list of one symbol.
// Futures report the notional floor as "notional", spot as "minNotional".
func parseFilters(symbol, base, quote string, filters []map[string]interface{}) domain.SymbolFilters {
	out := domain.SymbolFilters{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
	str := func(f map[string]interface{}, key string) float64 {
		s, _ := f[key].(string)
		return parseFloat(s)
	}
	for _, f := range filters {
		ft, _ := f["filterType"].(string)
		switch ft {
		case "PRICE_FILTER":
			out.TickSize = str(f, "tickSize")
		case "LOT_SIZE":
			out.StepSize = str(f, "stepSize")
			out.MinQty = str(f, "minQty")
			out.MaxQty = str(f, "maxQty")
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := str(f, "notional"); v > 0 {
				out.MinNotional = v
			} else if v := str(f, "minNotional"); v > 0 {
				out.MinNotional = v
			}
		}
	}
	return out
}

type rawKline struct {
	openTime, closeTime             int64
	open, high, low, closeP, volume string
}

func (r rawKline) translate(symbol, interval string) (*domain.Kline, error) {
	var err error
	k := &domain.Kline{
		OpenTime:  msTime(r.openTime),
		CloseTime: msTime(r.closeTime),
		Symbol:    symbol,
		Interval:  interval,
	}
	for _, p := range []struct {
		dst *float64
		src string
		nm  string
	}{
		{&k.Open, r.open, "open"},
		{&k.High, r.high, "high"},
		{&k.Low, r.low, "low"},
		{&k.Close, r.closeP, "close"},
		{&k.Volume, r.volume, "volume"},
	} {
		if *p.dst, err = strconv.ParseFloat(p.src, 64); err != nil {
			return nil, fmt.Errorf("failed to parse %s price '%s': %w", p.nm, p.src, err)
		}
	}
	return k, nil
}

func translateFuturesWsKline(event *futures.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, fmt.Errorf("received nil kline event")
	}
	k := event.Kline
	dk, err := rawKline{k.StartTime, k.EndTime, k.Open, k.High, k.Low, k.Close, k.Volume}.translate(event.Symbol, k.Interval)
	if err != nil {
		return nil, err
	}
	dk.IsFinal = k.IsFinal
	return dk, nil
}

func translateSpotWsKline(event *binance.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, fmt.Errorf("received nil kline event")
	}
	k := event.Kline
	dk, err := rawKline{k.StartTime, k.EndTime, k.Open, k.High, k.Low, k.Close, k.Volume}.translate(event.Symbol, k.Interval)
	if err != nil {
		return nil, err
	}
	dk.IsFinal = k.IsFinal
	return dk, nil
}

func translateFuturesOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         parseFloat(order.Price),
		AvgPrice:      parseFloat(order.AvgPrice),
		OrigQuantity:  parseFloat(order.OrigQuantity),
		ExecutedQty:   parseFloat(order.ExecutedQuantity),
		Status:        string(order.Status),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     msTime(order.UpdateTime),
	}
}

// translateSpotOrderResponse derives the average fill price from the quote
// quantity and sums the commission of the FULL response fills.
func translateSpotOrderResponse(order *binance.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	executed := parseFloat(order.ExecutedQuantity)
	var avg, commission float64
	if executed > 0 {
		avg = parseFloat(order.CummulativeQuoteQuantity) / executed
	}
	for _, f := range order.Fills {
		if f != nil {
			commission += parseFloat(f.Commission)
		}
	}
	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         parseFloat(order.Price),
		AvgPrice:      avg,
		OrigQuantity:  parseFloat(order.OrigQuantity),
		ExecutedQty:   executed,
		Commission:    commission,
		Status:        string(order.Status),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     msTime(order.TransactTime),
	}
}

func translateFuturesOrder(o *futures.Order) domain.ExchangeOrder {
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return domain.ExchangeOrder{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          domain.OrderSide(o.Side),
		Type:          string(o.Type),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		Status:        string(o.Status),
		ReduceOnly:    o.ReduceOnly,
		UpdatedAt:     msTime(updated),
	}
}

func translateSpotOrder(o *binance.Order) domain.ExchangeOrder {
	executed := parseFloat(o.ExecutedQuantity)
	var avg float64
	if executed > 0 {
		avg = parseFloat(o.CummulativeQuoteQuantity) / executed
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return domain.ExchangeOrder{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          domain.OrderSide(o.Side),
		Type:          string(o.Type),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   executed,
		AvgPrice:      avg,
		Status:        string(o.Status),
		// Spot orders that belong to an OCO list are protective legs.
		ReduceOnly: o.OrderListId != -1 && o.OrderListId != 0,
		UpdatedAt:  msTime(updated),
	}
}

// translatePositionRisk returns false for flat positions.
func translatePositionRisk(pos *futures.PositionRisk) (domain.ExchangePosition, bool) {
	if pos == nil {
		return domain.ExchangePosition{}, false
	}
	amt := parseFloat(pos.PositionAmt)
	if amt == 0 {
		return domain.ExchangePosition{}, false
	}
	side := domain.Buy
	if amt < 0 {
		side = domain.Sell
		amt = -amt
	}
	leverage, _ := strconv.Atoi(pos.Leverage)
	return domain.ExchangePosition{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   amt,
		EntryPrice: parseFloat(pos.EntryPrice),
		MarkPrice:  parseFloat(pos.MarkPrice),
		Leverage:   leverage,
	}, true
}

// translateOrderTradeUpdate converts a futures ORDER_TRADE_UPDATE payload.
func translateOrderTradeUpdate(u futures.WsOrderTradeUpdate, eventTime int64) *ports.ExecutionReport {
	at := u.TradeTime
	if at == 0 {
		at = eventTime
	}
	return &ports.ExecutionReport{
		Symbol:        u.Symbol,
		OrderID:       u.ID,
		ClientOrderID: u.ClientOrderID,
		Side:          domain.OrderSide(u.Side),
		Status:        string(u.Status),
		CumulativeQty: parseFloat(u.AccumulatedFilledQty),
		LastQty:       parseFloat(u.LastFilledQty),
		LastPrice:     parseFloat(u.LastFilledPrice),
		AvgPrice:      parseFloat(u.AveragePrice),
		Commission:    parseFloat(u.Commission),
		Time:          msTime(at),
	}
}
