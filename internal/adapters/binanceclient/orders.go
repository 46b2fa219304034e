package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// PlaceMarketOrder places a market order. The client order id makes the
// submission idempotent on the exchange side.
func (c *Client) PlaceMarketOrder(ctx context.Context, req ports.MarketOrder) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	fields := map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity,
		"clientOrderID": req.ClientOrderID, "reduceOnly": req.ReduceOnly,
	}

	var resp *ports.OrderResponse
	if c.market == domain.MarketFutures {
		svc := c.futuresClient.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderTypeMarket).
			Quantity(req.Quantity).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		order, err := svc.Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		resp = translateFuturesOrderResponse(order)
	} else {
		svc := c.spotClient.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(binance.SideType(req.Side)).
			Type(binance.OrderTypeMarket).
			Quantity(req.Quantity).
			NewOrderRespType(binance.NewOrderRespTypeFULL)
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		order, err := svc.Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		resp = translateSpotOrderResponse(order)
	}

	fields["orderID"] = resp.OrderID
	fields["status"] = resp.Status
	fields["executedQty"] = resp.ExecutedQty
	fields["avgPrice"] = resp.AvgPrice
	c.logger.Info(ctx, op+" successful", fields)
	return resp, nil
}

// PlaceProtection places the protective orders of a position.
func (c *Client) PlaceProtection(ctx context.Context, req ports.ProtectionOrder) (domain.Protection, error) {
	if c.market == domain.MarketFutures {
		return c.placeFuturesProtection(ctx, req)
	}
	return c.placeSpotOCO(ctx, req)
}

// placeFuturesProtection submits a reduce-only STOP_MARKET and TAKE_PROFIT_MARKET
// pair triggered on the mark price. A failed take profit cancels the stop
// so no half-protected pair is left behind.
func (c *Client) placeFuturesProtection(ctx context.Context, req ports.ProtectionOrder) (domain.Protection, error) {
	op := "PlaceProtection"
	side := futures.SideType(req.Side)

	stop, err := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeStopMarket).
		Quantity(req.Quantity).
		StopPrice(req.StopPrice).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(req.ClientBase + "s").
		Do(ctx)
	if err != nil {
		return domain.Protection{}, c.handleError(ctx, err, op+" (stop)")
	}

	tp, err := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(req.Quantity).
		StopPrice(req.TakePrice).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(req.ClientBase + "t").
		Do(ctx)
	if err != nil {
		tpErr := c.handleError(ctx, err, op+" (take profit)")
		if _, cerr := c.CancelOrder(ctx, req.Symbol, stop.OrderID); cerr != nil && !errors.Is(cerr, ports.ErrOrderNotFound) {
			c.logger.Error(ctx, cerr, "Failed to roll back stop after take profit rejection", map[string]interface{}{
				"symbol": req.Symbol, "stopOrderID": stop.OrderID,
			})
		}
		return domain.Protection{}, tpErr
	}

	p := domain.Protection{StopOrderID: stop.OrderID, TPOrderID: tp.OrderID}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity,
		"stopPrice": req.StopPrice, "takePrice": req.TakePrice,
		"stopOrderID": p.StopOrderID, "tpOrderID": p.TPOrderID,
	})
	return p, nil
}

// placeSpotOCO guards a long spot position with a SELL OCO list.
// The stop leg is a STOP_LOSS_LIMIT whose limit sits a few bps past the trigger.
func (c *Client) placeSpotOCO(ctx context.Context, req ports.ProtectionOrder) (domain.Protection, error) {
	op := "PlaceProtection"
	if req.Side != domain.Sell {
		return domain.Protection{}, fmt.Errorf("%s failed: %w: spot protection only guards long positions", op, ports.ErrNotSupported)
	}
	filters, err := c.GetSymbolFilters(ctx, req.Symbol)
	if err != nil {
		return domain.Protection{}, err
	}
	limit, err := stopLimitPrice(req.StopPrice, c.stopLimitSlippageBps, filters.TickSize)
	if err != nil {
		return domain.Protection{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	res, err := c.spotClient.NewCreateOCOService().
		Symbol(req.Symbol).
		Side(binance.SideTypeSell).
		Quantity(req.Quantity).
		Price(req.TakePrice).
		StopPrice(req.StopPrice).
		StopLimitPrice(limit).
		StopLimitTimeInForce(binance.TimeInForceTypeGTC).
		ListClientOrderID(req.ClientBase).
		StopClientOrderID(req.ClientBase + "s").
		LimitClientOrderID(req.ClientBase + "t").
		Do(ctx)
	if err != nil {
		return domain.Protection{}, c.handleError(ctx, err, op+" (oco)")
	}

	p := domain.Protection{OCOListID: res.OrderListID}
	for _, o := range res.Orders {
		if o == nil {
			continue
		}
		switch {
		case strings.HasSuffix(o.ClientOrderID, "s"):
			p.StopOrderID = o.OrderID
		case strings.HasSuffix(o.ClientOrderID, "t"):
			p.TPOrderID = o.OrderID
		}
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "quantity": req.Quantity, "stopPrice": req.StopPrice,
		"stopLimitPrice": limit, "takePrice": req.TakePrice, "orderListID": p.OCOListID,
	})
	return p, nil
}

// stopLimitPrice moves a SELL stop trigger down by bps and floors it to the tick.
func stopLimitPrice(stop string, bps, tick float64) (string, error) {
	trigger, err := decimal.NewFromString(stop)
	if err != nil {
		return "", fmt.Errorf("parse stop price %q: %w", stop, err)
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(bps).Div(decimal.NewFromInt(10000)))
	price := trigger.Mul(factor)
	if tick > 0 {
		t := decimal.NewFromFloat(tick)
		price = price.Div(t).Floor().Mul(t)
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("stop limit price %s not positive", price)
	}
	return price.String(), nil
}

// CancelOrder cancels an existing open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	var resp *ports.OrderResponse
	if c.market == domain.MarketFutures {
		res, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		resp = &ports.OrderResponse{
			OrderID:       res.OrderID,
			Symbol:        res.Symbol,
			ClientOrderID: res.ClientOrderID,
			Price:         parseFloat(res.Price),
			OrigQuantity:  parseFloat(res.OrigQuantity),
			ExecutedQty:   parseFloat(res.ExecutedQuantity),
			Status:        string(res.Status),
			Type:          string(res.Type),
			Side:          string(res.Side),
			Timestamp:     msTime(res.UpdateTime),
		}
	} else {
		res, err := c.spotClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		resp = &ports.OrderResponse{
			OrderID:       res.OrderID,
			OrderListID:   res.OrderListID,
			Symbol:        res.Symbol,
			ClientOrderID: res.ClientOrderID,
			Price:         parseFloat(res.Price),
			OrigQuantity:  parseFloat(res.OrigQuantity),
			ExecutedQty:   parseFloat(res.ExecutedQuantity),
			Status:        string(res.Status),
			Type:          string(res.Type),
			Side:          string(res.Side),
			Timestamp:     msTime(res.TransactTime),
		}
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// CancelProtection cancels every leg referenced by p. Legs already gone are skipped.
func (c *Client) CancelProtection(ctx context.Context, symbol string, p domain.Protection) error {
	op := "CancelProtection"
	if p.Empty() {
		return nil
	}
	if c.market == domain.MarketSpot && p.OCOListID != 0 {
		_, err := c.spotClient.NewCancelOCOService().Symbol(symbol).OrderListID(p.OCOListID).Do(ctx)
		if err != nil {
			if mapped := c.handleError(ctx, err, op); !errors.Is(mapped, ports.ErrOrderNotFound) {
				return mapped
			}
		}
		return nil
	}

	var errs []error
	for _, id := range p.OrderIDs() {
		if _, err := c.CancelOrder(ctx, symbol, id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetOpenOrders lists open orders for one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	op := "GetOpenOrders"
	var out []domain.ExchangeOrder
	if c.market == domain.MarketFutures {
		orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		for _, o := range orders {
			if o != nil {
				out = append(out, translateFuturesOrder(o))
			}
		}
		return out, nil
	}
	orders, err := c.spotClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, o := range orders {
		if o != nil {
			out = append(out, translateSpotOrder(o))
		}
	}
	return out, nil
}

// GetPositions lists non-zero positions for the given symbols.
// Spot holdings of a symbol's base asset are reported as long positions.
func (c *Client) GetPositions(ctx context.Context, symbols []string) ([]domain.ExchangePosition, error) {
	op := "GetPositions"
	var out []domain.ExchangePosition
	if c.market == domain.MarketFutures {
		for _, symbol := range symbols {
			positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			for _, p := range positions {
				if pos, ok := translatePositionRisk(p); ok {
					out = append(out, pos)
				}
			}
		}
		return out, nil
	}

	balances, err := c.spotBalances(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, symbol := range symbols {
		f, err := c.GetSymbolFilters(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if qty := balances[f.BaseAsset]; qty > 0 {
			out = append(out, domain.ExchangePosition{Symbol: symbol, Side: domain.Buy, Quantity: qty, Leverage: 1})
		}
	}
	return out, nil
}
