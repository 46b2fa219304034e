package execution

import (
	"context"
	"fmt"
	"strconv"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/telemetry"
)

const qtyEpsilon = 1e-9

// ApplyFill merges an entry fill report. Reports carry the cumulative filled
// quantity, so exact duplicates and stale reports are no-ops. Reaching the
// full position size places the protective orders.
func (c *Coordinator) ApplyFill(ctx context.Context, tradeID string, fill domain.FillReport) error {
	var filled bool
	err := c.machine.Do(ctx, tradeID, func(tx *fsm.Tx) error {
		t := tx.Trade()
		orderID := fill.ExchangeOrderID
		if orderID == 0 {
			orderID = t.EntryOrderID
		}
		if t.EntryOrderID != 0 && orderID != t.EntryOrderID {
			return nil
		}
		cum := fill.CumulativeQty
		if cum > t.PositionSize+qtyEpsilon {
			c.logger.Warn(ctx, "Fill exceeds position size, clamping", map[string]interface{}{
				"tradeID": t.ID, "cumulative": cum, "positionSize": t.PositionSize,
			})
			cum = t.PositionSize
		}
		if cum <= t.FilledSize+qtyEpsilon {
			return nil
		}
		if t.State != domain.StateOpenPending && t.State != domain.StatePartial {
			c.logger.Warn(ctx, "Fill for a trade past its opening states ignored", map[string]interface{}{
				"tradeID": t.ID, "state": t.State, "cumulative": cum,
			})
			return nil
		}

		delta := cum - t.FilledSize
		avg := fill.AvgPrice
		if avg <= 0 {
			last := fill.LastPrice
			if last <= 0 {
				last = t.SignalPrice
			}
			avg = (t.EntryPrice*t.FilledSize + last*delta) / cum
		}
		price := fill.LastPrice
		if price <= 0 {
			price = avg
		}
		event := domain.EventFillPartial
		if cum >= t.PositionSize-qtyEpsilon {
			event = domain.EventFillFull
		}
		res, err := tx.Fire(fsm.Transition{
			Event:           event,
			Quantity:        delta,
			Price:           price,
			Commission:      fill.Commission,
			ExchangeOrderID: orderID,
			DedupKey:        fmt.Sprintf("fill:%d:%s", orderID, strconv.FormatFloat(cum, 'f', -1, 64)),
			At:              fill.Time,
			Mutate: func(t *domain.Trade) error {
				t.FilledSize = cum
				t.RemainingSize = cum
				t.EntryPrice = avg
				return nil
			},
		})
		if err != nil {
			return err
		}
		if res.Applied && event == domain.EventFillFull {
			filled = true
			if c.sampler != nil {
				c.sampler.RecordSlippage(ctx, t.Symbol, t.ID, t.Side, t.SignalPrice, avg, c.now())
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply fill to %s failed: %w", tradeID, err)
	}
	if filled {
		return c.Protect(ctx, tradeID)
	}
	return nil
}

// Protect places the protective orders of an OPEN trade and drives
// protection_set. A failure leaves the position unprotected, so the trade is
// moved to ERROR and auto-healed.
func (c *Coordinator) Protect(ctx context.Context, tradeID string) error {
	t, ok := c.machine.Get(tradeID)
	if !ok {
		return fmt.Errorf("protect %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	if t.State != domain.StateOpen {
		return nil
	}
	prot, err := c.placeProtection(ctx, t, t.StopLoss, t.TakeProfit, t.RemainingSize)
	if err == nil {
		_, err = c.machine.Apply(ctx, tradeID, fsm.Transition{
			Event:    domain.EventProtectionSet,
			DedupKey: "protect:" + tradeID,
			Mutate: func(t *domain.Trade) error {
				t.Protection = prot
				return nil
			},
		})
		if err != nil {
			return err
		}
		c.logger.Info(ctx, "Protection placed", map[string]interface{}{
			"tradeID": tradeID, "stop": t.StopLoss, "takeProfit": t.TakeProfit,
		})
		return nil
	}

	c.emitter.Emit(ctx, telemetry.Event{
		Name:     telemetry.ProtectionFailed,
		Symbol:   t.Symbol,
		TradeID:  t.ID,
		Severity: domain.SeverityCritical,
		Payload:  map[string]interface{}{"error": err.Error()},
	})
	c.markError(ctx, tradeID, err, "protective orders failed")
	if healErr := c.AutoHeal(ctx, tradeID); healErr != nil {
		return fmt.Errorf("protect %s failed: %w (auto-heal: %v)", tradeID, err, healErr)
	}
	return fmt.Errorf("protect %s failed, position closed: %w", tradeID, err)
}

func (c *Coordinator) placeProtection(ctx context.Context, t *domain.Trade, stop, tp, qty float64) (domain.Protection, error) {
	filters, err := c.Filters(ctx, t.Symbol)
	if err != nil {
		return domain.Protection{}, err
	}
	q := FloorToStep(qty, filters.StepSize)
	if !q.IsPositive() {
		return domain.Protection{}, fmt.Errorf("%w: protective quantity %v rounds to zero", ports.ErrFilterViolation, qty)
	}
	req := ports.ProtectionOrder{
		Symbol:     t.Symbol,
		Side:       t.Side.Opposite(),
		Quantity:   q.String(),
		StopPrice:  FormatPrice(stop, filters),
		TakePrice:  FormatPrice(tp, filters),
		ClientBase: clientID(t.ID, "p"),
	}
	var prot domain.Protection
	err = c.call(ctx, "PlaceProtection", func(ctx context.Context) error {
		var err error
		prot, err = c.exchange.PlaceProtection(ctx, req)
		return err
	})
	return prot, err
}

func (c *Coordinator) cancelProtection(ctx context.Context, t *domain.Trade) error {
	if t.Protection.Empty() {
		return nil
	}
	return c.call(ctx, "CancelProtection", func(ctx context.Context) error {
		return c.exchange.CancelProtection(ctx, t.Symbol, t.Protection)
	})
}

// swapProtection replaces the protective orders. On futures the new pair is
// placed before the old one is cancelled; spot OCO legs lock the balance, so
// the old list is cancelled first.
func (c *Coordinator) swapProtection(ctx context.Context, t *domain.Trade, stop, tp, qty float64) (domain.Protection, error) {
	if t.Market == domain.MarketFutures {
		prot, err := c.placeProtection(ctx, t, stop, tp, qty)
		if err != nil {
			return domain.Protection{}, err
		}
		if err := c.cancelProtection(ctx, t); err != nil {
			c.logger.Warn(ctx, "Old protective orders not cancelled; reconciliation will retry", map[string]interface{}{
				"tradeID": t.ID, "error": err.Error(),
			})
		}
		return prot, nil
	}
	if err := c.cancelProtection(ctx, t); err != nil {
		return domain.Protection{}, err
	}
	return c.placeProtection(ctx, t, stop, tp, qty)
}

// HandleReport routes an order update from the user-data stream. Entry fills
// are merged; a filled protective leg means the exchange closed the position.
// Reports for unknown orders are left to reconciliation.
func (c *Coordinator) HandleReport(ctx context.Context, r *ports.ExecutionReport) error {
	for _, t := range c.machine.Open(r.Symbol) {
		isEntry := (t.EntryOrderID != 0 && r.OrderID == t.EntryOrderID) ||
			(t.EntryOrderID == 0 && r.ClientOrderID != "" && r.ClientOrderID == t.ClientOrderID)
		if isEntry {
			if r.CumulativeQty <= 0 {
				return nil
			}
			return c.ApplyFill(ctx, t.ID, domain.FillReport{
				ExchangeOrderID: r.OrderID,
				CumulativeQty:   r.CumulativeQty,
				LastPrice:       r.LastPrice,
				AvgPrice:        r.AvgPrice,
				Commission:      r.Commission,
				Time:            r.Time,
			})
		}
		if r.Status != "FILLED" || r.OrderID == 0 {
			continue
		}
		switch r.OrderID {
		case t.Protection.StopOrderID:
			return c.protectionFilled(ctx, t, r, domain.CloseReasonStopLoss)
		case t.Protection.TPOrderID:
			return c.protectionFilled(ctx, t, r, domain.CloseReasonTakeProfit)
		}
	}
	return nil
}

func (c *Coordinator) protectionFilled(ctx context.Context, t *domain.Trade, r *ports.ExecutionReport, reason domain.CloseReason) error {
	res, err := c.machine.Apply(ctx, t.ID, fsm.Transition{
		Event:           domain.EventCloseSubmit,
		ExchangeOrderID: r.OrderID,
		DedupKey:        fmt.Sprintf("protect-fill:%d", r.OrderID),
		Mutate: func(tr *domain.Trade) error {
			tr.CloseReason = reason
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("close %s on protective fill failed: %w", t.ID, err)
	}
	if !res.Applied {
		return nil
	}
	// The sibling leg is cancelled by the exchange for OCO lists; futures legs are independent.
	if err := c.cancelProtection(ctx, res.Trade); err != nil {
		c.logger.Warn(ctx, "Remaining protective leg not cancelled; reconciliation will retry", map[string]interface{}{
			"tradeID": t.ID, "error": err.Error(),
		})
	}
	price := r.AvgPrice
	if price <= 0 {
		price = r.LastPrice
	}
	if price <= 0 {
		price = c.markPrice(ctx, res.Trade)
	}
	return c.finishClose(ctx, res.Trade, price, r.Commission, r.OrderID)
}
