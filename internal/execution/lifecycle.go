package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/telemetry"
)

// Close closes every open trade on symbol: held positions are sold back,
// unfilled entries are cancelled and trades in ERROR are auto-healed. It
// reports whether anything was closed.
func (c *Coordinator) Close(ctx context.Context, symbol string, reason domain.CloseReason) (bool, error) {
	var closed bool
	var errs []error
	for _, t := range c.machine.Open(symbol) {
		var err error
		switch {
		case t.State == domain.StateError:
			err = c.AutoHeal(ctx, t.ID)
		case t.State == domain.StateSubmitting || t.State == domain.StateOpenPending:
			err = c.CancelEntry(ctx, t.ID, reason)
		case fsm.Allowed(t.State, domain.EventCloseSubmit):
			err = c.CloseTrade(ctx, t.ID, reason)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = true
	}
	return closed, errors.Join(errs...)
}

// CloseTrade market-closes the trade's remaining size.
func (c *Coordinator) CloseTrade(ctx context.Context, tradeID string, reason domain.CloseReason) error {
	if t, ok := c.machine.Get(tradeID); ok && t.State == domain.StatePartial {
		if err := c.cancelEntryRemainder(ctx, t); err != nil {
			return fmt.Errorf("close %s failed: %w", tradeID, err)
		}
	}
	res, err := c.machine.Apply(ctx, tradeID, fsm.Transition{
		Event: domain.EventCloseSubmit,
		Mutate: func(t *domain.Trade) error {
			t.CloseReason = reason
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("close %s failed: %w", tradeID, err)
	}
	return c.completeClose(ctx, res.Trade, 0)
}

// completeClose finishes a trade already in CLOSING: cancels protection,
// sells back heldQty (RemainingSize when zero) and drives close_fill.
func (c *Coordinator) completeClose(ctx context.Context, t *domain.Trade, heldQty float64) error {
	if err := c.cancelProtection(ctx, t); err != nil {
		c.logger.Warn(ctx, "Protective orders not cancelled before close; reconciliation will retry", map[string]interface{}{
			"tradeID": t.ID, "error": err.Error(),
		})
	}

	qty := heldQty
	if qty <= 0 {
		qty = t.RemainingSize
	}
	exitPrice, commission := 0.0, 0.0
	var orderID int64
	if qty > qtyEpsilon {
		resp, err := c.marketReduce(ctx, t, qty, "x")
		if err != nil {
			c.markError(ctx, t.ID, err, "closing order failed")
			return fmt.Errorf("close %s failed: %w", t.ID, err)
		}
		exitPrice, commission, orderID = resp.AvgPrice, resp.Commission, resp.OrderID
	}
	if exitPrice <= 0 {
		exitPrice = c.markPrice(ctx, t)
	}
	return c.finishClose(ctx, t, exitPrice, commission, orderID)
}

// finishClose drives close_fill, settling PnL at exitPrice for the remaining size.
func (c *Coordinator) finishClose(ctx context.Context, t *domain.Trade, exitPrice, commission float64, orderID int64) error {
	var closedTrade *domain.Trade
	res, err := c.machine.Apply(ctx, t.ID, fsm.Transition{
		Event:           domain.EventCloseFill,
		Quantity:        t.RemainingSize,
		Price:           exitPrice,
		Commission:      commission,
		ExchangeOrderID: orderID,
		DedupKey:        "close:" + t.ID,
		Mutate: func(tr *domain.Trade) error {
			tr.RealizedPnL, tr.ExitPrice = settle(tr, exitPrice, commission)
			tr.RemainingSize = 0
			if tr.CloseReason == "" {
				tr.CloseReason = domain.CloseReasonMarket
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("close %s failed: %w", t.ID, err)
	}
	if !res.Applied {
		return nil
	}
	closedTrade = res.Trade

	balance := 0.0
	if b, err := c.exchange.GetAccountBalance(ctx, c.cfg.QuoteAsset); err == nil {
		balance = b
	}
	level := c.risk.RecordClose(ctx, closedTrade.RealizedPnL, balance, closedTrade.UpdatedAt)
	c.emitter.Emit(ctx, telemetry.Event{
		Name:    telemetry.TradeClose,
		Symbol:  closedTrade.Symbol,
		TradeID: closedTrade.ID,
		Payload: map[string]interface{}{
			"reason":      string(closedTrade.CloseReason),
			"entry_price": closedTrade.EntryPrice,
			"exit_price":  closedTrade.ExitPrice,
			"quantity":    closedTrade.FilledSize,
			"pnl":         closedTrade.RealizedPnL,
			"partials":    len(closedTrade.ScaledOut),
			"risk_level":  level.String(),
		},
	})
	return nil
}

// settle returns the trade's total realized PnL and its quantity-weighted exit
// price once the remaining size is sold at exit. Partial exits are already in
// RealizedPnL.
func settle(t *domain.Trade, exit, commission float64) (pnl, avgExit float64) {
	final := (exit - t.EntryPrice) * t.RemainingSize * t.Side.Sign()
	pnl = t.RealizedPnL + final - commission

	qty := t.RemainingSize
	notional := exit * t.RemainingSize
	for _, s := range t.ScaledOut {
		qty += s.Quantity
		notional += s.Price * s.Quantity
	}
	if qty <= 0 {
		return pnl, exit
	}
	return pnl, notional / qty
}

// CancelEntry cancels an entry that has not filled.
func (c *Coordinator) CancelEntry(ctx context.Context, tradeID string, reason domain.CloseReason) error {
	res, err := c.machine.Apply(ctx, tradeID, fsm.Transition{
		Event: domain.EventCancelSubmit,
		Mutate: func(t *domain.Trade) error {
			t.CloseReason = reason
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cancel entry %s failed: %w", tradeID, err)
	}
	return c.completeCancel(ctx, res.Trade)
}

func (c *Coordinator) completeCancel(ctx context.Context, t *domain.Trade) error {
	if t.EntryOrderID != 0 {
		err := c.call(ctx, "CancelOrder", func(ctx context.Context) error {
			_, err := c.exchange.CancelOrder(ctx, t.Symbol, t.EntryOrderID)
			return err
		})
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			c.markError(ctx, t.ID, err, "entry cancel failed")
			return fmt.Errorf("cancel entry %s failed: %w", t.ID, err)
		}
	}
	_, err := c.machine.Apply(ctx, t.ID, fsm.Transition{
		Event:    domain.EventCancelAck,
		DedupKey: "cancel:" + t.ID,
		Mutate: func(tr *domain.Trade) error {
			tr.RemainingSize = 0
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cancel entry %s failed: %w", t.ID, err)
	}
	return nil
}

// ScaleOut realizes fraction of the remaining size at partial-exit level r.
// A level already in ScaledOut is never executed again. After the first
// partial the stop moves to breakeven.
func (c *Coordinator) ScaleOut(ctx context.Context, tradeID string, r, fraction, price float64) error {
	err := c.machine.Do(ctx, tradeID, func(tx *fsm.Tx) error {
		t := tx.Trade()
		if t.HasScaledAt(r) || !fsm.Allowed(t.State, domain.EventScaleOut) {
			return nil
		}
		filters, err := c.Filters(ctx, t.Symbol)
		if err != nil {
			return err
		}
		qty := FloorToStep(t.RemainingSize*fraction, filters.StepSize).InexactFloat64()
		if qty <= 0 || t.RemainingSize-qty < filters.MinQty {
			c.logger.Debug(ctx, "Partial exit too small for exchange filters, skipped", map[string]interface{}{
				"tradeID": t.ID, "level": r, "quantity": qty,
			})
			return nil
		}

		// Spot OCO legs hold the balance being sold.
		if t.Market == domain.MarketSpot {
			if err := c.cancelProtection(ctx, t); err != nil {
				return fmt.Errorf("scale out %s failed: %w", t.ID, err)
			}
			t.Protection = domain.Protection{}
		}
		resp, err := c.marketReduce(ctx, t, qty, "s"+strconv.Itoa(len(t.ScaledOut)+1))
		if err != nil {
			if t.Market == domain.MarketSpot {
				return c.reprotectOrFail(ctx, tx, t, err)
			}
			return fmt.Errorf("scale out %s failed: %w", t.ID, err)
		}
		fillPrice := resp.AvgPrice
		if fillPrice <= 0 {
			fillPrice = price
		}

		stop := t.StopLoss
		if len(t.ScaledOut) == 0 && t.MoreFavorableStop(t.EntryPrice, t.StopLoss) {
			stop = t.EntryPrice
		}
		scaled, err := tx.Fire(fsm.Transition{
			Event:           domain.EventScaleOut,
			Quantity:        qty,
			Price:           fillPrice,
			Commission:      resp.Commission,
			ExchangeOrderID: resp.OrderID,
			DedupKey:        fmt.Sprintf("scale:%s:%s", t.ID, strconv.FormatFloat(r, 'f', -1, 64)),
			Mutate: func(tr *domain.Trade) error {
				tr.RemainingSize -= qty
				tr.RealizedPnL += (fillPrice-tr.EntryPrice)*qty*tr.Side.Sign() - resp.Commission
				tr.ScaledOut = append(tr.ScaledOut, domain.ScaleOut{RMultiple: r, Quantity: qty, Price: fillPrice, At: c.now()})
				tr.Protection = t.Protection
				return nil
			},
		})
		if err != nil {
			return err
		}
		c.emitter.Emit(ctx, telemetry.Event{
			Name:    telemetry.PartialExit,
			Symbol:  t.Symbol,
			TradeID: t.ID,
			Payload: map[string]interface{}{
				"r_multiple": r,
				"quantity":   qty,
				"price":      fillPrice,
				"remaining":  scaled.Trade.RemainingSize,
				"stop":       stop,
			},
		})

		cur := scaled.Trade
		prot, err := c.swapProtection(ctx, cur, stop, cur.TakeProfit, cur.RemainingSize)
		if err != nil {
			return c.protectionLost(ctx, tx, cur, err)
		}
		_, err = tx.Fire(fsm.Transition{
			Event: domain.EventSettle,
			Mutate: func(tr *domain.Trade) error {
				tr.Protection = prot
				tr.StopLoss = stop
				return nil
			},
		})
		return err
	})
	return c.healIfNeeded(ctx, tradeID, err)
}

// AdjustStop moves the stop to stop when that is strictly more favorable.
func (c *Coordinator) AdjustStop(ctx context.Context, tradeID string, stop, price float64) error {
	err := c.machine.Do(ctx, tradeID, func(tx *fsm.Tx) error {
		t := tx.Trade()
		if !fsm.Allowed(t.State, domain.EventTrailUpdate) || !t.MoreFavorableStop(stop, t.StopLoss) {
			return nil
		}
		prot, err := c.swapProtection(ctx, t, stop, t.TakeProfit, t.RemainingSize)
		if err != nil {
			if t.Market == domain.MarketSpot {
				// The old OCO is gone; without a replacement the position is unprotected.
				return c.protectionLost(ctx, tx, t, err)
			}
			return fmt.Errorf("adjust stop %s failed: %w", t.ID, err)
		}
		now := c.now()
		old := t.StopLoss
		if _, err := tx.Fire(fsm.Transition{
			Event:    domain.EventTrailUpdate,
			Price:    stop,
			DedupKey: fmt.Sprintf("trail:%s:%s", t.ID, strconv.FormatFloat(stop, 'f', -1, 64)),
			At:       now,
			Mutate: func(tr *domain.Trade) error {
				tr.StopLoss = stop
				tr.Protection = prot
				tr.LastTrailAt = now
				return nil
			},
		}); err != nil {
			return err
		}
		c.emitter.Emit(ctx, telemetry.Event{
			Name:    telemetry.TrailingUpdate,
			Symbol:  t.Symbol,
			TradeID: t.ID,
			Payload: map[string]interface{}{"old_stop": old, "new_stop": stop, "price": price},
		})
		_, err = tx.Fire(fsm.Transition{Event: domain.EventSettle})
		return err
	})
	return c.healIfNeeded(ctx, tradeID, err)
}

func (c *Coordinator) healIfNeeded(ctx context.Context, tradeID string, err error) error {
	if !NeedsHeal(err) {
		return err
	}
	if healErr := c.AutoHeal(ctx, tradeID); healErr != nil {
		return fmt.Errorf("%w (auto-heal: %v)", err, healErr)
	}
	return err
}

// reprotectOrFail restores the protection cancelled before a failed spot reduce.
func (c *Coordinator) reprotectOrFail(ctx context.Context, tx *fsm.Tx, t *domain.Trade, cause error) error {
	prot, err := c.placeProtection(ctx, t, t.StopLoss, t.TakeProfit, t.RemainingSize)
	if err != nil {
		return c.protectionLost(ctx, tx, t, err)
	}
	if _, err := tx.Fire(fsm.Transition{Event: domain.EventTrailUpdate, Price: t.StopLoss, Mutate: func(tr *domain.Trade) error {
		tr.Protection = prot
		return nil
	}}); err != nil {
		return err
	}
	if _, err := tx.Fire(fsm.Transition{Event: domain.EventSettle}); err != nil {
		return err
	}
	return fmt.Errorf("scale out %s failed: %w", t.ID, cause)
}

// protectionLost moves an unprotected position to ERROR inside a locked
// section. The returned error makes the caller auto-heal once unlocked.
func (c *Coordinator) protectionLost(ctx context.Context, tx *fsm.Tx, t *domain.Trade, cause error) error {
	c.emitter.Emit(ctx, telemetry.Event{
		Name:     telemetry.ProtectionFailed,
		Symbol:   t.Symbol,
		TradeID:  t.ID,
		Severity: domain.SeverityCritical,
		Payload:  map[string]interface{}{"error": cause.Error()},
	})
	c.logger.Error(ctx, cause, "Position left without protection", map[string]interface{}{"tradeID": t.ID})
	if _, err := tx.Fire(fsm.Transition{
		Event: domain.EventErrorDetected,
		Mutate: func(tr *domain.Trade) error {
			tr.LastError = "protection replacement failed: " + cause.Error()
			return nil
		},
	}); err != nil {
		return err
	}
	return fmt.Errorf("%w: trade %s unprotected: %w", errNeedsHeal, t.ID, cause)
}

var errNeedsHeal = errors.New("trade needs auto-heal")

// NeedsHeal reports whether err left a trade in ERROR that should be auto-healed.
func NeedsHeal(err error) bool {
	return errors.Is(err, errNeedsHeal)
}

// AutoHeal re-queries the exchange for a trade in ERROR and drives it to
// CLOSING (a position is held) or CANCEL_PENDING (nothing was filled), then
// completes the close or cancel. On failure the trade stays in ERROR.
func (c *Coordinator) AutoHeal(ctx context.Context, tradeID string) error {
	t, ok := c.machine.Get(tradeID)
	if !ok {
		return fmt.Errorf("auto-heal %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	if t.State != domain.StateError {
		return nil
	}
	c.emitter.Emit(ctx, telemetry.Event{
		Name:     telemetry.AutoHealAttempt,
		Symbol:   t.Symbol,
		TradeID:  t.ID,
		Severity: domain.SeverityWarning,
		Payload:  map[string]interface{}{"last_error": t.LastError},
	})

	err := c.heal(ctx, t)
	if err != nil {
		c.emitter.Emit(ctx, telemetry.Event{
			Name:     telemetry.AutoHealFail,
			Symbol:   t.Symbol,
			TradeID:  t.ID,
			Severity: domain.SeverityCritical,
			Payload:  map[string]interface{}{"error": err.Error(), "last_error": t.LastError},
		})
		return fmt.Errorf("auto-heal %s failed: %w", tradeID, err)
	}
	final, _ := c.machine.Get(tradeID)
	c.emitter.Emit(ctx, telemetry.Event{
		Name:    telemetry.AutoHealSuccess,
		Symbol:  t.Symbol,
		TradeID: t.ID,
		Payload: map[string]interface{}{"state": string(final.State)},
	})
	return nil
}

func (c *Coordinator) heal(ctx context.Context, t *domain.Trade) error {
	held, err := c.heldQuantity(ctx, t)
	if err != nil {
		return err
	}

	if held <= qtyEpsilon && t.FilledSize <= qtyEpsilon {
		res, err := c.machine.Apply(ctx, t.ID, fsm.Transition{
			Event:  domain.EventAutoHealAttempt,
			Target: domain.StateCancelPending,
			Mutate: func(tr *domain.Trade) error {
				tr.CloseReason = domain.CloseReasonAutoHeal
				return nil
			},
		})
		if err != nil {
			return err
		}
		return c.completeCancel(ctx, res.Trade)
	}

	res, err := c.machine.Apply(ctx, t.ID, fsm.Transition{
		Event:  domain.EventAutoHealAttempt,
		Target: domain.StateClosing,
		Mutate: func(tr *domain.Trade) error {
			tr.CloseReason = domain.CloseReasonAutoHeal
			// Entry fills the stream never delivered are adopted from the exchange.
			if tr.RemainingSize < held && held <= tr.PositionSize+qtyEpsilon {
				tr.RemainingSize = held
				if tr.FilledSize < held {
					tr.FilledSize = held
				}
				if tr.EntryPrice == 0 {
					tr.EntryPrice = tr.SignalPrice
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	cur := res.Trade
	if held <= qtyEpsilon {
		// Closed on the exchange side (stop hit or manual close).
		return c.finishClose(ctx, cur, c.markPrice(ctx, cur), 0, 0)
	}
	qty := held
	if cur.RemainingSize > 0 && cur.RemainingSize < qty {
		qty = cur.RemainingSize
	}
	return c.completeClose(ctx, cur, qty)
}

// heldQuantity returns how much of the trade's position the exchange reports.
func (c *Coordinator) heldQuantity(ctx context.Context, t *domain.Trade) (float64, error) {
	var positions []domain.ExchangePosition
	err := c.call(ctx, "GetPositions", func(ctx context.Context) error {
		var err error
		positions, err = c.exchange.GetPositions(ctx, []string{t.Symbol})
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol != t.Symbol || p.Side != t.Side {
			continue
		}
		qty := p.Quantity
		// Spot balances may include holdings that are not ours.
		if limit := t.PositionSize; qty > limit {
			qty = limit
		}
		return qty, nil
	}
	return 0, nil
}

func (c *Coordinator) marketReduce(ctx context.Context, t *domain.Trade, qty float64, suffix string) (*ports.OrderResponse, error) {
	filters, err := c.Filters(ctx, t.Symbol)
	if err != nil {
		return nil, err
	}
	q := FloorToStep(qty, filters.StepSize)
	if !q.IsPositive() {
		return nil, fmt.Errorf("%w: reduce quantity %v rounds to zero", ports.ErrFilterViolation, qty)
	}
	var resp *ports.OrderResponse
	err = c.call(ctx, "PlaceMarketOrder", func(ctx context.Context) error {
		var err error
		resp, err = c.exchange.PlaceMarketOrder(ctx, ports.MarketOrder{
			Symbol:        t.Symbol,
			Side:          t.Side.Opposite(),
			Quantity:      q.String(),
			ClientOrderID: clientID(t.ID, suffix),
			ReduceOnly:    t.Market == domain.MarketFutures,
		})
		return err
	})
	return resp, err
}

func (c *Coordinator) markPrice(ctx context.Context, t *domain.Trade) float64 {
	if tk, err := c.ticker(ctx, t.Symbol); err == nil && tk.Mid() > 0 {
		return tk.Mid()
	}
	if t.StopLoss > 0 {
		return t.StopLoss
	}
	return t.EntryPrice
}
