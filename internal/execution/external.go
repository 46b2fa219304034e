package execution

import (
	"context"
	"errors"
	"fmt"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/ports"
)

// OwnerPrefix is the client order id prefix of every order placed for tradeID.
func OwnerPrefix(tradeID string) string {
	id := tradeID
	if len(id) > 24 {
		id = id[:24]
	}
	return "olb-" + id + "-"
}

// SettleExternal closes the trade locally after the exchange closed it
// without a report reaching us (stop hit while disconnected, manual close on
// the exchange). Exit is taken at the current mark price.
func (c *Coordinator) SettleExternal(ctx context.Context, tradeID string, reason domain.CloseReason) error {
	t, ok := c.machine.Get(tradeID)
	if !ok {
		return fmt.Errorf("settle %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	switch {
	case t.State == domain.StateCancelPending:
		return c.completeCancel(ctx, t)
	case t.State == domain.StateClosing:
	case fsm.Allowed(t.State, domain.EventCloseSubmit):
		res, err := c.machine.Apply(ctx, tradeID, fsm.Transition{
			Event: domain.EventCloseSubmit,
			Mutate: func(tr *domain.Trade) error {
				tr.CloseReason = reason
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("settle %s failed: %w", tradeID, err)
		}
		t = res.Trade
	default:
		return fmt.Errorf("settle %s failed: %w: state %s", tradeID, ports.ErrInvalidTransition, t.State)
	}
	if err := c.cancelProtection(ctx, t); err != nil {
		c.logger.Warn(ctx, "Protective orders not cancelled on external close", map[string]interface{}{
			"tradeID": t.ID, "error": err.Error(),
		})
	}
	return c.finishClose(ctx, t, c.markPrice(ctx, t), 0, 0)
}

// ShrinkToFilled ends a PARTIAL entry at the size already filled: the rest of
// the entry order is cancelled, the position size becomes the filled size and
// the trade is protected.
func (c *Coordinator) ShrinkToFilled(ctx context.Context, tradeID string) error {
	t, ok := c.machine.Get(tradeID)
	if !ok {
		return fmt.Errorf("shrink %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	if t.State != domain.StatePartial {
		return nil
	}
	if err := c.cancelEntryRemainder(ctx, t); err != nil {
		return fmt.Errorf("shrink %s failed: %w", tradeID, err)
	}
	_, err := c.machine.Apply(ctx, tradeID, fsm.Transition{
		Event:    domain.EventFillFull,
		DedupKey: "shrink:" + tradeID,
		Mutate: func(tr *domain.Trade) error {
			if tr.FilledSize <= 0 {
				return fmt.Errorf("%w: nothing filled", ports.ErrInvariant)
			}
			tr.PositionSize = tr.FilledSize
			tr.RemainingSize = tr.FilledSize
			return nil
		},
	})
	if err != nil {
		if fsm.IsInvalidTransition(err) {
			// The remainder filled before the cancel landed.
			return c.Protect(ctx, tradeID)
		}
		return fmt.Errorf("shrink %s failed: %w", tradeID, err)
	}
	c.logger.Info(ctx, "Partial entry completed at filled size", map[string]interface{}{"tradeID": tradeID})
	return c.Protect(ctx, tradeID)
}

// CancelStalled cancels the rest of a PARTIAL entry and closes what filled.
func (c *Coordinator) CancelStalled(ctx context.Context, tradeID string) error {
	t, ok := c.machine.Get(tradeID)
	if !ok {
		return fmt.Errorf("cancel stalled %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	if t.State != domain.StatePartial {
		return nil
	}
	return c.CloseTrade(ctx, tradeID, domain.CloseReasonStalledPartial)
}

// cancelEntryRemainder cancels what is left of a partially filled entry and
// merges the final filled quantity the cancel reports.
func (c *Coordinator) cancelEntryRemainder(ctx context.Context, t *domain.Trade) error {
	if t.EntryOrderID == 0 {
		return nil
	}
	var resp *ports.OrderResponse
	err := c.call(ctx, "CancelOrder", func(ctx context.Context) error {
		var err error
		resp, err = c.exchange.CancelOrder(ctx, t.Symbol, t.EntryOrderID)
		return err
	})
	if errors.Is(err, ports.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if resp != nil && resp.ExecutedQty > t.FilledSize+qtyEpsilon {
		return c.ApplyFill(ctx, t.ID, domain.FillReport{
			ExchangeOrderID: t.EntryOrderID,
			CumulativeQty:   resp.ExecutedQty,
			AvgPrice:        resp.AvgPrice,
			Time:            c.now(),
		})
	}
	return nil
}
