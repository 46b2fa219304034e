package domain

import (
	"fmt"
	"time"
)

// TradeSchemaVersion is stamped on every Trade written by this build.
const TradeSchemaVersion = 1

// OrderState is the lifecycle state of a trade.
type OrderState string

const (
	StateInit           OrderState = "INIT"
	StateSubmitting     OrderState = "SUBMITTING"
	StateOpenPending    OrderState = "OPEN_PENDING"
	StatePartial        OrderState = "PARTIAL"
	StateOpen           OrderState = "OPEN"
	StateActive         OrderState = "ACTIVE"
	StateScalingOut     OrderState = "SCALING_OUT"
	StateTrailingAdjust OrderState = "TRAILING_ADJUST"
	StateClosing        OrderState = "CLOSING"
	StateClosed         OrderState = "CLOSED"
	StateCancelPending  OrderState = "CANCEL_PENDING"
	StateCancelled      OrderState = "CANCELLED"
	StateError          OrderState = "ERROR"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Opening reports whether the entry order is still being filled.
func (s OrderState) Opening() bool {
	return s == StateInit || s == StateSubmitting || s == StateOpenPending || s == StatePartial
}

// Event is a transition label of the order state machine.
type Event string

const (
	EventOrderSubmit     Event = "order_submit"
	EventOrderAck        Event = "order_ack"
	EventCancelSubmit    Event = "cancel_submit"
	EventCancelAck       Event = "cancel_ack"
	EventFillPartial     Event = "fill_partial"
	EventFillFull        Event = "fill_full"
	EventProtectionSet   Event = "protection_set"
	EventScaleOut        Event = "scale_out"
	EventTrailUpdate     Event = "trail_update"
	EventSettle          Event = "settle"
	EventCloseSubmit     Event = "close_submit"
	EventCloseFill       Event = "close_fill"
	EventErrorDetected   Event = "error_detected"
	EventAutoHealAttempt Event = "auto_heal_attempt"
)

// ScaleOut records one realized partial exit.
type ScaleOut struct {
	RMultiple float64   `json:"r_multiple"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	At        time.Time `json:"at"`
}

// Protection references the protective orders guarding an open trade.
// Spot trades use an OCO list; futures trades use a STOP and a TP order.
type Protection struct {
	OCOListID   int64 `json:"oco_list_id,omitempty"`
	StopOrderID int64 `json:"stop_order_id,omitempty"`
	TPOrderID   int64 `json:"tp_order_id,omitempty"`
}

// Empty reports whether no protective order is referenced.
func (p Protection) Empty() bool {
	return p.OCOListID == 0 && p.StopOrderID == 0 && p.TPOrderID == 0
}

// OrderIDs returns the exchange order ids of the individual protective legs.
func (p Protection) OrderIDs() []int64 {
	ids := make([]int64, 0, 2)
	if p.StopOrderID != 0 {
		ids = append(ids, p.StopOrderID)
	}
	if p.TPOrderID != 0 {
		ids = append(ids, p.TPOrderID)
	}
	return ids
}

// Trade is one position attempt, from signal to close.
// State fields are only changed through the order state machine.
type Trade struct {
	ID            string
	Symbol        string
	Side          OrderSide
	Market        MarketType
	Origin        Origin
	EntryPrice    float64
	SignalPrice   float64
	PositionSize  float64 // Intended size
	FilledSize    float64 // Cumulative entry fill
	RemainingSize float64 // Size still held
	StopLoss      float64
	InitialStop   float64 // Stop at entry; defines 1R
	TakeProfit    float64
	ATR           float64
	State         OrderState
	ScaledOut     []ScaleOut
	Protection    Protection
	EntryOrderID  int64
	ClientOrderID string
	ExitPrice     float64
	RealizedPnL   float64
	CloseReason   CloseReason
	LastError     string
	LastTrailAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SchemaVersion int
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	if t.ScaledOut != nil {
		c.ScaledOut = make([]ScaleOut, len(t.ScaledOut))
		copy(c.ScaledOut, t.ScaledOut)
	}
	return &c
}

// Validate checks the size invariants shared with the store.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade id is empty")
	}
	if t.PositionSize <= 0 {
		return fmt.Errorf("trade %s: position size %v must be positive", t.ID, t.PositionSize)
	}
	if t.RemainingSize < 0 || t.RemainingSize > t.PositionSize+sizeEpsilon {
		return fmt.Errorf("trade %s: remaining size %v outside [0, %v]", t.ID, t.RemainingSize, t.PositionSize)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("trade %s: invalid side %q", t.ID, t.Side)
	}
	return nil
}

// RiskPerUnit is the absolute entry-to-initial-stop distance (1R in price units).
func (t *Trade) RiskPerUnit() float64 {
	d := t.EntryPrice - t.InitialStop
	if d < 0 {
		d = -d
	}
	return d
}

// RMultiple expresses price as a multiple of the initial risk, signed by side.
func (t *Trade) RMultiple(price float64) float64 {
	den := t.EntryPrice - t.InitialStop
	if den == 0 {
		return 0
	}
	return (price - t.EntryPrice) / den
}

// HasScaledAt reports whether a partial exit at level r was already recorded.
func (t *Trade) HasScaledAt(r float64) bool {
	for _, s := range t.ScaledOut {
		if s.RMultiple == r {
			return true
		}
	}
	return false
}

// MoreFavorableStop reports whether candidate is strictly better for the position than current.
func (t *Trade) MoreFavorableStop(candidate, current float64) bool {
	if t.Side == Sell {
		return candidate < current
	}
	return candidate > current
}

// UnrealizedPnL is the mark-to-market PnL of the remaining size at price.
func (t *Trade) UnrealizedPnL(price float64) float64 {
	return (price - t.EntryPrice) * t.RemainingSize * t.Side.Sign()
}

const sizeEpsilon = 1e-12
