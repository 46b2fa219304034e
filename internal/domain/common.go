package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == Buy || s == Sell
}

// MarketType selects spot or futures order semantics.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// CloseReason indicates why a trade was closed.
type CloseReason string

const (
	CloseReasonStopLoss       CloseReason = "SL"
	CloseReasonTakeProfit     CloseReason = "TP"
	CloseReasonMarket         CloseReason = "Market" // Market exit outside the protective legs
	CloseReasonManual         CloseReason = "MANUAL"
	CloseReasonReconciled     CloseReason = "RECONCILED"      // Closed on the exchange side, detected by reconciliation
	CloseReasonEmergency      CloseReason = "EMERGENCY"       // Operator emergency stop or protection failure
	CloseReasonStalledPartial CloseReason = "STALLED_PARTIAL" // Entry stuck partially filled past the configured window
	CloseReasonAutoHeal       CloseReason = "AUTO_HEAL"
)

// Origin records which component created a trade record.
type Origin string

const (
	OriginSignal         Origin = "signal"
	OriginReconciliation Origin = "reconciliation"
)
