package domain

import "time"

// ExchangeOrder is an open order as reported by the exchange.
type ExchangeOrder struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	Type          string
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	AvgPrice      float64
	Status        string
	ReduceOnly    bool
	UpdatedAt     time.Time
}

// ExchangePosition is an open position as reported by the exchange.
// Quantity is always positive; Side carries the direction.
type ExchangePosition struct {
	Symbol     string
	Side       OrderSide
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

// SymbolFilters holds the exchange precision rules used for order quantization.
type SymbolFilters struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	TickSize    float64
	MinNotional float64
}

// Ticker is the best bid/ask snapshot used for spread estimates.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Mid returns the midpoint of bid and ask, or zero if either side is missing.
func (t Ticker) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// SpreadBps returns the quoted spread in basis points of the midpoint.
func (t Ticker) SpreadBps() float64 {
	mid := t.Mid()
	if mid == 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid * 10000
}
