package domain

import "time"

// Signal is a trading intent produced by an external strategy.
type Signal struct {
	Symbol          string
	Side            OrderSide
	Price           float64 // Price the signal was computed at
	ATR             float64 // Zero when unavailable; sizing falls back to a fixed percentage
	Bar             *Kline  // Bar the signal was computed from
	ExpectedEdgeBps float64
	// Correlations of Symbol against other symbols, supplied by external analytics.
	Correlations map[string]float64
	Time         time.Time
}

// FillReport is an exchange fill notification for an entry order.
// CumulativeQty is the total filled so far, which makes duplicate reports detectable.
type FillReport struct {
	ExchangeOrderID int64
	CumulativeQty   float64
	LastPrice       float64
	AvgPrice        float64
	Commission      float64
	Time            time.Time
}
