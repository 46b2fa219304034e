package ports

import (
	"context"
	"time"

	"orderLifecycleBot/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	OrderListID   int64     // OCO list id (spot only)
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order (might be 0 for market orders initially)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Commission    float64   // Commission charged on the fills carried by this response
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET, LIMIT, STOP_MARKET)
	Side          string    // Order side (BUY, SELL)
	StopOrderID   int64     // Stop leg of an OCO
	LimitOrderID  int64     // Limit (take profit) leg of an OCO
	Timestamp     time.Time // Time the order response was generated
}

// Filled reports whether the order is completely filled.
func (r *OrderResponse) Filled() bool {
	return r != nil && (r.Status == "FILLED" || (r.OrigQuantity > 0 && r.ExecutedQty >= r.OrigQuantity))
}

// MarketOrder is a market order request.
type MarketOrder struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      string
	ClientOrderID string
	ReduceOnly    bool
}

// ProtectionOrder requests a stop-loss/take-profit pair guarding a position.
type ProtectionOrder struct {
	Symbol     string
	Side       domain.OrderSide // Closing side
	Quantity   string
	StopPrice  string
	TakePrice  string
	ClientBase string
}

// ExecutionReportHandler receives fill/ack notifications from the user-data stream.
type ExecutionReportHandler func(report *ExecutionReport)

// ExecutionReport is a normalized order update from the exchange stream.
type ExecutionReport struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          domain.OrderSide
	Status        string
	CumulativeQty float64
	LastQty       float64
	LastPrice     float64
	AvgPrice      float64
	Commission    float64
	Time          time.Time
}

// ExchangeClient defines the interface for interacting with a cryptocurrency exchange.
// This abstraction allows decoupling the core bot logic from specific exchange implementations.
type ExchangeClient interface {
	// Market reports whether the client trades spot or futures.
	Market() domain.MarketType

	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// SetLeverage sets the leverage for a specific symbol (futures only).
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetTicker returns the best bid/ask for a symbol.
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)

	// GetSymbolFilters returns the quantity/price precision filters for a symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error)

	// PlaceMarketOrder places a market order.
	PlaceMarketOrder(ctx context.Context, req MarketOrder) (*OrderResponse, error)

	// PlaceProtection places the protective orders for a position:
	// an OCO on spot, a STOP_MARKET + TAKE_PROFIT_MARKET pair on futures.
	PlaceProtection(ctx context.Context, req ProtectionOrder) (domain.Protection, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// CancelProtection cancels every leg referenced by p. Missing orders are not an error.
	CancelProtection(ctx context.Context, symbol string, p domain.Protection) error

	// GetOpenOrders lists open orders for one symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error)

	// GetPositions lists non-zero positions for the given symbols.
	GetPositions(ctx context.Context, symbols []string) ([]domain.ExchangePosition, error)

	// StreamExecutionReports subscribes to the user-data stream.
	StreamExecutionReports(ctx context.Context, handler ExecutionReportHandler, errHandler func(err error)) (doneCh chan struct{}, err error)

	// StreamKlines starts a WebSocket stream for K-line/candlestick data.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// GetKlines retrieves historical klines/candlestick data for the given symbol.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)
}
