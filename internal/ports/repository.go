package ports

import (
	"context"

	"orderLifecycleBot/internal/domain"
)

// TradeStore persists trades, their execution ledger and guard events.
//
// Implementations enforce PositionSize > 0, 0 <= RemainingSize <= PositionSize,
// execution Quantity > 0, Price > 0 and a unique DedupKey.
type TradeStore interface {
	// InsertTrade saves a new trade.
	InsertTrade(ctx context.Context, t *domain.Trade) error
	// UpdateTradeState writes the trade's current state and size fields.
	UpdateTradeState(ctx context.Context, t *domain.Trade) error
	// AppendExecution appends a ledger entry. A duplicate DedupKey is a no-op
	// reported as inserted == false with a nil error.
	AppendExecution(ctx context.Context, e *domain.Execution) (inserted bool, err error)
	// CommitTransition atomically appends e and writes t's state. A duplicate
	// DedupKey leaves both untouched and reports inserted == false.
	CommitTransition(ctx context.Context, t *domain.Trade, e *domain.Execution) (inserted bool, err error)
	// HasExecution reports whether an execution with dedupKey exists.
	HasExecution(ctx context.Context, dedupKey string) (bool, error)
	// Executions returns a trade's ledger in insertion order.
	Executions(ctx context.Context, tradeID string) ([]*domain.Execution, error)
	// OpenTrades returns trades in non-terminal states.
	OpenTrades(ctx context.Context) ([]*domain.Trade, error)
	// ClosedTrades returns the most recently closed trades, newest first.
	ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	// InsertGuardEvent saves a guard block.
	InsertGuardEvent(ctx context.Context, ev *domain.GuardEvent) error
	// GuardEvents queries guard blocks, newest first.
	GuardEvents(ctx context.Context, filter domain.GuardEventFilter) ([]*domain.GuardEvent, error)
}
