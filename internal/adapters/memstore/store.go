// Package memstore is an in-memory ports.TradeStore for paper trading and tests.
// It enforces the same constraints as the sqlite store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// Store keeps trades, executions and guard events in memory.
type Store struct {
	mu          sync.RWMutex
	trades      map[string]*domain.Trade
	executions  []*domain.Execution
	dedup       map[string]struct{}
	guardEvents []*domain.GuardEvent
	nextGuardID int64

	// Fail, when set, is returned by every call. Used to simulate an unavailable store.
	Fail error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		trades: make(map[string]*domain.Trade),
		dedup:  make(map[string]struct{}),
	}
}

func checkTrade(t *domain.Trade) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrInvariant, err)
	}
	return nil
}

func checkExecution(e *domain.Execution) error {
	if e.DedupKey == "" {
		return fmt.Errorf("%w: execution dedup key is empty", ports.ErrInvariant)
	}
	if e.Quantity <= 0 || e.Price <= 0 {
		return fmt.Errorf("%w: execution quantity %v and price %v must be positive", ports.ErrInvariant, e.Quantity, e.Price)
	}
	return nil
}

func (s *Store) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if s.Fail != nil {
		return s.Fail
	}
	if err := checkTrade(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("insert trade %s: %w", t.ID, ports.ErrDuplicateEntry)
	}
	s.trades[t.ID] = t.Clone()
	return nil
}

func (s *Store) UpdateTradeState(ctx context.Context, t *domain.Trade) error {
	if s.Fail != nil {
		return s.Fail
	}
	if err := checkTrade(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; !ok {
		return fmt.Errorf("update trade %s: %w", t.ID, ports.ErrTradeNotFound)
	}
	s.trades[t.ID] = t.Clone()
	return nil
}

func (s *Store) AppendExecution(ctx context.Context, e *domain.Execution) (bool, error) {
	if s.Fail != nil {
		return false, s.Fail
	}
	if err := checkExecution(e); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e), nil
}

func (s *Store) appendLocked(e *domain.Execution) bool {
	if _, dup := s.dedup[e.DedupKey]; dup {
		return false
	}
	c := *e
	s.executions = append(s.executions, &c)
	s.dedup[e.DedupKey] = struct{}{}
	return true
}

func (s *Store) CommitTransition(ctx context.Context, t *domain.Trade, e *domain.Execution) (bool, error) {
	if s.Fail != nil {
		return false, s.Fail
	}
	if err := checkTrade(t); err != nil {
		return false, err
	}
	if err := checkExecution(e); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; !ok {
		return false, fmt.Errorf("commit transition for %s: %w", t.ID, ports.ErrTradeNotFound)
	}
	if !s.appendLocked(e) {
		return false, nil
	}
	s.trades[t.ID] = t.Clone()
	return true, nil
}

func (s *Store) HasExecution(ctx context.Context, dedupKey string) (bool, error) {
	if s.Fail != nil {
		return false, s.Fail
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[dedupKey]
	return ok, nil
}

func (s *Store) Executions(ctx context.Context, tradeID string) ([]*domain.Execution, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range s.executions {
		if e.TradeID == tradeID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// ExecutionCount returns the number of stored executions.
func (s *Store) ExecutionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

// Trade returns a stored trade by id.
func (s *Store) Trade(id string) (*domain.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	return t.Clone(), ok
}

// Trades returns every stored trade matching keep (all when nil), oldest first.
func (s *Store) Trades(keep func(*domain.Trade) bool) []*domain.Trade {
	s.mu.RLock()
	var out []*domain.Trade
	for _, t := range s.trades {
		if keep == nil || keep(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) OpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Trade
	for _, t := range s.trades {
		if !t.State.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Trade
	for _, t := range s.trades {
		if t.State == domain.StateClosed {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertGuardEvent(ctx context.Context, ev *domain.GuardEvent) error {
	if s.Fail != nil {
		return s.Fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGuardID++
	c := *ev
	c.ID = s.nextGuardID
	ev.ID = c.ID
	s.guardEvents = append(s.guardEvents, &c)
	return nil
}

func (s *Store) GuardEvents(ctx context.Context, filter domain.GuardEventFilter) ([]*domain.GuardEvent, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.GuardEvent
	for i := len(s.guardEvents) - 1; i >= 0; i-- {
		ev := s.guardEvents[i]
		if filter.Guard != "" && ev.Guard != filter.Guard {
			continue
		}
		if filter.Symbol != "" && ev.Symbol != filter.Symbol {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		c := *ev
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
