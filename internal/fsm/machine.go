package fsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/telemetry"
)

const sizeEpsilon = 1e-9

// Transition is a request to fire one event on a trade.
type Transition struct {
	Event domain.Event
	// Target picks among several targets (auto_heal_attempt); optional otherwise.
	Target          domain.OrderState
	Quantity        float64
	Price           float64
	Commission      float64
	ExchangeOrderID int64
	// DedupKey makes the transition idempotent. Empty keys are generated.
	DedupKey string
	At       time.Time
	// Mutate updates non-state fields of the trade copy being transitioned.
	Mutate func(t *domain.Trade) error
}

// Result describes the outcome of a transition request.
type Result struct {
	Trade     *domain.Trade
	From      domain.OrderState
	To        domain.OrderState
	Applied   bool // false when DedupKey was already recorded
	Execution *domain.Execution
}

// Machine owns the lifecycle state of every trade.
type Machine struct {
	store      ports.TradeStore
	logger     ports.Logger
	emitter    *telemetry.Emitter
	collectors *metrics.Collectors
	now        func() time.Time

	mu     sync.RWMutex
	trades map[string]*domain.Trade
	locks  map[string]*sync.Mutex
}

// NewMachine creates a state machine persisting through store.
func NewMachine(store ports.TradeStore, logger ports.Logger, emitter *telemetry.Emitter, collectors *metrics.Collectors) *Machine {
	return &Machine{
		store:      store,
		logger:     logger,
		emitter:    emitter,
		collectors: collectors,
		now:        func() time.Time { return time.Now().UTC() },
		trades:     make(map[string]*domain.Trade),
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source. Used by tests and replays.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Machine) load(id string) (*domain.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	return t, ok
}

func (m *Machine) put(t *domain.Trade) {
	m.mu.Lock()
	m.trades[t.ID] = t
	m.mu.Unlock()
}

// Create registers a new trade in INIT. An empty ID is generated.
func (m *Machine) Create(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	t = t.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := m.now()
	t.State = domain.StateInit
	t.CreatedAt = now
	t.UpdatedAt = now
	t.SchemaVersion = domain.TradeSchemaVersion
	if t.Origin == "" {
		t.Origin = domain.OriginSignal
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("create trade failed: %w: %w", ports.ErrInvalidRequest, err)
	}
	if _, exists := m.load(t.ID); exists {
		return nil, fmt.Errorf("create trade %s failed: %w", t.ID, ports.ErrDuplicateEntry)
	}
	if err := m.store.InsertTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade %s failed: %w", t.ID, err)
	}
	m.put(t)
	m.logger.Debug(ctx, "Trade created", map[string]interface{}{
		"tradeID": t.ID, "symbol": t.Symbol, "side": t.Side, "size": t.PositionSize,
	})
	return t.Clone(), nil
}

// Apply fires a single transition under the trade's lock.
func (m *Machine) Apply(ctx context.Context, tradeID string, tr Transition) (Result, error) {
	var res Result
	err := m.Do(ctx, tradeID, func(tx *Tx) error {
		var err error
		res, err = tx.Fire(tr)
		return err
	})
	return res, err
}

// Do runs fn with exclusive access to the trade, so a caller can read the
// current state, decide and fire without another writer interleaving.
func (m *Machine) Do(ctx context.Context, tradeID string, fn func(tx *Tx) error) error {
	l := m.lockFor(tradeID)
	l.Lock()
	defer l.Unlock()
	if _, ok := m.load(tradeID); !ok {
		return fmt.Errorf("trade %s: %w", tradeID, ports.ErrTradeNotFound)
	}
	return fn(&Tx{m: m, ctx: ctx, id: tradeID})
}

// Tx is a locked view of one trade, valid only inside Do.
type Tx struct {
	m   *Machine
	ctx context.Context
	id  string
}

// Trade returns a copy of the trade's current state.
func (tx *Tx) Trade() *domain.Trade {
	t, _ := tx.m.load(tx.id)
	return t.Clone()
}

// Fire applies tr to the trade.
func (tx *Tx) Fire(tr Transition) (Result, error) {
	return tx.m.fire(tx.ctx, tx.id, tr)
}

func (m *Machine) fire(ctx context.Context, id string, tr Transition) (Result, error) {
	cur, ok := m.load(id)
	if !ok {
		return Result{}, fmt.Errorf("trade %s: %w", id, ports.ErrTradeNotFound)
	}
	res := Result{Trade: cur.Clone(), From: cur.State, To: cur.State}

	if tr.DedupKey != "" {
		seen, err := m.store.HasExecution(ctx, tr.DedupKey)
		if err != nil {
			return res, fmt.Errorf("dedup check failed: %w", err)
		}
		if seen {
			m.logger.Debug(ctx, "Duplicate transition ignored", map[string]interface{}{
				"tradeID": id, "event": tr.Event, "dedupKey": tr.DedupKey,
			})
			return res, nil
		}
	}

	target, ok := Resolve(cur.State, tr.Event, tr.Target)
	if !ok {
		err := &InvalidTransitionError{TradeID: id, From: cur.State, Event: tr.Event, Target: tr.Target}
		m.logger.Error(ctx, err, "Invalid transition rejected", map[string]interface{}{
			"tradeID": id, "from": cur.State, "event": tr.Event,
		})
		return res, err
	}

	next := cur.Clone()
	if tr.Mutate != nil {
		if err := tr.Mutate(next); err != nil {
			return res, fmt.Errorf("transition %s on trade %s failed: %w", tr.Event, id, err)
		}
	}
	next.ID = cur.ID
	next.State = target
	at := tr.At
	if at.IsZero() {
		at = m.now()
	}
	next.UpdatedAt = at
	if next.UpdatedAt.Before(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt
	}
	if err := checkInvariants(cur, next, tr.Event); err != nil {
		m.logger.Error(ctx, err, "Transition violates trade invariants", map[string]interface{}{
			"tradeID": id, "from": cur.State, "event": tr.Event,
		})
		return res, err
	}

	exec := &domain.Execution{
		ID:              uuid.NewString(),
		TradeID:         id,
		Type:            execTypeFor(tr.Event),
		Side:            execSide(cur.Side, tr.Event),
		Quantity:        firstPositive(tr.Quantity, next.RemainingSize, cur.RemainingSize, next.PositionSize),
		Price:           firstPositive(tr.Price, next.EntryPrice, next.SignalPrice),
		Commission:      tr.Commission,
		Timestamp:       next.UpdatedAt,
		ExchangeOrderID: tr.ExchangeOrderID,
		DedupKey:        tr.DedupKey,
		StateFrom:       cur.State,
		StateTo:         target,
	}
	if exec.DedupKey == "" {
		exec.DedupKey = "tx:" + exec.ID
	}
	if exec.Price <= 0 {
		return res, fmt.Errorf("transition %s on trade %s failed: %w: no price for execution record", tr.Event, id, ports.ErrInvariant)
	}

	inserted, err := m.store.CommitTransition(ctx, next, exec)
	if err != nil {
		return res, fmt.Errorf("commit transition %s on trade %s failed: %w", tr.Event, id, err)
	}
	if !inserted {
		return res, nil
	}
	m.put(next)

	m.collectors.Transition(string(cur.State), string(target))
	m.emitter.Emit(ctx, telemetry.Event{
		Time:    next.UpdatedAt,
		Name:    telemetry.StateTransition,
		Symbol:  next.Symbol,
		TradeID: id,
		Payload: map[string]interface{}{
			"from":      string(cur.State),
			"to":        string(target),
			"event":     string(tr.Event),
			"quantity":  exec.Quantity,
			"price":     exec.Price,
			"remaining": next.RemainingSize,
		},
	})
	return Result{Trade: next.Clone(), From: cur.State, To: target, Applied: true, Execution: exec}, nil
}

// checkInvariants enforces the size bounds, and that the held size only grows
// through entry fills (including fills adopted from the exchange by auto-heal).
func checkInvariants(cur, next *domain.Trade, event domain.Event) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrInvariant, err)
	}
	entryFill := event == domain.EventFillPartial || event == domain.EventFillFull ||
		(event == domain.EventAutoHealAttempt && next.FilledSize > cur.FilledSize && next.RemainingSize <= next.FilledSize)
	if !entryFill && next.RemainingSize > cur.RemainingSize+sizeEpsilon {
		return fmt.Errorf("%w: trade %s remaining size grew from %v to %v on %s",
			ports.ErrInvariant, cur.ID, cur.RemainingSize, next.RemainingSize, event)
	}
	if next.State == domain.StateClosed && next.RemainingSize > sizeEpsilon {
		return fmt.Errorf("%w: trade %s closed with remaining size %v", ports.ErrInvariant, cur.ID, next.RemainingSize)
	}
	return nil
}

func execSide(side domain.OrderSide, event domain.Event) domain.OrderSide {
	switch event {
	case domain.EventScaleOut, domain.EventCloseSubmit, domain.EventCloseFill:
		return side.Opposite()
	}
	return side
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// RecordOrphan stores a corrective record for exchange state that has no local
// trade: the trade is inserted and moved straight to target (CLOSED or
// CANCELLED) with a single execution keyed by dedupKey. It returns false when
// dedupKey was already recorded.
func (m *Machine) RecordOrphan(ctx context.Context, t *domain.Trade, target domain.OrderState, dedupKey string) (bool, error) {
	if !target.Terminal() {
		return false, fmt.Errorf("record orphan failed: %w: target %s is not terminal", ports.ErrInvalidRequest, target)
	}
	if dedupKey == "" {
		return false, fmt.Errorf("record orphan failed: %w: empty dedup key", ports.ErrInvalidRequest)
	}
	seen, err := m.store.HasExecution(ctx, dedupKey)
	if err != nil {
		return false, fmt.Errorf("record orphan failed: %w", err)
	}
	if seen {
		return false, nil
	}

	t = t.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := m.now()
	t.State = domain.StateInit
	t.Origin = domain.OriginReconciliation
	t.RemainingSize = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	t.SchemaVersion = domain.TradeSchemaVersion
	if err := t.Validate(); err != nil {
		return false, fmt.Errorf("record orphan failed: %w: %w", ports.ErrInvalidRequest, err)
	}
	price := firstPositive(t.ExitPrice, t.EntryPrice, t.SignalPrice)
	if price <= 0 {
		return false, fmt.Errorf("record orphan failed: %w: no price", ports.ErrInvalidRequest)
	}

	l := m.lockFor(t.ID)
	l.Lock()
	defer l.Unlock()
	if err := m.store.InsertTrade(ctx, t); err != nil {
		return false, fmt.Errorf("record orphan failed: %w", err)
	}
	closed := t.Clone()
	closed.State = target
	exec := &domain.Execution{
		ID:              uuid.NewString(),
		TradeID:         t.ID,
		Type:            domain.ExecStateTransition,
		Side:            t.Side,
		Quantity:        t.PositionSize,
		Price:           price,
		Timestamp:       now,
		ExchangeOrderID: t.EntryOrderID,
		DedupKey:        dedupKey,
		StateFrom:       domain.StateInit,
		StateTo:         target,
	}
	inserted, err := m.store.CommitTransition(ctx, closed, exec)
	if err != nil {
		return false, fmt.Errorf("record orphan failed: %w", err)
	}
	if !inserted {
		return false, nil
	}
	m.put(closed)
	m.collectors.Transition(string(domain.StateInit), string(target))
	return true, nil
}

// Hydrate loads the non-terminal trades from the store, replacing the cache.
func (m *Machine) Hydrate(ctx context.Context) (int, error) {
	open, err := m.store.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("hydrate failed: %w", err)
	}
	m.mu.Lock()
	m.trades = make(map[string]*domain.Trade, len(open))
	for _, t := range open {
		m.trades[t.ID] = t.Clone()
	}
	for id := range m.locks {
		if _, ok := m.trades[id]; !ok {
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()
	m.logger.Info(ctx, "State machine hydrated", map[string]interface{}{"openTrades": len(open)})
	return len(open), nil
}

// Evict drops terminal trades last updated before cutoff from memory. The
// store keeps them; Get and Snapshot stop returning them.
func (m *Machine) Evict(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.trades {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.trades, id)
			delete(m.locks, id)
			n++
		}
	}
	return n
}

// Get returns a copy of the trade.
func (m *Machine) Get(id string) (*domain.Trade, bool) {
	t, ok := m.load(id)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Snapshot returns copies of the trades matching keep (all when nil), oldest first.
func (m *Machine) Snapshot(keep func(*domain.Trade) bool) []*domain.Trade {
	m.mu.RLock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if keep == nil || keep(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Open returns the non-terminal trades, optionally for one symbol.
func (m *Machine) Open(symbol string) []*domain.Trade {
	return m.Snapshot(func(t *domain.Trade) bool {
		return !t.State.Terminal() && (symbol == "" || t.Symbol == symbol)
	})
}

// Executions returns the trade's ledger.
func (m *Machine) Executions(ctx context.Context, tradeID string) ([]*domain.Execution, error) {
	return m.store.Executions(ctx, tradeID)
}

// IsInvalidTransition reports whether err is a rejected transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ports.ErrInvalidTransition)
}
