// Package reconcile diffs local trade state against the exchange's open
// orders and positions and issues the corrective transitions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/execution"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/retry"
	"orderLifecycleBot/internal/telemetry"
)

// OrphanPolicy is the terminal state recorded for exchange orders and
// positions that have no local trade.
type OrphanPolicy string

const (
	OrphanClosed    OrphanPolicy = "closed"
	OrphanCancelled OrphanPolicy = "cancelled" // also cancels the order on the exchange
)

// StalledPolicy decides what happens to an entry stuck in PARTIAL.
type StalledPolicy string

const (
	StalledNone   StalledPolicy = "none"
	StalledReduce StalledPolicy = "reduce" // keep the filled part as the position
	StalledCancel StalledPolicy = "cancel" // cancel the rest and close the filled part
)

// Config holds reconciliation settings.
type Config struct {
	Symbols          []string
	Interval         time.Duration
	Budget           time.Duration // Upper bound of one run
	RatePerSecond    float64       // Listing calls per second
	OrphanPolicy     OrphanPolicy
	StalledPolicy    StalledPolicy
	StalledAfter     time.Duration
	SubmitStaleAfter time.Duration // Grace before an opening trade without exchange counterpart is resolved
	Retry            retry.Policy
}

// Coordinator is the execution side the engine drives.
type Coordinator interface {
	ApplyFill(ctx context.Context, tradeID string, fill domain.FillReport) error
	AutoHeal(ctx context.Context, tradeID string) error
	CancelEntry(ctx context.Context, tradeID string, reason domain.CloseReason) error
	Protect(ctx context.Context, tradeID string) error
	SettleExternal(ctx context.Context, tradeID string, reason domain.CloseReason) error
	ShrinkToFilled(ctx context.Context, tradeID string) error
	CancelStalled(ctx context.Context, tradeID string) error
}

// ActionKind names a corrective action.
type ActionKind string

const (
	ActionOrphanOrder    ActionKind = "orphan_order"
	ActionOrphanPosition ActionKind = "orphan_position"
	ActionStaleOrder     ActionKind = "stale_order_cancelled"
	ActionMergeFill      ActionKind = "merge_fill"
	ActionAutoClose      ActionKind = "auto_close"
	ActionCancelMissing  ActionKind = "cancel_missing_entry"
	ActionCompleteCancel ActionKind = "complete_cancel"
	ActionShrinkPartial  ActionKind = "shrink_partial"
	ActionCancelStalled  ActionKind = "cancel_stalled"
	ActionProtect        ActionKind = "protect"
	ActionAutoHeal       ActionKind = "auto_heal"
)

// Action is one corrective step taken by a run.
type Action struct {
	Kind    ActionKind
	Symbol  string
	TradeID string
	OrderID int64
	Detail  string
}

// Report summarizes one run.
type Report struct {
	StartedAt  time.Time
	Duration   time.Duration
	Symbols    []string
	Actions    []Action
	Errors     []string
	Incomplete bool // Budget ran out or a listing failed
}

// Corrections returns how many corrective actions the run took.
func (r Report) Corrections() int {
	return len(r.Actions)
}

// Engine reconciles local and exchange state. Runs never overlap.
type Engine struct {
	cfg        Config
	exchange   ports.ExchangeClient
	machine    *fsm.Machine
	coord      Coordinator
	logger     ports.Logger
	emitter    *telemetry.Emitter
	collectors *metrics.Collectors
	limiter    *rate.Limiter
	group      singleflight.Group
	now        func() time.Time

	// orphans maps symbol|side of an unowned position still held to the run
	// that first saw it. Only run touches it.
	orphans map[string]time.Time

	mu   sync.RWMutex
	last Report
}

// NewEngine creates an engine.
func NewEngine(cfg Config, exchange ports.ExchangeClient, machine *fsm.Machine, coord Coordinator,
	logger ports.Logger, emitter *telemetry.Emitter, collectors *metrics.Collectors) *Engine {
	if cfg.Budget <= 0 {
		cfg.Budget = 20 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.OrphanPolicy == "" {
		cfg.OrphanPolicy = OrphanClosed
	}
	if cfg.StalledPolicy == "" {
		cfg.StalledPolicy = StalledNone
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = ports.IsTransient
	}
	burst := int(math.Ceil(cfg.RatePerSecond))
	return &Engine{
		cfg:        cfg,
		exchange:   exchange,
		machine:    machine,
		coord:      coord,
		logger:     logger,
		emitter:    emitter,
		collectors: collectors,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		now:        func() time.Time { return time.Now().UTC() },
		orphans:    make(map[string]time.Time),
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// LastReport returns the report of the most recent completed run.
func (e *Engine) LastReport() Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Run reconciles once. A call made while a run is in progress waits for it
// and shares its result.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	v, err, _ := e.group.Do("reconcile", func() (interface{}, error) {
		rep, err := e.run(ctx)
		e.mu.Lock()
		e.last = rep
		e.mu.Unlock()
		return rep, err
	})
	rep, _ := v.(Report)
	return rep, err
}

// Start runs reconciliation every Interval until ctx is done. The returned
// channel is closed when the loop exits.
func (e *Engine) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Run(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error(ctx, err, "Reconciliation run failed")
				}
			}
		}
	}()
	return done
}

// symbolView is the exchange state of one symbol.
type symbolView struct {
	orders    []domain.ExchangeOrder
	byID      map[int64]domain.ExchangeOrder
	byClient  map[string]domain.ExchangeOrder
	positions map[domain.OrderSide]domain.ExchangePosition
}

func (v *symbolView) held(side domain.OrderSide) float64 {
	return v.positions[side].Quantity
}

func (e *Engine) run(ctx context.Context) (Report, error) {
	start := e.now()
	rep := Report{StartedAt: start}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	// Local view first: a trade created after this point is not judged
	// against exchange data listed before it existed.
	local := e.machine.Open("")
	symbols := e.symbols(local)
	rep.Symbols = symbols

	views, fetchErrs := e.fetch(ctx, symbols)
	var errs []error
	for _, sym := range symbols {
		if err, ok := fetchErrs[sym]; ok {
			rep.Incomplete = true
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", sym, err))
			errs = append(errs, fmt.Errorf("list %s: %w", sym, err))
		}
	}

	now := e.now()
	for _, t := range local {
		v, ok := views[t.Symbol]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := e.reconcileTrade(ctx, t, v, local, now, &rep); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
	}

	for _, sym := range symbols {
		v, ok := views[sym]
		if !ok || ctx.Err() != nil {
			continue
		}
		if err := e.reconcileOrders(ctx, sym, v, now, &rep); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
		if err := e.reconcilePositions(ctx, sym, v, touched(e.machine, &rep), now, &rep); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
	}

	if ctx.Err() != nil {
		rep.Incomplete = true
		errs = append(errs, fmt.Errorf("reconciliation exceeded budget %s: %w", e.cfg.Budget, ports.ErrTimeout))
	}
	rep.Duration = e.now().Sub(start)
	e.logger.Info(ctx, "Reconciliation finished", map[string]interface{}{
		"symbols":     len(symbols),
		"corrections": rep.Corrections(),
		"errors":      len(rep.Errors),
		"incomplete":  rep.Incomplete,
		"duration":    rep.Duration.String(),
	})
	return rep, errors.Join(errs...)
}

func (e *Engine) symbols(local []*domain.Trade) []string {
	set := make(map[string]struct{})
	for _, s := range e.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, t := range local {
		set[t.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// fetch lists orders per symbol and positions concurrently. A symbol whose
// listing failed is left out of the result so nothing is corrected from a
// partial view.
func (e *Engine) fetch(ctx context.Context, symbols []string) (map[string]*symbolView, map[string]error) {
	var mu sync.Mutex
	orders := make(map[string][]domain.ExchangeOrder)
	failed := make(map[string]error)
	var positions []domain.ExchangePosition
	var positionsErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sym := range symbols {
		g.Go(func() error {
			var list []domain.ExchangeOrder
			err := e.list(gctx, "GetOpenOrders", func(ctx context.Context) error {
				var err error
				list, err = e.exchange.GetOpenOrders(ctx, sym)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[sym] = err
				return nil
			}
			orders[sym] = list
			return nil
		})
	}
	g.Go(func() error {
		positionsErr = e.list(gctx, "GetPositions", func(ctx context.Context) error {
			var err error
			positions, err = e.exchange.GetPositions(ctx, symbols)
			return err
		})
		return nil
	})
	_ = g.Wait()

	views := make(map[string]*symbolView)
	if positionsErr != nil {
		for _, sym := range symbols {
			if _, ok := failed[sym]; !ok {
				failed[sym] = positionsErr
			}
		}
		return views, failed
	}
	for _, sym := range symbols {
		list, ok := orders[sym]
		if !ok {
			continue
		}
		v := &symbolView{
			orders:    list,
			byID:      make(map[int64]domain.ExchangeOrder, len(list)),
			byClient:  make(map[string]domain.ExchangeOrder, len(list)),
			positions: make(map[domain.OrderSide]domain.ExchangePosition),
		}
		for _, o := range list {
			v.byID[o.OrderID] = o
			if o.ClientOrderID != "" {
				v.byClient[o.ClientOrderID] = o
			}
		}
		views[sym] = v
	}
	for _, p := range positions {
		if v, ok := views[p.Symbol]; ok && p.Quantity > 0 {
			v.positions[p.Side] = p
		}
	}
	return views, failed
}

// list paces and retries one listing call.
func (e *Engine) list(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return e.cfg.Retry.Do(ctx, op, func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ports.ErrTimeout, err)
		}
		return fn(ctx)
	})
}

func (e *Engine) record(ctx context.Context, rep *Report, a Action, severity domain.Severity) {
	rep.Actions = append(rep.Actions, a)
	e.collectors.ReconciliationAction(string(a.Kind))
	payload := map[string]interface{}{"action": string(a.Kind)}
	if a.OrderID != 0 {
		payload["order_id"] = a.OrderID
	}
	if a.Detail != "" {
		payload["detail"] = a.Detail
	}
	e.emitter.Emit(ctx, telemetry.Event{
		Name:     telemetry.Reconciliation,
		Symbol:   a.Symbol,
		TradeID:  a.TradeID,
		Severity: severity,
		Payload:  payload,
	})
}

func entryOrder(t *domain.Trade, v *symbolView) (domain.ExchangeOrder, bool) {
	if t.EntryOrderID != 0 {
		if o, ok := v.byID[t.EntryOrderID]; ok {
			return o, true
		}
	}
	if t.ClientOrderID != "" {
		if o, ok := v.byClient[t.ClientOrderID]; ok {
			return o, true
		}
	}
	return domain.ExchangeOrder{}, false
}

// heldFor is the part of the symbol's position not already carried by other
// trades past their opening states.
func heldFor(t *domain.Trade, v *symbolView, local []*domain.Trade) float64 {
	held := v.held(t.Side)
	for _, o := range local {
		if o.ID == t.ID || o.Symbol != t.Symbol || o.Side != t.Side || o.State.Opening() {
			continue
		}
		held -= o.RemainingSize
	}
	if held < 0 {
		held = 0
	}
	if held > t.PositionSize {
		held = t.PositionSize
	}
	return held
}

const qtyEpsilon = 1e-9

// reconcileTrade corrects one local trade against the exchange view.
func (e *Engine) reconcileTrade(ctx context.Context, snap *domain.Trade, v *symbolView, local []*domain.Trade, now time.Time, rep *Report) error {
	t, ok := e.machine.Get(snap.ID)
	if !ok || t.State.Terminal() || !t.UpdatedAt.Equal(snap.UpdatedAt) {
		// Moved on while the exchange was listed; the next run sees it settled.
		return nil
	}
	stale := now.Sub(t.UpdatedAt) >= e.cfg.SubmitStaleAfter
	entry, entryOpen := entryOrder(t, v)
	act := func(kind ActionKind, detail string) Action {
		return Action{Kind: kind, Symbol: t.Symbol, TradeID: t.ID, Detail: detail}
	}

	switch t.State {
	case domain.StateError:
		if err := e.coord.AutoHeal(ctx, t.ID); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionAutoHeal, t.LastError), domain.SeverityWarning)

	case domain.StateInit, domain.StateSubmitting:
		if entryOpen || !stale || t.State == domain.StateInit {
			return nil
		}
		if err := e.coord.CancelEntry(ctx, t.ID, domain.CloseReasonReconciled); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionCancelMissing, "submission never reached the exchange"), domain.SeverityWarning)

	case domain.StateOpenPending, domain.StatePartial:
		return e.reconcileOpening(ctx, t, v, local, entry, entryOpen, stale, now, rep)

	case domain.StateOpen:
		if v.held(t.Side) <= qtyEpsilon {
			if err := e.coord.SettleExternal(ctx, t.ID, domain.CloseReasonReconciled); err != nil {
				return err
			}
			e.record(ctx, rep, act(ActionAutoClose, "position gone before protection"), domain.SeverityWarning)
			return nil
		}
		if err := e.coord.Protect(ctx, t.ID); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionProtect, ""), domain.SeverityWarning)

	case domain.StateActive, domain.StateScalingOut, domain.StateTrailingAdjust, domain.StateClosing:
		held := v.held(t.Side)
		if held <= qtyEpsilon {
			if err := e.coord.SettleExternal(ctx, t.ID, domain.CloseReasonReconciled); err != nil {
				return err
			}
			e.record(ctx, rep, act(ActionAutoClose, "no exchange position"), domain.SeverityWarning)
			return nil
		}
		if t.State == domain.StateActive && held+qtyEpsilon < t.RemainingSize {
			e.logger.Warn(ctx, "Exchange position smaller than local remaining size", map[string]interface{}{
				"tradeID": t.ID, "remaining": t.RemainingSize, "exchange": held,
			})
		}

	case domain.StateCancelPending:
		if entryOpen {
			return nil
		}
		if err := e.coord.SettleExternal(ctx, t.ID, t.CloseReason); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionCompleteCancel, ""), domain.SeverityInfo)
	}
	return nil
}

func (e *Engine) reconcileOpening(ctx context.Context, t *domain.Trade, v *symbolView, local []*domain.Trade,
	entry domain.ExchangeOrder, entryOpen, stale bool, now time.Time, rep *Report) error {
	act := func(kind ActionKind, detail string) Action {
		return Action{Kind: kind, Symbol: t.Symbol, TradeID: t.ID, OrderID: t.EntryOrderID, Detail: detail}
	}

	cum := heldFor(t, v, local)
	if entryOpen {
		cum = entry.ExecutedQty
	}
	if cum > t.FilledSize+qtyEpsilon {
		err := e.coord.ApplyFill(ctx, t.ID, domain.FillReport{
			ExchangeOrderID: t.EntryOrderID,
			CumulativeQty:   cum,
			AvgPrice:        entry.AvgPrice,
			Time:            now,
		})
		if err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionMergeFill, "cumulative "+strconv.FormatFloat(cum, 'f', -1, 64)), domain.SeverityWarning)
		cur, ok := e.machine.Get(t.ID)
		if !ok || cur.State != domain.StatePartial {
			return nil
		}
		t = cur
	}

	if !entryOpen {
		// The entry order is finished on the exchange.
		if !stale {
			return nil
		}
		switch {
		case t.FilledSize <= qtyEpsilon:
			if err := e.coord.CancelEntry(ctx, t.ID, domain.CloseReasonReconciled); err != nil {
				return err
			}
			e.record(ctx, rep, act(ActionCancelMissing, "entry order gone without fills"), domain.SeverityWarning)
		case cum+qtyEpsilon < t.FilledSize:
			if err := e.coord.SettleExternal(ctx, t.ID, domain.CloseReasonReconciled); err != nil {
				return err
			}
			e.record(ctx, rep, act(ActionAutoClose, "filled part no longer held"), domain.SeverityWarning)
		default:
			if err := e.coord.ShrinkToFilled(ctx, t.ID); err != nil {
				return err
			}
			e.record(ctx, rep, act(ActionShrinkPartial, "entry order ended partially filled"), domain.SeverityWarning)
		}
		return nil
	}

	if t.State != domain.StatePartial || e.cfg.StalledAfter <= 0 || now.Sub(t.UpdatedAt) < e.cfg.StalledAfter {
		return nil
	}
	switch e.cfg.StalledPolicy {
	case StalledReduce:
		if err := e.coord.ShrinkToFilled(ctx, t.ID); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionShrinkPartial, "stalled partial fill"), domain.SeverityWarning)
	case StalledCancel:
		if err := e.coord.CancelStalled(ctx, t.ID); err != nil {
			return err
		}
		e.record(ctx, rep, act(ActionCancelStalled, "stalled partial fill"), domain.SeverityWarning)
	default:
		e.logger.Warn(ctx, "Partial fill stalled", map[string]interface{}{
			"tradeID": t.ID, "filled": t.FilledSize, "positionSize": t.PositionSize,
			"since": t.UpdatedAt.Format(time.RFC3339),
		})
	}
	return nil
}

// references reports whether order o belongs to trade t's live orders.
func references(t *domain.Trade, o domain.ExchangeOrder) bool {
	if o.OrderID != 0 && (o.OrderID == t.EntryOrderID || o.OrderID == t.Protection.StopOrderID || o.OrderID == t.Protection.TPOrderID) {
		return true
	}
	return t.EntryOrderID == 0 && o.ClientOrderID != "" && o.ClientOrderID == t.ClientOrderID
}

func protective(o domain.ExchangeOrder) bool {
	return o.ReduceOnly || strings.Contains(o.Type, "STOP") || strings.Contains(o.Type, "TAKE_PROFIT") || o.Type == "LIMIT_MAKER"
}

// reconcileOrders handles exchange orders without a live local owner.
// Orders placed for a known trade that no longer references them are
// cancelled; orders of unknown origin are recorded as orphans.
func (e *Engine) reconcileOrders(ctx context.Context, symbol string, v *symbolView, now time.Time, rep *Report) error {
	known := e.machine.Snapshot(func(t *domain.Trade) bool { return t.Symbol == symbol })
	var errs []error
	for _, o := range v.orders {
		if ctx.Err() != nil {
			break
		}
		var owner *domain.Trade
		skip := false
		for _, t := range known {
			refs := references(t, o)
			if !refs && !strings.HasPrefix(o.ClientOrderID, execution.OwnerPrefix(t.ID)) {
				continue
			}
			if (refs && !t.State.Terminal()) || (refs && t.Origin == domain.OriginReconciliation) {
				// Live order, or an orphan already recorded.
				skip = true
				break
			}
			if t.Origin != domain.OriginReconciliation {
				owner = t
			}
		}
		if skip {
			continue
		}
		if owner != nil {
			if err := e.cancelStale(ctx, owner, o, now, rep); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := e.recordOrphanOrder(ctx, o, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cancelStale cancels an order left behind by one of our trades: a replaced
// protective leg or an order of a finished trade. The owner's lock is held so
// an in-flight protection swap is not mistaken for a leftover.
func (e *Engine) cancelStale(ctx context.Context, owner *domain.Trade, o domain.ExchangeOrder, now time.Time, rep *Report) error {
	if !owner.State.Terminal() && !o.UpdatedAt.IsZero() && now.Sub(o.UpdatedAt) < e.cfg.SubmitStaleAfter {
		return nil
	}
	var cancelled bool
	err := e.machine.Do(ctx, owner.ID, func(tx *fsm.Tx) error {
		if cur := tx.Trade(); !cur.State.Terminal() && references(cur, o) {
			return nil
		}
		ok, err := e.cancelOrder(ctx, o)
		cancelled = ok
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel stale order %d of %s: %w", o.OrderID, owner.ID, err)
	}
	if cancelled {
		e.record(ctx, rep, Action{Kind: ActionStaleOrder, Symbol: o.Symbol, TradeID: owner.ID, OrderID: o.OrderID, Detail: o.Type}, domain.SeverityWarning)
	}
	return nil
}

// cancelOrder cancels o; false means the order was already gone.
func (e *Engine) cancelOrder(ctx context.Context, o domain.ExchangeOrder) (bool, error) {
	err := e.cfg.Retry.Do(ctx, "CancelOrder", func(ctx context.Context) error {
		_, err := e.exchange.CancelOrder(ctx, o.Symbol, o.OrderID)
		return err
	})
	if errors.Is(err, ports.ErrOrderNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) orphanTarget() domain.OrderState {
	if e.cfg.OrphanPolicy == OrphanCancelled {
		return domain.StateCancelled
	}
	return domain.StateClosed
}

func (e *Engine) recordOrphanOrder(ctx context.Context, o domain.ExchangeOrder, rep *Report) error {
	key := fmt.Sprintf("orphan:order:%d", o.OrderID)
	cancel := protective(o) || e.cfg.OrphanPolicy == OrphanCancelled
	if cancel {
		gone, err := e.cancelOrphan(ctx, o)
		if err != nil {
			return err
		}
		if gone {
			return nil
		}
	}

	qty := o.OrigQty - o.ExecutedQty
	if qty <= 0 {
		qty = o.OrigQty
	}
	price := firstPositive(o.AvgPrice, o.Price, o.StopPrice)
	if price <= 0 {
		price = e.mark(ctx, o.Symbol)
	}
	inserted, err := e.machine.RecordOrphan(ctx, &domain.Trade{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Market:        e.exchange.Market(),
		PositionSize:  qty,
		EntryPrice:    price,
		EntryOrderID:  o.OrderID,
		ClientOrderID: o.ClientOrderID,
		CloseReason:   domain.CloseReasonReconciled,
	}, e.orphanTarget(), key)
	if err != nil {
		return fmt.Errorf("record orphan order %d: %w", o.OrderID, err)
	}
	if !inserted {
		return nil
	}
	detail := o.Type
	if cancel {
		detail += " cancelled"
	}
	e.record(ctx, rep, Action{Kind: ActionOrphanOrder, Symbol: o.Symbol, OrderID: o.OrderID, Detail: detail}, domain.SeverityWarning)
	return nil
}

// cancelOrphan cancels an orphan order; gone reports that it had already
// disappeared, in which case nothing is recorded.
func (e *Engine) cancelOrphan(ctx context.Context, o domain.ExchangeOrder) (gone bool, err error) {
	ok, err := e.cancelOrder(ctx, o)
	if err != nil {
		return false, fmt.Errorf("cancel orphan order %d: %w", o.OrderID, err)
	}
	return !ok, nil
}

// reconcilePositions records futures positions that no local trade carries.
// An unowned position is recorded once while it stays open, whatever its
// size does; it counts again only after going flat. Spot balances are
// holdings, not positions, and are left alone.
func (e *Engine) reconcilePositions(ctx context.Context, symbol string, v *symbolView, acted map[string]bool, now time.Time, rep *Report) error {
	if e.exchange.Market() != domain.MarketFutures {
		return nil
	}
	for _, side := range []domain.OrderSide{domain.Buy, domain.Sell} {
		if _, held := v.positions[side]; !held {
			delete(e.orphans, symbol+"|"+string(side))
		}
	}
	open := e.machine.Open(symbol)
	var errs []error
	for side, p := range v.positions {
		ss := symbol + "|" + string(side)
		// The listing predates this run's corrections on the same side.
		owned := acted[ss]
		for _, t := range open {
			if t.Side == side {
				owned = true
				break
			}
		}
		if owned {
			delete(e.orphans, ss)
			continue
		}
		since, seen := e.orphans[ss]
		if !seen {
			since = now
			e.orphans[ss] = since
		}
		key := fmt.Sprintf("orphan:position:%s:%s:%d", symbol, side, since.UnixMilli())
		price := firstPositive(p.MarkPrice, p.EntryPrice)
		if price <= 0 {
			price = e.mark(ctx, symbol)
		}
		inserted, err := e.machine.RecordOrphan(ctx, &domain.Trade{
			Symbol:       symbol,
			Side:         side,
			Market:       domain.MarketFutures,
			PositionSize: p.Quantity,
			EntryPrice:   firstPositive(p.EntryPrice, price),
			ExitPrice:    price,
			CloseReason:  domain.CloseReasonReconciled,
		}, e.orphanTarget(), key)
		if err != nil {
			errs = append(errs, fmt.Errorf("record orphan position %s %s: %w", symbol, side, err))
			continue
		}
		if inserted {
			e.logger.Warn(ctx, "Exchange position without local trade left open", map[string]interface{}{
				"symbol": symbol, "side": string(side), "quantity": p.Quantity,
			})
			e.record(ctx, rep, Action{Kind: ActionOrphanPosition, Symbol: symbol, Detail: fmt.Sprintf("%s %v", side, p.Quantity)}, domain.SeverityWarning)
		}
	}
	return errors.Join(errs...)
}

// touched returns the symbol|side pairs of trades corrected so far in the run.
func touched(m *fsm.Machine, rep *Report) map[string]bool {
	out := make(map[string]bool)
	for _, a := range rep.Actions {
		if a.TradeID == "" {
			continue
		}
		if t, ok := m.Get(a.TradeID); ok {
			out[t.Symbol+"|"+string(t.Side)] = true
		}
	}
	return out
}

func (e *Engine) mark(ctx context.Context, symbol string) float64 {
	var tk domain.Ticker
	err := e.cfg.Retry.Do(ctx, "GetTicker", func(ctx context.Context) error {
		var err error
		tk, err = e.exchange.GetTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return 0
	}
	return tk.Mid()
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
