// Package replay runs recorded candles and signals through the full lifecycle
// stack against a paper exchange. Runs are repeatable: the same inputs yield
// the same trades and the same history digests.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/adapters/paper"
	"orderLifecycleBot/internal/app"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// Runner owns one paper exchange, one in-memory store and the service wired
// on top of them.
type Runner struct {
	cfg    *config.Config
	feed   *Feed
	ex     *paper.Exchange
	store  *memstore.Store
	c      *app.Components
	svc    *app.TradingService
	clock  *cursor
	logger ports.Logger
}

// cursor is the replay clock: the time of the price being replayed. Every
// component of a run reads it so daily limits and cooldowns follow the data.
type cursor struct{ ns atomic.Int64 }

func (c *cursor) set(t time.Time) { c.ns.Store(t.UnixNano()) }

func (c *cursor) now() time.Time { return time.Unix(0, c.ns.Load()).UTC() }

// TradeResult is the outcome of one trade of a run.
type TradeResult struct {
	ID          string
	Symbol      string
	Side        domain.OrderSide
	State       domain.OrderState
	Entry       float64
	Exit        float64
	Size        float64
	PnL         float64
	CloseReason domain.CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
	Digest      string
}

// Result is the outcome of a run.
type Result struct {
	Bars      int
	Signals   int
	Blocked   map[string]int // guard name -> count
	Trades    []TradeResult
	Summary   Summary
	RiskLevel domain.RiskLevel
}

// New wires a paper run from cfg. Exchange and store settings of cfg are ignored.
func New(cfg *config.Config, logger ports.Logger) (*Runner, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("replay: %w: missing config or logger", ports.ErrConfigurationError)
	}
	run := *cfg
	run.Exchange = "paper"
	run.Store = "memory"

	feed := NewFeed()
	clock := &cursor{}
	ex := paper.New(run.Market, run.QuoteAsset, run.PaperBalance, run.Guard.FeeBps).WithMarketData(feed).WithClock(clock.now)
	store := memstore.New()
	c, err := app.Wire(&run, ex, store, logger, nil)
	if err != nil {
		return nil, err
	}
	svc, err := app.NewTradingService(&run, c)
	if err != nil {
		return nil, err
	}
	svc.SetClock(clock.now)
	return &Runner{cfg: &run, feed: feed, ex: ex, c: c, store: store, svc: svc, clock: clock, logger: logger}, nil
}

// Exchange exposes the paper exchange, e.g. to set symbol filters before Run.
func (r *Runner) Exchange() *paper.Exchange { return r.ex }

// Run replays klines in close-time order. Each signal is submitted right after
// the first candle of its symbol closing at or after the signal time, priced
// at that candle's close. Open trades are left open at the end of the data.
func (r *Runner) Run(ctx context.Context, klines []*domain.Kline, signals []domain.Signal) (*Result, error) {
	bars := append([]*domain.Kline(nil), klines...)
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].CloseTime.Before(bars[j].CloseTime) })
	pending := append([]domain.Signal(nil), signals...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Time.Before(pending[j].Time) })

	if len(bars) > 0 {
		first := bars[0]
		r.clock.set(first.OpenTime)
		r.ex.SetPrice(first.Symbol, first.Open)
	}
	// Drivers started by the service end with runCtx.
	runCtx, stopDrivers := context.WithCancel(ctx)
	if err := r.svc.Start(runCtx); err != nil {
		stopDrivers()
		return nil, fmt.Errorf("replay start: %w", err)
	}
	defer func() {
		stopDrivers()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.svc.Shutdown(stopCtx); err != nil {
			r.logger.Warn(ctx, "Replay shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}()

	res := &Result{Blocked: make(map[string]int)}
	for _, k := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.walk(ctx, k)
		r.clock.set(k.CloseTime)
		r.feed.push(k)
		res.Bars++

		rest := pending[:0]
		for _, sig := range pending {
			if sig.Symbol != k.Symbol || sig.Time.After(k.CloseTime) {
				rest = append(rest, sig)
				continue
			}
			sig.Price = k.Close
			sig.Bar = k
			sig.Time = k.CloseTime
			res.Signals++
			out, err := r.svc.SubmitSignal(ctx, sig)
			if err != nil {
				r.logger.Warn(ctx, "Replay signal failed", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
				continue
			}
			if out.Blocked {
				res.Blocked[out.Decision.Guard]++
			}
		}
		pending = rest
	}

	// The store, not the machine: finished trades may be evicted from memory.
	trades := r.store.Trades(func(t *domain.Trade) bool { return t.Origin != domain.OriginReconciliation })
	for _, t := range trades {
		tr := TradeResult{
			ID: t.ID, Symbol: t.Symbol, Side: t.Side, State: t.State,
			Entry: t.EntryPrice, Exit: t.ExitPrice, Size: t.PositionSize, PnL: t.RealizedPnL,
			CloseReason: t.CloseReason, OpenedAt: t.CreatedAt,
		}
		if t.State.Terminal() {
			tr.ClosedAt = t.UpdatedAt
		}
		execs, err := r.c.Machine.Executions(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("replay history of %s: %w", t.ID, err)
		}
		tr.Digest = domain.HistoryDigest(execs)
		res.Trades = append(res.Trades, tr)
	}
	res.Summary = Summarize(res.Trades, r.cfg.PaperBalance)
	res.RiskLevel = r.c.Risk.State().Snapshot().Level
	return res, nil
}

// walk moves the price through the candle's range before its close, visiting
// the extreme farther from the close first, so protective orders and
// scale-outs see intrabar moves.
func (r *Runner) walk(ctx context.Context, k *domain.Kline) {
	path := []float64{k.Open, k.Low, k.High}
	if k.Close < k.Open {
		path = []float64{k.Open, k.High, k.Low}
	}
	step := k.CloseTime.Sub(k.OpenTime) / time.Duration(len(path)+1)
	for i, p := range path {
		if p <= 0 {
			continue
		}
		at := k.OpenTime.Add(step * time.Duration(i))
		r.clock.set(at)
		r.ex.SetPrice(k.Symbol, p)
		r.svc.Tick(ctx, k.Symbol, p, at)
	}
}
