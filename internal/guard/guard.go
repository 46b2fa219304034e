// Package guard vetoes prospective trades before submission. Guards are pure
// functions of their inputs; the pipeline runs them in a fixed order and stops
// at the first block.
package guard

import (
	"context"
	"time"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/telemetry"
)

// Result is the tagged outcome of one guard: Pass or Block.
type Result struct {
	blocked  bool
	Reason   string
	Severity domain.Severity
}

// Pass lets the signal through.
func Pass() Result { return Result{} }

// Block vetoes the signal.
func Block(reason string, severity domain.Severity) Result {
	return Result{blocked: true, Reason: reason, Severity: severity}
}

// Blocked reports whether the guard vetoed the signal.
func (r Result) Blocked() bool { return r.blocked }

// Context is the proposed trade.
type Context struct {
	Signal domain.Signal
	Ticker *domain.Ticker // nil when no quote is available
	Now    time.Time
}

// Exposure is one open position as seen by the guards.
type Exposure struct {
	Symbol   string
	Side     domain.OrderSide
	Notional float64
}

// GlobalState is the read-only state the guards decide on.
type GlobalState struct {
	Risk                 risk.Snapshot
	Open                 []Exposure
	Balance              float64
	EstimatedSlippageBps float64
}

// Guard is one pre-trade check.
type Guard interface {
	Name() string
	Check(c *Context, g *GlobalState) Result
}

// Decision is the pipeline outcome. A block is a normal outcome, not an error.
type Decision struct {
	Allowed bool
	Guard   string // blocking guard, empty when allowed
	Reason  string
	Event   *domain.GuardEvent
}

// Pipeline runs guards in order.
type Pipeline struct {
	guards     []Guard
	store      ports.TradeStore
	logger     ports.Logger
	emitter    *telemetry.Emitter
	collectors *metrics.Collectors
}

// NewPipeline creates a pipeline over guards. store may be nil.
func NewPipeline(guards []Guard, store ports.TradeStore, logger ports.Logger, emitter *telemetry.Emitter, collectors *metrics.Collectors) *Pipeline {
	return &Pipeline{guards: guards, store: store, logger: logger, emitter: emitter, collectors: collectors}
}

// Names returns the guard names in evaluation order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.guards))
	for i, g := range p.guards {
		names[i] = g.Name()
	}
	return names
}

// Evaluate returns the first block or an allow decision. Blocks are recorded
// as guard events; nothing else is written.
func (p *Pipeline) Evaluate(ctx context.Context, c *Context, g *GlobalState) Decision {
	if c.Now.IsZero() {
		c.Now = time.Now().UTC()
	}
	for _, guard := range p.guards {
		res := guard.Check(c, g)
		if !res.Blocked() {
			continue
		}
		ev := &domain.GuardEvent{
			Guard:       guard.Name(),
			Symbol:      c.Signal.Symbol,
			Reason:      res.Reason,
			Severity:    res.Severity,
			ActionTaken: "signal_rejected",
			Timestamp:   c.Now,
		}
		if isGlobal(guard.Name()) {
			ev.Symbol = ""
		}
		p.record(ctx, ev)
		return Decision{Guard: guard.Name(), Reason: res.Reason, Event: ev}
	}
	return Decision{Allowed: true}
}

func (p *Pipeline) record(ctx context.Context, ev *domain.GuardEvent) {
	p.collectors.GuardBlocked(ev.Guard)
	if p.store != nil {
		if err := p.store.InsertGuardEvent(ctx, ev); err != nil {
			p.logger.Warn(ctx, "Failed to store guard event", map[string]interface{}{"guard": ev.Guard, "error": err.Error()})
		}
	}
	p.emitter.Emit(ctx, telemetry.Event{
		Time:     ev.Timestamp,
		Name:     telemetry.GuardBlock,
		Symbol:   ev.Symbol,
		Severity: ev.Severity,
		Payload: map[string]interface{}{
			"guard":  ev.Guard,
			"reason": ev.Reason,
			"action": ev.ActionTaken,
		},
	})
}

func isGlobal(name string) bool {
	return name == NameHalt || name == NameLossLimits
}
