// Package telemetry emits the structured lifecycle events consumed by
// external log pipelines: one log record per event with the fields
// ts, event, symbol, trade_id, severity and payload.
package telemetry

import (
	"context"
	"sync"
	"time"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// Event names.
const (
	TradeOpen        = "trade_open"
	TradeClose       = "trade_close"
	PartialExit      = "partial_exit"
	TrailingUpdate   = "trailing_update"
	Reconciliation   = "reconciliation"
	AutoHealAttempt  = "auto_heal_attempt"
	AutoHealSuccess  = "auto_heal_success"
	AutoHealFail     = "auto_heal_fail"
	AnomalyLatency   = "anomaly_latency"
	AnomalySlippage  = "anomaly_slippage"
	RiskEscalation   = "risk_escalation"
	GuardBlock       = "guard_block"
	StateTransition  = "state_transition"
	OperatorCommand  = "operator_command"
	SubmitDuplicate  = "submit_duplicate"
	ProtectionFailed = "protection_failed"
)

// Event is one structured telemetry record.
type Event struct {
	Time     time.Time
	Name     string
	Symbol   string
	TradeID  string
	Severity domain.Severity
	Payload  map[string]interface{}
}

// Emitter writes events to the logger and fans them out to subscribers.
type Emitter struct {
	logger ports.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs []func(Event)
	last map[string]Event // most recent event per name
}

// NewEmitter creates an emitter writing through logger.
func NewEmitter(logger ports.Logger) *Emitter {
	return &Emitter{logger: logger, now: time.Now, last: make(map[string]Event)}
}

// Subscribe registers fn to receive every subsequent event.
func (e *Emitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Emit records ev. A zero Time is stamped with the current time.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = domain.SeverityInfo
	}
	fields := map[string]interface{}{
		"ts":       ev.Time.Format(time.RFC3339Nano),
		"event":    ev.Name,
		"severity": string(ev.Severity),
	}
	if ev.Symbol != "" {
		fields["symbol"] = ev.Symbol
	}
	if ev.TradeID != "" {
		fields["trade_id"] = ev.TradeID
	}
	if len(ev.Payload) > 0 {
		fields["payload"] = ev.Payload
	}

	if e.logger != nil {
		switch ev.Severity {
		case domain.SeverityCritical:
			e.logger.Error(ctx, nil, ev.Name, fields)
		case domain.SeverityWarning:
			e.logger.Warn(ctx, ev.Name, fields)
		default:
			e.logger.Info(ctx, ev.Name, fields)
		}
	}

	e.mu.Lock()
	e.last[ev.Name] = ev
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Last returns the most recent event with the given name.
func (e *Emitter) Last(name string) (Event, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev, ok := e.last[name]
	return ev, ok
}

// Recorder collects events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Attach subscribes the recorder to e and returns it.
func (r *Recorder) Attach(e *Emitter) *Recorder {
	e.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}
