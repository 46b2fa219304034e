// Package trailing manages open positions on every price update: it takes
// partial profits at configured R multiples and trails the stop once the
// trade is far enough in profit.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// Mode selects how the trailing stop distance is computed.
type Mode string

const (
	ModeATR  Mode = "atr"  // price ∓ ATR × multiple
	ModeStep Mode = "step" // price × (1 ∓ step%)
)

// Level is one partial exit: Fraction of the remaining size at R multiple R.
type Level struct {
	R        float64
	Fraction float64
}

// Config holds the exit management settings.
type Config struct {
	Levels      []Level
	ActivationR float64 // Trailing starts at this R multiple; 0 disables trailing
	Mode        Mode
	ATRMultiple float64
	StepPercent float64
	Cooldown    time.Duration // Minimum time between two stop updates of a trade
}

// ParseLevels parses "1:0.5,2:0.25" into levels.
func ParseLevels(s string) ([]Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var levels []Level
	for _, part := range strings.Split(s, ",") {
		rs, fs, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("partial exit level %q: want R:fraction", part)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(rs), 64)
		if err != nil {
			return nil, fmt.Errorf("partial exit level %q: %w", part, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(fs), 64)
		if err != nil {
			return nil, fmt.Errorf("partial exit level %q: %w", part, err)
		}
		levels = append(levels, Level{R: r, Fraction: f})
	}
	return levels, nil
}

// Trades is the read side of the order state machine.
type Trades interface {
	Open(symbol string) []*domain.Trade
	Get(id string) (*domain.Trade, bool)
}

// Actions executes exit decisions. Both calls must be idempotent per trade
// and level (ScaleOut) or stop price (AdjustStop).
type Actions interface {
	ScaleOut(ctx context.Context, tradeID string, r, fraction, price float64) error
	AdjustStop(ctx context.Context, tradeID string, stop, price float64) error
}

// Engine evaluates exit rules for ACTIVE trades.
type Engine struct {
	cfg     Config
	trades  Trades
	actions Actions
	logger  ports.Logger

	mu        sync.Mutex
	lastTrail map[string]time.Time
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg Config, trades Trades, actions Actions, logger ports.Logger) (*Engine, error) {
	var errs []error
	for _, l := range cfg.Levels {
		if l.R <= 0 {
			errs = append(errs, fmt.Errorf("partial exit R multiple must be positive, got %v", l.R))
		}
		if l.Fraction <= 0 || l.Fraction > 1 {
			errs = append(errs, fmt.Errorf("partial exit fraction must be in (0,1], got %v", l.Fraction))
		}
	}
	if cfg.ActivationR > 0 {
		switch cfg.Mode {
		case ModeATR:
			if cfg.ATRMultiple <= 0 {
				errs = append(errs, fmt.Errorf("trail ATR multiple must be positive"))
			}
		case ModeStep:
			if cfg.StepPercent <= 0 || cfg.StepPercent >= 100 {
				errs = append(errs, fmt.Errorf("trail step percent must be in (0,100)"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown trail mode %q", cfg.Mode))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}

	levels := append([]Level(nil), cfg.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].R < levels[j].R })
	cfg.Levels = levels
	return &Engine{
		cfg:       cfg,
		trades:    trades,
		actions:   actions,
		logger:    logger,
		lastTrail: make(map[string]time.Time),
	}, nil
}

// OnPrice applies the exit rules to every ACTIVE trade on symbol at price.
// A failure on one trade does not stop the others.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	if price <= 0 {
		return nil
	}
	var errs []error
	for _, t := range e.trades.Open(symbol) {
		if t.State != domain.StateActive || t.RiskPerUnit() == 0 {
			continue
		}
		if err := e.manage(ctx, t, price, ts); err != nil {
			errs = append(errs, err)
		}
	}
	e.forgetClosed(symbol)
	return errors.Join(errs...)
}

func (e *Engine) manage(ctx context.Context, t *domain.Trade, price float64, ts time.Time) error {
	r := t.RMultiple(price)

	for _, l := range e.cfg.Levels {
		if r < l.R {
			break
		}
		if t.HasScaledAt(l.R) {
			continue
		}
		e.logger.Info(ctx, "Partial exit level reached", map[string]interface{}{
			"tradeID": t.ID, "level": l.R, "fraction": l.Fraction, "price": price, "r": r,
		})
		if err := e.actions.ScaleOut(ctx, t.ID, l.R, l.Fraction, price); err != nil {
			return fmt.Errorf("partial exit %s at %vR: %w", t.ID, l.R, err)
		}
		cur, ok := e.trades.Get(t.ID)
		if !ok || cur.State != domain.StateActive {
			return nil
		}
		t = cur
	}

	if e.cfg.ActivationR <= 0 || r < e.cfg.ActivationR {
		return nil
	}
	candidate, ok := e.candidate(t, price)
	if !ok || !t.MoreFavorableStop(candidate, t.StopLoss) {
		return nil
	}
	if !e.cooledDown(t, ts) {
		e.logger.Debug(ctx, "Trailing update skipped during cooldown", map[string]interface{}{
			"tradeID": t.ID, "candidate": candidate,
		})
		return nil
	}
	if err := e.actions.AdjustStop(ctx, t.ID, candidate, price); err != nil {
		return fmt.Errorf("trail stop %s: %w", t.ID, err)
	}
	e.mu.Lock()
	e.lastTrail[t.ID] = ts
	e.mu.Unlock()
	return nil
}

func (e *Engine) candidate(t *domain.Trade, price float64) (float64, bool) {
	sign := t.Side.Sign()
	switch e.cfg.Mode {
	case ModeATR:
		if t.ATR <= 0 {
			return 0, false
		}
		return price - sign*t.ATR*e.cfg.ATRMultiple, true
	case ModeStep:
		return price * (1 - sign*e.cfg.StepPercent/100), true
	}
	return 0, false
}

func (e *Engine) cooledDown(t *domain.Trade, ts time.Time) bool {
	if e.cfg.Cooldown <= 0 {
		return true
	}
	e.mu.Lock()
	last := e.lastTrail[t.ID]
	e.mu.Unlock()
	if t.LastTrailAt.After(last) {
		last = t.LastTrailAt
	}
	return last.IsZero() || ts.Sub(last) >= e.cfg.Cooldown
}

// forgetClosed drops cooldown entries of trades no longer open on symbol.
func (e *Engine) forgetClosed(symbol string) {
	open := make(map[string]struct{})
	for _, t := range e.trades.Open(symbol) {
		open[t.ID] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.lastTrail {
		if _, ok := open[id]; ok {
			continue
		}
		if t, ok := e.trades.Get(id); ok && t.Symbol == symbol {
			delete(e.lastTrail, id)
		}
	}
}
