package guard

import (
	"fmt"
	"math"

	"orderLifecycleBot/internal/domain"
)

// Guard names, in pipeline order.
const (
	NameHalt        = "halt"
	NameLossLimits  = "loss_limits"
	NameOutlierBar  = "outlier_bar"
	NameLookahead   = "lookahead_bar"
	NameMinVolume   = "min_volume"
	NameMaxOpen     = "max_open_positions"
	NameCorrelation = "correlation_exposure"
	NameSpread      = "spread_slippage"
	NameCostOfEdge  = "cost_of_edge"
)

// Config holds the guard thresholds. Zero disables a threshold.
type Config struct {
	MaxDailyLossPct          float64
	MaxConsecutiveLosses     int
	OutlierATRMultiple       float64
	MinBarVolume             float64
	MaxOpenPositions         int
	CorrelationThreshold     float64
	MaxCorrelatedExposurePct float64
	MaxSpreadBps             float64
	MaxSlippageBps           float64
	FeeBps                   float64
	EdgeCostMultiple         float64
}

// Default returns the standard guard chain in its fixed order.
func Default(cfg Config) []Guard {
	return []Guard{
		haltGuard{},
		lossLimitGuard{maxDailyLossPct: cfg.MaxDailyLossPct, maxConsecutive: cfg.MaxConsecutiveLosses},
		outlierBarGuard{multiple: cfg.OutlierATRMultiple},
		lookaheadGuard{},
		minVolumeGuard{min: cfg.MinBarVolume},
		maxOpenGuard{max: cfg.MaxOpenPositions},
		correlationGuard{threshold: cfg.CorrelationThreshold, maxPct: cfg.MaxCorrelatedExposurePct},
		spreadGuard{maxSpreadBps: cfg.MaxSpreadBps, maxSlippageBps: cfg.MaxSlippageBps},
		costOfEdgeGuard{feeBps: cfg.FeeBps, multiple: cfg.EdgeCostMultiple},
	}
}

type haltGuard struct{}

func (haltGuard) Name() string { return NameHalt }

func (haltGuard) Check(c *Context, g *GlobalState) Result {
	if g.Risk.Halted {
		return Block(fmt.Sprintf("trading halted at risk level %s", g.Risk.Level), domain.SeverityCritical)
	}
	return Pass()
}

type lossLimitGuard struct {
	maxDailyLossPct float64
	maxConsecutive  int
}

func (lossLimitGuard) Name() string { return NameLossLimits }

func (l lossLimitGuard) Check(c *Context, g *GlobalState) Result {
	if l.maxDailyLossPct > 0 && g.Risk.DailyLossPct >= l.maxDailyLossPct {
		return Block(fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", g.Risk.DailyLossPct, l.maxDailyLossPct), domain.SeverityCritical)
	}
	if l.maxConsecutive > 0 && g.Risk.ConsecutiveLosses >= l.maxConsecutive {
		return Block(fmt.Sprintf("%d consecutive losses reached limit %d", g.Risk.ConsecutiveLosses, l.maxConsecutive), domain.SeverityCritical)
	}
	return Pass()
}

// outlierBarGuard rejects signals from bars whose range is a multiple of ATR.
type outlierBarGuard struct {
	multiple float64
}

func (outlierBarGuard) Name() string { return NameOutlierBar }

func (o outlierBarGuard) Check(c *Context, g *GlobalState) Result {
	bar := c.Signal.Bar
	if o.multiple <= 0 || bar == nil || c.Signal.ATR <= 0 {
		return Pass()
	}
	rng := bar.High - bar.Low
	if rng > o.multiple*c.Signal.ATR {
		return Block(fmt.Sprintf("bar range %.8g exceeds %.2f x ATR %.8g", rng, o.multiple, c.Signal.ATR), domain.SeverityWarning)
	}
	return Pass()
}

// lookaheadGuard rejects signals computed from a candle that has not closed.
type lookaheadGuard struct{}

func (lookaheadGuard) Name() string { return NameLookahead }

func (lookaheadGuard) Check(c *Context, g *GlobalState) Result {
	bar := c.Signal.Bar
	if bar == nil {
		return Pass()
	}
	if !bar.IsFinal {
		return Block("signal computed from an unclosed bar", domain.SeverityWarning)
	}
	if bar.CloseTime.After(c.Now) {
		return Block(fmt.Sprintf("bar closes at %s, after %s", bar.CloseTime.Format("15:04:05"), c.Now.Format("15:04:05")), domain.SeverityWarning)
	}
	return Pass()
}

type minVolumeGuard struct {
	min float64
}

func (minVolumeGuard) Name() string { return NameMinVolume }

func (m minVolumeGuard) Check(c *Context, g *GlobalState) Result {
	if m.min <= 0 || c.Signal.Bar == nil {
		return Pass()
	}
	if c.Signal.Bar.Volume < m.min {
		return Block(fmt.Sprintf("bar volume %.8g below minimum %.8g", c.Signal.Bar.Volume, m.min), domain.SeverityInfo)
	}
	return Pass()
}

type maxOpenGuard struct {
	max int
}

func (maxOpenGuard) Name() string { return NameMaxOpen }

func (m maxOpenGuard) Check(c *Context, g *GlobalState) Result {
	if m.max > 0 && len(g.Open) >= m.max {
		return Block(fmt.Sprintf("%d open positions at limit %d", len(g.Open), m.max), domain.SeverityInfo)
	}
	return Pass()
}

// correlationGuard sums the notional of open positions moving with the signal
// (same symbol, or correlation beyond the threshold in the same direction) and
// blocks when it exceeds a share of balance.
type correlationGuard struct {
	threshold float64
	maxPct    float64
}

func (correlationGuard) Name() string { return NameCorrelation }

func (cg correlationGuard) Check(c *Context, g *GlobalState) Result {
	if cg.maxPct <= 0 || cg.threshold <= 0 || g.Balance <= 0 {
		return Pass()
	}
	sig := c.Signal
	var exposure float64
	var linked []string
	for _, e := range g.Open {
		corr := 1.0
		if e.Symbol != sig.Symbol {
			v, ok := sig.Correlations[e.Symbol]
			if !ok || math.Abs(v) < cg.threshold {
				continue
			}
			corr = v
		}
		// Positive correlation in the same direction, or negative in the opposite, stacks risk.
		if (corr > 0) == (e.Side == sig.Side) {
			exposure += e.Notional
			linked = append(linked, e.Symbol)
		}
	}
	pct := exposure / g.Balance * 100
	if pct >= cg.maxPct {
		return Block(fmt.Sprintf("correlated exposure %.1f%% of balance via %v exceeds %.1f%%", pct, linked, cg.maxPct), domain.SeverityWarning)
	}
	return Pass()
}

type spreadGuard struct {
	maxSpreadBps   float64
	maxSlippageBps float64
}

func (spreadGuard) Name() string { return NameSpread }

func (s spreadGuard) Check(c *Context, g *GlobalState) Result {
	if s.maxSpreadBps > 0 {
		if c.Ticker == nil || c.Ticker.Mid() == 0 {
			return Block("no quote available for spread estimate", domain.SeverityWarning)
		}
		if spread := c.Ticker.SpreadBps(); spread > s.maxSpreadBps {
			return Block(fmt.Sprintf("spread %.2f bps exceeds %.2f bps", spread, s.maxSpreadBps), domain.SeverityWarning)
		}
	}
	if s.maxSlippageBps > 0 && g.EstimatedSlippageBps > s.maxSlippageBps {
		return Block(fmt.Sprintf("estimated slippage %.2f bps exceeds %.2f bps", g.EstimatedSlippageBps, s.maxSlippageBps), domain.SeverityWarning)
	}
	return Pass()
}

// costOfEdgeGuard requires the expected edge to cover round-trip costs by a margin.
type costOfEdgeGuard struct {
	feeBps   float64
	multiple float64
}

func (costOfEdgeGuard) Name() string { return NameCostOfEdge }

func (e costOfEdgeGuard) Check(c *Context, g *GlobalState) Result {
	if e.multiple <= 0 {
		return Pass()
	}
	cost := 2*e.feeBps + g.EstimatedSlippageBps
	if c.Ticker != nil {
		cost += c.Ticker.SpreadBps()
	}
	if c.Signal.ExpectedEdgeBps < e.multiple*cost {
		return Block(fmt.Sprintf("expected edge %.2f bps below %.2f x cost %.2f bps", c.Signal.ExpectedEdgeBps, e.multiple, cost), domain.SeverityInfo)
	}
	return Pass()
}
