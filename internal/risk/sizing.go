package risk

import (
	"fmt"
	"math"

	"orderLifecycleBot/internal/domain"
)

// SizingConfig holds the per-trade sizing parameters.
type SizingConfig struct {
	Market              domain.MarketType
	RiskPercent         float64 // Percent of balance risked per trade (1 = 1%)
	ATRMultiplier       float64 // Stop distance in ATRs
	FallbackStopPercent float64 // Stop distance in percent of entry when ATR is unavailable
	RewardRiskRatio     float64 // Take-profit distance in multiples of the stop distance
	Leverage            int
	MaxMarginUsage      float64 // Fraction of balance usable as margin (futures)
}

// Plan is the sizing outcome for one entry.
type Plan struct {
	StopDistance    float64
	StopDistancePct float64
	StopLoss        float64
	TakeProfit      float64
	RiskAmount      float64
	Notional        float64
	Quantity        float64
	UsedFallback    bool
	MarginCapped    bool
}

// Sizer computes stops, targets and position sizes.
type Sizer struct {
	config SizingConfig
}

// NewSizer validates cfg and returns a sizer.
func NewSizer(cfg SizingConfig) (*Sizer, error) {
	if cfg.RiskPercent <= 0 || cfg.RiskPercent > 100 {
		return nil, fmt.Errorf("risk percent %v must be in (0, 100]", cfg.RiskPercent)
	}
	if cfg.ATRMultiplier <= 0 {
		return nil, fmt.Errorf("ATR multiplier %v must be positive", cfg.ATRMultiplier)
	}
	if cfg.FallbackStopPercent <= 0 || cfg.FallbackStopPercent >= 100 {
		return nil, fmt.Errorf("fallback stop percent %v must be in (0, 100)", cfg.FallbackStopPercent)
	}
	if cfg.RewardRiskRatio <= 0 {
		cfg.RewardRiskRatio = 2
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.MaxMarginUsage <= 0 || cfg.MaxMarginUsage > 1 {
		cfg.MaxMarginUsage = 1
	}
	return &Sizer{config: cfg}, nil
}

// Plan sizes an entry so that a stop-out loses RiskPercent of balance scaled by
// multiplier: size = risk_amount / stop_distance_pct, in quote notional.
func (s *Sizer) Plan(side domain.OrderSide, entry, atr, balance, multiplier float64) (Plan, error) {
	if entry <= 0 {
		return Plan{}, fmt.Errorf("entry price %v must be positive", entry)
	}
	if balance <= 0 {
		return Plan{}, fmt.Errorf("balance %v must be positive", balance)
	}
	if multiplier <= 0 {
		return Plan{}, fmt.Errorf("size multiplier is zero")
	}

	p := Plan{}
	if atr > 0 && !math.IsNaN(atr) {
		p.StopDistance = s.config.ATRMultiplier * atr
	} else {
		p.StopDistance = entry * s.config.FallbackStopPercent / 100
		p.UsedFallback = true
	}
	if p.StopDistance >= entry {
		return Plan{}, fmt.Errorf("stop distance %v is not below entry %v", p.StopDistance, entry)
	}
	p.StopDistancePct = p.StopDistance / entry
	p.StopLoss = s.GetStopLoss(entry, p.StopDistance, side)
	p.TakeProfit = s.GetTakeProfit(entry, p.StopDistance, side)
	p.RiskAmount = balance * s.config.RiskPercent / 100 * multiplier
	p.Notional = p.RiskAmount / p.StopDistancePct

	maxNotional := balance
	if s.config.Market == domain.MarketFutures {
		maxNotional = balance * float64(s.config.Leverage) * s.config.MaxMarginUsage
	}
	if p.Notional > maxNotional {
		p.Notional = maxNotional
		p.MarginCapped = true
	}
	p.Quantity = p.Notional / entry
	return p, nil
}

// GetStopLoss returns the stop price distance away from entry against the position.
func (s *Sizer) GetStopLoss(entry, distance float64, side domain.OrderSide) float64 {
	return entry - side.Sign()*distance
}

// GetTakeProfit returns the target RewardRiskRatio stop distances in favor of the position.
func (s *Sizer) GetTakeProfit(entry, distance float64, side domain.OrderSide) float64 {
	return entry + side.Sign()*distance*s.config.RewardRiskRatio
}
