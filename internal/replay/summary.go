package replay

import (
	"math"
	"sort"

	"orderLifecycleBot/internal/domain"
)

// Summary aggregates the closed trades of a run.
type Summary struct {
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	OpenTrades           int
	WinRate              float64
	TotalProfit          float64
	AverageWin           float64
	AverageLoss          float64
	ProfitFactor         float64
	MaxDrawdown          float64 // fraction of the running peak balance
	MaxConsecutiveLosses int
	FinalBalance         float64
}

// Summarize walks closed trades in close order from initialBalance.
// Cancelled trades never held a position and are not counted.
func Summarize(trades []TradeResult, initialBalance float64) Summary {
	s := Summary{FinalBalance: initialBalance}
	closed := make([]TradeResult, 0, len(trades))
	for _, t := range trades {
		switch t.State {
		case domain.StateClosed:
			closed = append(closed, t)
		case domain.StateCancelled:
		default:
			s.OpenTrades++
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(closed[j].ClosedAt) })

	var grossWin, grossLoss float64
	peak := initialBalance
	streak := 0
	for _, t := range closed {
		s.TotalTrades++
		if t.PnL > 0 {
			s.WinningTrades++
			grossWin += t.PnL
			streak = 0
		} else {
			s.LosingTrades++
			grossLoss += -t.PnL
			streak++
			if streak > s.MaxConsecutiveLosses {
				s.MaxConsecutiveLosses = streak
			}
		}
		s.TotalProfit += t.PnL
		s.FinalBalance += t.PnL
		if s.FinalBalance > peak {
			peak = s.FinalBalance
		} else if peak > 0 {
			s.MaxDrawdown = math.Max(s.MaxDrawdown, (peak-s.FinalBalance)/peak)
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	if s.WinningTrades > 0 {
		s.AverageWin = grossWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = -grossLoss / float64(s.LosingTrades)
	}
	switch {
	case grossLoss > 0:
		s.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		s.ProfitFactor = math.Inf(1)
	}
	return s
}
