package risk

import (
	"sort"
	"sync"
	"time"

	"orderLifecycleBot/internal/domain"
)

// RiskState is the process-wide risk level shared by the guard pipeline and the
// execution coordinator. Only the Manager in this package mutates it; every
// other component reads it through the exported accessors.
type RiskState struct {
	mu         sync.RWMutex
	level      domain.RiskLevel
	reasons    map[string]struct{}
	since      time.Time
	halted     bool
	multiplier float64
	manual     bool

	dailyPnL          float64
	dailyLossPct      float64
	consecutiveLosses int
}

// Snapshot is an immutable copy of RiskState.
type Snapshot struct {
	Level             domain.RiskLevel
	Reasons           []string
	Since             time.Time
	Halted            bool
	SizeMultiplier    float64
	Manual            bool
	DailyPnL          float64
	DailyLossPct      float64
	ConsecutiveLosses int
}

// NewRiskState returns a NORMAL state.
func NewRiskState(now time.Time) *RiskState {
	return &RiskState{
		level:      domain.RiskNormal,
		reasons:    make(map[string]struct{}),
		since:      now,
		multiplier: 1,
	}
}

// Level is the current escalation level.
func (s *RiskState) Level() domain.RiskLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Halted reports whether new entries are refused.
func (s *RiskState) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// SizeMultiplier scales new position sizes; zero while halted.
func (s *RiskState) SizeMultiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multiplier
}

// Snapshot copies the state under one lock.
func (s *RiskState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reasons := make([]string, 0, len(s.reasons))
	for r := range s.reasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return Snapshot{
		Level:             s.level,
		Reasons:           reasons,
		Since:             s.since,
		Halted:            s.halted,
		SizeMultiplier:    s.multiplier,
		Manual:            s.manual,
		DailyPnL:          s.dailyPnL,
		DailyLossPct:      s.dailyLossPct,
		ConsecutiveLosses: s.consecutiveLosses,
	}
}

func (s *RiskState) setLevel(level domain.RiskLevel, reasons []string, multiplier float64, at time.Time, manual bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level != s.level {
		s.since = at
	}
	s.level = level
	s.reasons = make(map[string]struct{}, len(reasons))
	for _, r := range reasons {
		s.reasons[r] = struct{}{}
	}
	s.halted = level.Halts()
	s.multiplier = multiplier
	s.manual = manual
}

func (s *RiskState) setStats(dailyPnL, dailyLossPct float64, consecutiveLosses int) {
	s.mu.Lock()
	s.dailyPnL = dailyPnL
	s.dailyLossPct = dailyLossPct
	s.consecutiveLosses = consecutiveLosses
	s.mu.Unlock()
}

func (s *RiskState) setReasons(reasons []string) {
	s.mu.Lock()
	s.reasons = make(map[string]struct{}, len(reasons))
	for _, r := range reasons {
		s.reasons[r] = struct{}{}
	}
	s.mu.Unlock()
}
