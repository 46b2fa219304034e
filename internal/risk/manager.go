package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/telemetry"
)

// RiskConfig holds the escalation thresholds.
type RiskConfig struct {
	MaxDailyLossPct       float64 // Percent of start-of-day equity; 0 disables
	WarnDailyLossFraction float64 // Fraction of MaxDailyLossPct that raises WARNING
	EmergencyLossMultiple float64 // Multiple of MaxDailyLossPct that raises EMERGENCY
	MaxConsecutiveLosses  int

	AnomalyWindow        time.Duration
	AnomalyWarnCount     int
	AnomalyCriticalCount int

	WarningSizeMultiplier float64 // Applied at WARNING; CRITICAL and above halt

	RecoveryWins     int           // Consecutive profitable closes needed to step down
	RecoveryCooldown time.Duration // Or time at the current level
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.WarnDailyLossFraction <= 0 || c.WarnDailyLossFraction >= 1 {
		c.WarnDailyLossFraction = 0.5
	}
	if c.EmergencyLossMultiple <= 1 {
		c.EmergencyLossMultiple = 2
	}
	if c.WarningSizeMultiplier <= 0 || c.WarningSizeMultiplier > 1 {
		c.WarningSizeMultiplier = 0.5
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = 10 * time.Minute
	}
	if c.RecoveryWins < 2 && c.RecoveryWins != 0 {
		c.RecoveryWins = 2
	}
	return c
}

type anomaly struct {
	kind metrics.AnomalyKind
	at   time.Time
}

// Manager is the single writer of RiskState. It aggregates closed-trade
// outcomes and anomaly samples into an escalation level.
type Manager struct {
	cfg        RiskConfig
	state      *RiskState
	logger     ports.Logger
	emitter    *telemetry.Emitter
	collectors *metrics.Collectors
	now        func() time.Time

	mu                sync.Mutex
	day               string
	dailyPnL          float64
	balance           float64
	consecutiveLosses int
	consecutiveWins   int
	anomalies         []anomaly
	floor             domain.RiskLevel
	lastTransition    time.Time
}

// NewManager creates a manager with a NORMAL state.
func NewManager(cfg RiskConfig, logger ports.Logger, emitter *telemetry.Emitter, collectors *metrics.Collectors) *Manager {
	now := time.Now().UTC()
	return &Manager{
		cfg:            cfg.withDefaults(),
		state:          NewRiskState(now),
		logger:         logger,
		emitter:        emitter,
		collectors:     collectors,
		now:            func() time.Time { return time.Now().UTC() },
		day:            now.Format("2006-01-02"),
		lastTransition: now,
	}
}

// SetClock overrides the time source of operator overrides.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// State returns the shared state for read access.
func (m *Manager) State() *RiskState {
	return m.state
}

// RecordClose feeds one closed trade's realized PnL. balance is the account
// equity after the close.
func (m *Manager) RecordClose(ctx context.Context, pnl, balance float64, at time.Time) domain.RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(at)
	m.dailyPnL += pnl
	if balance > 0 {
		m.balance = balance
	}
	switch {
	case pnl < 0:
		m.consecutiveLosses++
		m.consecutiveWins = 0
	case pnl > 0:
		m.consecutiveWins++
		m.consecutiveLosses = 0
	}
	return m.evaluateLocked(ctx, at)
}

// RecordAnomaly implements metrics.AnomalyObserver.
func (m *Manager) RecordAnomaly(ctx context.Context, kind metrics.AnomalyKind, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, anomaly{kind: kind, at: at})
	m.evaluateLocked(ctx, at)
}

// Evaluate re-applies the rules at time at. Called periodically so time-based
// recovery and the daily reset take effect without new outcomes.
func (m *Manager) Evaluate(ctx context.Context, at time.Time) domain.RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(at)
	return m.evaluateLocked(ctx, at)
}

// ForceEscalation pins the level to at least level until ClearOverride.
func (m *Manager) ForceEscalation(ctx context.Context, level domain.RiskLevel, reason, operator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	from := m.state.Level()
	m.floor = level
	target, reasons := m.targetLocked(now)
	if level > target {
		target = level
	}
	reasons = append(reasons, "manual:"+reason)
	m.applyLocked(ctx, from, target, reasons, now, true, operator)
}

// ClearOverride removes a manual floor and sets the level to what the rules
// currently dictate.
func (m *Manager) ClearOverride(ctx context.Context, operator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	from := m.state.Level()
	m.floor = domain.RiskNormal
	target, reasons := m.targetLocked(now)
	m.applyLocked(ctx, from, target, reasons, now, true, operator)
}

// Rebuild recomputes counters from closed-trade history (newest first) after a restart.
func (m *Manager) Rebuild(ctx context.Context, closed []*domain.Trade, balance float64, now time.Time) domain.RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day = now.UTC().Format("2006-01-02")
	m.dailyPnL = 0
	m.consecutiveLosses = 0
	m.consecutiveWins = 0
	m.balance = balance

	streakOpen := true
	for _, t := range closed {
		if t.State != domain.StateClosed || t.Origin == domain.OriginReconciliation {
			continue
		}
		if t.UpdatedAt.UTC().Format("2006-01-02") == m.day {
			m.dailyPnL += t.RealizedPnL
		}
		if streakOpen {
			if t.RealizedPnL < 0 {
				m.consecutiveLosses++
			} else {
				streakOpen = false
			}
		}
	}
	m.lastTransition = now
	return m.evaluateLocked(ctx, now)
}

// Reasons returns the current escalation reasons.
func (m *Manager) Reasons() []string {
	return m.state.Snapshot().Reasons
}

func (m *Manager) rollDayLocked(at time.Time) {
	day := at.UTC().Format("2006-01-02")
	if day != m.day {
		m.day = day
		m.dailyPnL = 0
	}
}

func (m *Manager) dailyLossPctLocked() float64 {
	if m.dailyPnL >= 0 {
		return 0
	}
	start := m.balance - m.dailyPnL
	if start <= 0 {
		return 0
	}
	return -m.dailyPnL / start * 100
}

// targetLocked computes the level the rules call for, with reasons.
func (m *Manager) targetLocked(at time.Time) (domain.RiskLevel, []string) {
	target := domain.RiskNormal
	var reasons []string
	raise := func(l domain.RiskLevel, reason string) {
		if l > target {
			target = l
		}
		reasons = append(reasons, reason)
	}

	if max := m.cfg.MaxDailyLossPct; max > 0 {
		loss := m.dailyLossPctLocked()
		switch {
		case loss >= max*m.cfg.EmergencyLossMultiple:
			raise(domain.RiskEmergency, "daily_loss_emergency")
		case loss >= max:
			raise(domain.RiskCritical, "daily_loss_limit")
		case loss >= max*m.cfg.WarnDailyLossFraction:
			raise(domain.RiskWarning, "daily_loss_warning")
		}
	}

	if max := m.cfg.MaxConsecutiveLosses; max > 0 && m.consecutiveLosses > 0 {
		switch {
		case m.consecutiveLosses >= max:
			raise(domain.RiskCritical, "consecutive_losses")
		case max > 1 && m.consecutiveLosses >= max-1:
			raise(domain.RiskWarning, "consecutive_losses_warning")
		}
	}

	cutoff := at.Add(-m.cfg.AnomalyWindow)
	kept := m.anomalies[:0]
	for _, a := range m.anomalies {
		if !a.at.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	m.anomalies = kept
	if n := len(m.anomalies); n > 0 {
		switch {
		case m.cfg.AnomalyCriticalCount > 0 && n >= m.cfg.AnomalyCriticalCount:
			raise(domain.RiskCritical, "anomaly_burst")
		case m.cfg.AnomalyWarnCount > 0 && n >= m.cfg.AnomalyWarnCount:
			raise(domain.RiskWarning, "anomalies")
		}
	}

	if m.floor > target {
		target = m.floor
		reasons = append(reasons, "manual_override")
	}
	return target, reasons
}

func (m *Manager) recoveryDueLocked(at time.Time) bool {
	if m.cfg.RecoveryWins > 0 && m.consecutiveWins >= m.cfg.RecoveryWins {
		return true
	}
	return m.cfg.RecoveryCooldown > 0 && at.Sub(m.lastTransition) >= m.cfg.RecoveryCooldown
}

func (m *Manager) evaluateLocked(ctx context.Context, at time.Time) domain.RiskLevel {
	current := m.state.Level()

	// A served cooldown ends a losing streak so a halt on losses is not permanent.
	if current > domain.RiskNormal && m.cfg.RecoveryCooldown > 0 &&
		at.Sub(m.lastTransition) >= m.cfg.RecoveryCooldown && m.consecutiveLosses > 0 {
		m.consecutiveLosses = 0
	}

	target, reasons := m.targetLocked(at)
	m.state.setStats(m.dailyPnL, m.dailyLossPctLocked(), m.consecutiveLosses)

	switch {
	case target > current:
		m.applyLocked(ctx, current, target, reasons, at, false, "")
	case target < current:
		if !m.recoveryDueLocked(at) {
			// Hold the level; keep the reasons that still apply plus the held one.
			m.state.setReasons(append(reasons, "recovery_pending"))
			return current
		}
		m.applyLocked(ctx, current, current-1, reasons, at, false, "")
	default:
		m.state.setReasons(reasons)
	}
	return m.state.Level()
}

func (m *Manager) multiplierFor(level domain.RiskLevel) float64 {
	switch level {
	case domain.RiskNormal:
		return 1
	case domain.RiskWarning:
		return m.cfg.WarningSizeMultiplier
	default:
		return 0
	}
}

func (m *Manager) applyLocked(ctx context.Context, from, to domain.RiskLevel, reasons []string, at time.Time, manual bool, operator string) {
	sort.Strings(reasons)
	m.state.setLevel(to, reasons, m.multiplierFor(to), at, manual)
	m.collectors.SetRiskLevel(int(to))
	if from == to && !manual {
		return
	}
	m.lastTransition = at
	m.consecutiveWins = 0

	direction := "escalate"
	if to < from {
		direction = "de-escalate"
	} else if to == from {
		direction = "hold"
	}
	severity := domain.SeverityWarning
	if to.Halts() {
		severity = domain.SeverityCritical
	}
	payload := map[string]interface{}{
		"from":            from.String(),
		"to":              to.String(),
		"direction":       direction,
		"reasons":         reasons,
		"manual":          manual,
		"halted":          to.Halts(),
		"size_multiplier": m.multiplierFor(to),
	}
	if manual {
		payload["operator"] = operator
		m.logger.Warn(ctx, "Manual risk override applied", map[string]interface{}{"from": from.String(), "to": to.String(), "operator": operator})
	} else {
		m.logger.Info(ctx, fmt.Sprintf("Risk level %s -> %s", from, to), map[string]interface{}{"reasons": reasons})
	}
	m.emitter.Emit(ctx, telemetry.Event{
		Time:     at,
		Name:     telemetry.RiskEscalation,
		Severity: severity,
		Payload:  payload,
	})
}
