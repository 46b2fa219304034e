package domain

// RiskLevel is the process-wide risk escalation level.
type RiskLevel int

const (
	RiskNormal RiskLevel = iota
	RiskWarning
	RiskCritical
	RiskEmergency
)

func (l RiskLevel) String() string {
	switch l {
	case RiskNormal:
		return "NORMAL"
	case RiskWarning:
		return "WARNING"
	case RiskCritical:
		return "CRITICAL"
	case RiskEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskLevel converts a level name; ok is false for unknown names.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch s {
	case "NORMAL", "normal":
		return RiskNormal, true
	case "WARNING", "warning":
		return RiskWarning, true
	case "CRITICAL", "critical":
		return RiskCritical, true
	case "EMERGENCY", "emergency":
		return RiskEmergency, true
	}
	return RiskNormal, false
}

// Halts reports whether the level blocks all new entries.
func (l RiskLevel) Halts() bool {
	return l >= RiskCritical
}
