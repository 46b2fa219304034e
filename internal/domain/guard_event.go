package domain

import "time"

// Severity grades guard events and telemetry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// GuardEvent is write-once telemetry describing one guard block.
type GuardEvent struct {
	ID          int64
	Guard       string
	Symbol      string // empty for global guards
	Reason      string
	Severity    Severity
	ActionTaken string
	Timestamp   time.Time
}

// GuardEventFilter narrows a guard event query. Zero values match everything.
type GuardEventFilter struct {
	Guard  string
	Symbol string
	Since  time.Time
	Limit  int
}
