// Package alerting evaluates alert rules against metric snapshots and manages
// the alert lifecycle: creation, noise reduction, escalation, acknowledgement,
// and resolution.
package alerting

import (
	"fmt"
	"time"
)

// Severity ranks alert importance.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase wire form of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a wire string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a severity from its string form.
func (s *Severity) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid severity JSON: %s", b)
	}
	parsed, err := ParseSeverity(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is the alert lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusAcknowledged
	StatusResolved
	StatusSuppressed
)

// String returns the lowercase wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusResolved:
		return "resolved"
	case StatusSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "acknowledged":
		return StatusAcknowledged, nil
	case "resolved":
		return StatusResolved, nil
	case "suppressed":
		return StatusSuppressed, nil
	default:
		return StatusActive, fmt.Errorf("unknown status %q", s)
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a status from its string form.
func (s *Status) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid status JSON: %s", b)
	}
	parsed, err := ParseStatus(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Alert is one fired rule instance. At most one live (non-resolved,
// non-suppressed) alert exists per rule ID at any time.
type Alert struct {
	ID              string            `json:"id"`
	RuleID          string            `json:"rule_id"`
	Name            string            `json:"name"`
	Component       string            `json:"component"`
	Severity        Severity          `json:"severity"`
	Status          Status            `json:"status"`
	EscalationLevel int               `json:"escalation_level"`
	Value           float64           `json:"value"`
	Threshold       float64           `json:"threshold"`
	Message         string            `json:"message"`
	CreatedAt       time.Time         `json:"created_at"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate engine-owned state.
func (a *Alert) Clone() Alert {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Statistics summarizes engine activity since startup.
type Statistics struct {
	Created       int64               `json:"created"`
	Resolved      int64               `json:"resolved"`
	Suppressed    int64               `json:"suppressed"`
	Escalated     int64               `json:"escalated"`
	Acknowledged  int64               `json:"acknowledged"`
	ActiveCount   int                 `json:"active_count"`
	BySeverity    map[string]int64    `json:"by_severity"`
	CorrelatedSet map[string][]string `json:"correlated_components,omitempty"`
}

// Notification events fanned out to channels.
const (
	EventCreated   = "created"
	EventResolved  = "resolved"
	EventEscalated = "escalated"
)
