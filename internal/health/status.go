// Package health runs the component and dependency check battery, detects
// cascading failures through per-component failure streaks, and triggers
// registered recovery actions automatically, manually, or on cascade.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status is a component health state, ordered by severity.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusCritical
	StatusUnknown
)

// String returns the lowercase wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	case StatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "healthy":
		return StatusHealthy, nil
	case "degraded":
		return StatusDegraded, nil
	case "unhealthy":
		return StatusUnhealthy, nil
	case "critical":
		return StatusCritical, nil
	case "unknown":
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown health status %q", s)
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a status from its string form.
func (s *Status) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid health status JSON: %s", b)
	}
	parsed, err := ParseStatus(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Worse returns the more severe of two statuses.
func Worse(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Result is the outcome of one check run. The latest result per component
// overwrites the prior one.
type Result struct {
	Component     string         `json:"component"`
	Status        Status         `json:"status"`
	Message       string         `json:"message"`
	ResponseTime  time.Duration  `json:"response_time"`
	CheckedAt     time.Time      `json:"checked_at"`
	RecoveryHints []string       `json:"recovery_hints,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Err           string         `json:"error,omitempty"`
}

// OverallHealth aggregates the latest results across all components.
type OverallHealth struct {
	Status     Status            `json:"status"`
	Components map[string]Result `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Check is one named probe in the battery.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}
