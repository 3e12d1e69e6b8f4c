package alerting

import (
	"strings"
	"time"

	"github.com/novakit/opsmon/internal/metrics"
)

// Condition operators. The condition is a structured predicate: metric key,
// comparator, numeric threshold.
const (
	OperatorGreaterThan    = "greater_than"
	OperatorLessThan       = "less_than"
	OperatorGreaterOrEqual = "greater_or_equal"
	OperatorLessOrEqual    = "less_or_equal"
)

// Condition is a structured predicate over one metric key.
type Condition struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	// Sustain requires the predicate to hold continuously for this long
	// before the rule fires. Zero fires on the first true evaluation.
	Sustain time.Duration `json:"sustain"`
}

// Evaluate applies the comparator. The second return is false when the metric
// is absent from the snapshot, which skips the rule rather than failing it.
func (c *Condition) Evaluate(snapshot map[string]float64) (matched, ok bool) {
	value, exists := snapshot[c.Metric]
	if !exists {
		return false, false
	}
	return compare(value, c.Operator, c.Threshold), true
}

func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case OperatorGreaterThan:
		return value > threshold
	case OperatorLessThan:
		return value < threshold
	case OperatorGreaterOrEqual:
		return value >= threshold
	case OperatorLessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

// EscalationPolicy is the sequence of delays between escalation levels for an
// unacknowledged alert. An empty policy never escalates.
type EscalationPolicy struct {
	Delays []time.Duration `json:"delays"`
}

// Rule is a named predicate with severity and escalation policy.
// Rules are read-mostly after startup.
type Rule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Component   string           `json:"component"`
	Severity    Severity         `json:"severity"`
	Condition   Condition        `json:"condition"`
	Escalation  EscalationPolicy `json:"escalation"`
	Enabled     bool             `json:"enabled"`
}

// SuppressionPattern blocks alert creation for matching rules regardless of
// rate limits. Empty fields match everything.
type SuppressionPattern struct {
	Component    string `json:"component"`
	NameContains string `json:"name_contains"`
}

// Matches reports whether the pattern applies to the rule.
func (p *SuppressionPattern) Matches(rule *Rule) bool {
	if p.Component != "" && p.Component != rule.Component {
		return false
	}
	if p.NameContains != "" && !strings.Contains(strings.ToLower(rule.Name), strings.ToLower(p.NameContains)) {
		return false
	}
	return true
}

// DefaultRules returns the built-in rule set seeded when no rules are
// configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "high-cpu",
			Name:        "High CPU usage",
			Description: "CPU usage above 80% for 5 minutes",
			Component:   "system",
			Severity:    SeverityHigh,
			Condition:   Condition{Metric: metrics.MetricCPUPercent, Operator: OperatorGreaterThan, Threshold: 80, Sustain: 5 * time.Minute},
			Escalation:  EscalationPolicy{Delays: []time.Duration{15 * time.Minute, 30 * time.Minute}},
			Enabled:     true,
		},
		{
			ID:          "high-memory",
			Name:        "High memory usage",
			Description: "Memory usage above 90% for 5 minutes",
			Component:   "system",
			Severity:    SeverityHigh,
			Condition:   Condition{Metric: metrics.MetricMemoryPercent, Operator: OperatorGreaterThan, Threshold: 90, Sustain: 5 * time.Minute},
			Escalation:  EscalationPolicy{Delays: []time.Duration{15 * time.Minute, 30 * time.Minute}},
			Enabled:     true,
		},
		{
			ID:          "low-disk",
			Name:        "Low disk space",
			Description: "Disk usage above 85%",
			Component:   "system",
			Severity:    SeverityCritical,
			Condition:   Condition{Metric: metrics.MetricDiskPercent, Operator: OperatorGreaterThan, Threshold: 85},
			Escalation:  EscalationPolicy{Delays: []time.Duration{10 * time.Minute}},
			Enabled:     true,
		},
		{
			ID:          "high-error-rate",
			Name:        "High API error rate",
			Description: "API error rate above 10%",
			Component:   "api",
			Severity:    SeverityHigh,
			Condition:   Condition{Metric: metrics.MetricErrorRate, Operator: OperatorGreaterThan, Threshold: 10},
			Escalation:  EscalationPolicy{Delays: []time.Duration{15 * time.Minute}},
			Enabled:     true,
		},
		{
			ID:          "slow-responses",
			Name:        "Slow API responses",
			Description: "p95 response time above 2000ms",
			Component:   "api",
			Severity:    SeverityMedium,
			Condition:   Condition{Metric: metrics.MetricP95ResponseMs, Operator: OperatorGreaterThan, Threshold: 2000},
			Enabled:     true,
		},
		{
			ID:          "low-completion-rate",
			Name:        "Low task completion rate",
			Description: "Task completion rate below 50%",
			Component:   "tasks",
			Severity:    SeverityMedium,
			Condition:   Condition{Metric: metrics.MetricCompletionRate, Operator: OperatorLessThan, Threshold: 50},
			Enabled:     true,
		},
	}
}
