package alerting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Evaluate(t *testing.T) {
	t.Parallel()

	snapshot := map[string]float64{"system.cpu_percent": 85}

	tests := []struct {
		name      string
		condition Condition
		matched   bool
		ok        bool
	}{
		{"greater_than true", Condition{Metric: "system.cpu_percent", Operator: OperatorGreaterThan, Threshold: 80}, true, true},
		{"greater_than false", Condition{Metric: "system.cpu_percent", Operator: OperatorGreaterThan, Threshold: 90}, false, true},
		{"less_than true", Condition{Metric: "system.cpu_percent", Operator: OperatorLessThan, Threshold: 90}, true, true},
		{"greater_or_equal boundary", Condition{Metric: "system.cpu_percent", Operator: OperatorGreaterOrEqual, Threshold: 85}, true, true},
		{"less_or_equal boundary", Condition{Metric: "system.cpu_percent", Operator: OperatorLessOrEqual, Threshold: 85}, true, true},
		{"missing metric", Condition{Metric: "system.absent", Operator: OperatorGreaterThan, Threshold: 1}, false, false},
		{"unknown operator", Condition{Metric: "system.cpu_percent", Operator: "between", Threshold: 1}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			matched, ok := tt.condition.Evaluate(snapshot)
			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSuppressionPattern_Matches(t *testing.T) {
	t.Parallel()

	rule := &Rule{ID: "r", Name: "High CPU usage", Component: "system"}

	tests := []struct {
		name    string
		pattern SuppressionPattern
		want    bool
	}{
		{"empty matches all", SuppressionPattern{}, true},
		{"component match", SuppressionPattern{Component: "system"}, true},
		{"component mismatch", SuppressionPattern{Component: "api"}, false},
		{"name substring case-insensitive", SuppressionPattern{NameContains: "cpu"}, true},
		{"name substring mismatch", SuppressionPattern{NameContains: "disk"}, false},
		{"both must match", SuppressionPattern{Component: "system", NameContains: "disk"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.pattern.Matches(rule))
		})
	}
}

func TestDefaultRules_AllEnabled(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	require.NotEmpty(t, rules)
	seen := make(map[string]bool)
	for _, rule := range rules {
		assert.True(t, rule.Enabled, "default rule %s should be enabled", rule.ID)
		assert.False(t, seen[rule.ID], "duplicate rule id %s", rule.ID)
		seen[rule.ID] = true
	}
}

func TestAlert_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	original := Alert{
		ID:        "a-1",
		RuleID:    "high-cpu",
		Name:      "High CPU usage",
		Component: "system",
		Severity:  SeverityHigh,
		Status:    StatusActive,
		Value:     92,
		Threshold: 80,
		Message:   "cpu over threshold",
		Metadata:  map[string]string{"metric": "system.cpu_percent"},
	}

	b, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"high"`)
	assert.Contains(t, string(b), `"active"`)

	var decoded Alert
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, original.Severity, decoded.Severity)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Metadata, decoded.Metadata)
}

func TestSeverityParsing(t *testing.T) {
	t.Parallel()

	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		parsed, err := ParseSeverity(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseSeverity("bogus")
	require.Error(t, err)
}
