package observability

import (
	"fmt"
	"time"
)

// Health score tiers.
const (
	TierExcellent = "excellent"
	TierGood      = "good"
	TierFair      = "fair"
	TierPoor      = "poor"
	TierCritical  = "critical"
)

// HealthScore is the derived 0-100 view over recent observability data.
type HealthScore struct {
	Score           float64  `json:"score"`
	Tier            string   `json:"tier"`
	ErrorRate       float64  `json:"error_rate"`
	TraceErrorRate  float64  `json:"trace_error_rate"`
	AvgDurationMs   float64  `json:"avg_duration_ms"`
	BottleneckCount int      `json:"bottleneck_count"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ScoreWindow computes the health score over the last N hours of profiles
// and finished spans.
func ScoreWindow(profiles []PerformanceProfile, spans []Span) HealthScore {
	score := HealthScore{Score: 100}

	if len(profiles) > 0 {
		var errored, bottlenecked int
		var totalDur time.Duration
		for _, p := range profiles {
			totalDur += p.Duration
			if p.Err != "" {
				errored++
			}
			bottlenecked += len(p.Bottlenecks)
		}
		score.ErrorRate = float64(errored) / float64(len(profiles))
		score.AvgDurationMs = float64(totalDur) / float64(len(profiles)) / float64(time.Millisecond)
		score.BottleneckCount = bottlenecked
	}

	if len(spans) > 0 {
		var errored int
		for _, s := range spans {
			if s.Status == SpanStatusError {
				errored++
			}
		}
		score.TraceErrorRate = float64(errored) / float64(len(spans))
	}

	// Each signal subtracts from a perfect score in proportion to how far
	// it sits from healthy baselines.
	score.Score -= score.ErrorRate * 40
	score.Score -= score.TraceErrorRate * 25
	if score.AvgDurationMs > 500 {
		penalty := (score.AvgDurationMs - 500) / 100
		if penalty > 20 {
			penalty = 20
		}
		score.Score -= penalty
	}
	if score.BottleneckCount > 0 {
		penalty := float64(score.BottleneckCount) * 2
		if penalty > 15 {
			penalty = 15
		}
		score.Score -= penalty
	}
	if score.Score < 0 {
		score.Score = 0
	}

	score.Tier = tierFor(score.Score)
	score.Recommendations = recommend(score)
	return score
}

func tierFor(score float64) string {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 75:
		return TierGood
	case score >= 50:
		return TierFair
	case score >= 25:
		return TierPoor
	default:
		return TierCritical
	}
}

func recommend(s HealthScore) []string {
	var recs []string
	if s.ErrorRate > 0.05 {
		recs = append(recs, fmt.Sprintf("error rate at %.1f%%, inspect recent failures in the correlated log", s.ErrorRate*100))
	}
	if s.TraceErrorRate > 0.05 {
		recs = append(recs, fmt.Sprintf("%.1f%% of traces ended in error, review failing operations", s.TraceErrorRate*100))
	}
	if s.AvgDurationMs > 1000 {
		recs = append(recs, "average operation duration above 1s, profile the slowest operations")
	}
	if s.BottleneckCount > 5 {
		recs = append(recs, fmt.Sprintf("%d bottleneck classifications in the window, check the profiler summary", s.BottleneckCount))
	}
	if len(recs) == 0 && s.Score >= 90 {
		recs = append(recs, "system operating normally")
	}
	return recs
}
