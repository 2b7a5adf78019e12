// Package metrics collects heartbeat round-trip samples and computes
// session statistics over them.
package metrics

import (
	"math"
	"sort"
	"time"

	"lanbridge/internal/model"
)

// Summary is a basic statistics snapshot over heartbeat samples.
type Summary struct {
	Count       int
	Successes   int
	Failures    int
	From        time.Time
	To          time.Time
	SuccessRate float64
	AvgRTTMs    float64
	P95RTTMs    float64
	MinRTTMs    float64
	MaxRTTMs    float64
}

// Summarize computes summary statistics for samples in a time window.
// RTT aggregates are computed over successful probes only.
func Summarize(items []model.ProbeSample, since time.Time) Summary {
	filtered := make([]model.ProbeSample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumRTT float64
	minRTT := math.MaxFloat64
	maxRTT := 0.0
	successes := 0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, s := range filtered {
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if !s.Success {
			continue
		}
		successes++
		values = append(values, s.RTTMs)
		sumRTT += s.RTTMs
		if s.RTTMs < minRTT {
			minRTT = s.RTTMs
		}
		if s.RTTMs > maxRTT {
			maxRTT = s.RTTMs
		}
	}

	summary := Summary{
		Count:       len(filtered),
		Successes:   successes,
		Failures:    len(filtered) - successes,
		From:        from,
		To:          to,
		SuccessRate: float64(successes) / float64(len(filtered)),
	}
	if successes == 0 {
		return summary
	}

	sort.Float64s(values)
	summary.AvgRTTMs = sumRTT / float64(successes)
	summary.P95RTTMs = percentile(values, 0.95)
	summary.MinRTTMs = minRTT
	summary.MaxRTTMs = maxRTT
	return summary
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
