package learning

import (
	"context"
	"fmt"
	"sort"

	"github.com/munbon/awd-control/controller/store"
)

// Pattern names.
const (
	PatternHighFlowVariability     = "high_flow_variability"
	PatternTimeDependentEfficiency = "time_dependent_efficiency"
	PatternFrequentAnomalies       = "frequent_anomalies"
	PatternImprovingEfficiency     = "improving_efficiency"
	PatternDecliningEfficiency     = "declining_efficiency"
)

// Pattern detection tunables.
const (
	flowVariabilityCV      = 0.3
	hourlyEfficiencyGap    = 0.2
	minRunsPerHour         = 2
	minHoursForTimePattern = 3
	frequentAnomalyCount   = 10
	efficiencyTrendDelta   = 0.1
	minSamplesForTrend     = 6
)

// Pattern is one detected behavioral pattern with its triggering
// threshold and operator recommendations.
type Pattern struct {
	Name            string   `json:"name"`
	Threshold       float64  `json:"threshold"`
	Detail          string   `json:"detail"`
	Recommendations []string `json:"recommendations"`
}

// Patterns analyzes recent history for a field and returns every
// pattern whose statistical test fires.
func (l *Learner) Patterns(ctx context.Context, fieldID string) ([]Pattern, error) {
	now := l.clock.Now()

	recent, err := l.db.ListPerformanceSince(ctx, fieldID, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("load 30-day history for %s: %w", fieldID, err)
	}
	extended, err := l.db.ListPerformanceSince(ctx, fieldID, now.AddDate(0, 0, -ParameterWindowDays))
	if err != nil {
		return nil, fmt.Errorf("load 60-day history for %s: %w", fieldID, err)
	}

	var patterns []Pattern

	// Flow variability: coefficient of variation of avg flow over 30 days.
	if len(recent) >= MinSamplesForPrediction {
		flows := make([]float64, 0, len(recent))
		for _, r := range recent {
			flows = append(flows, r.AvgFlowRateCmPerMin)
		}
		if m := mean(flows); m > 0 {
			cv := stddev(flows) / m
			if cv > flowVariabilityCV {
				patterns = append(patterns, Pattern{
					Name:      PatternHighFlowVariability,
					Threshold: flowVariabilityCV,
					Detail:    fmt.Sprintf("Flow rate CV %.2f over %d runs", cv, len(flows)),
					Recommendations: []string{
						"Inspect canal gate for debris or mechanical wear",
						"Verify upstream supply pressure during irrigation windows",
					},
				})
			}
		}
	}

	if p := timeDependence(extended); p != nil {
		patterns = append(patterns, *p)
	}

	// Anomaly frequency over 30 days.
	anomalies, err := l.db.CountAnomaliesSince(ctx, fieldID, now.AddDate(0, 0, -30))
	if err == nil && anomalies > frequentAnomalyCount {
		patterns = append(patterns, Pattern{
			Name:      PatternFrequentAnomalies,
			Threshold: float64(frequentAnomalyCount),
			Detail:    fmt.Sprintf("%d anomalies in the last 30 days", anomalies),
			Recommendations: []string{
				"Tighten completion tolerance",
				"Check water level sensor calibration",
			},
		})
	}

	if p := efficiencyTrend(extended); p != nil {
		patterns = append(patterns, *p)
	}

	return patterns, nil
}

// timeDependence compares average efficiency across start hours. It
// requires at least three hours each holding more than two runs, and a
// best-to-worst gap above 0.2.
func timeDependence(records []*store.PerformanceRecord) *Pattern {
	runsByHour := make(map[int][]float64)
	for _, r := range records {
		h := r.StartTime.Hour()
		runsByHour[h] = append(runsByHour[h], r.EfficiencyScore)
	}

	type hourAvg struct {
		hour int
		avg  float64
	}
	var hours []hourAvg
	for h, scores := range runsByHour {
		if len(scores) > minRunsPerHour {
			hours = append(hours, hourAvg{hour: h, avg: mean(scores)})
		}
	}
	if len(hours) < minHoursForTimePattern {
		return nil
	}

	sort.Slice(hours, func(i, j int) bool { return hours[i].avg > hours[j].avg })
	best, worst := hours[0], hours[len(hours)-1]
	if best.avg-worst.avg <= hourlyEfficiencyGap {
		return nil
	}

	return &Pattern{
		Name:      PatternTimeDependentEfficiency,
		Threshold: hourlyEfficiencyGap,
		Detail: fmt.Sprintf("Best start hour %02d:00 (avg %.2f), worst %02d:00 (avg %.2f)",
			best.hour, best.avg, worst.hour, worst.avg),
		Recommendations: []string{
			fmt.Sprintf("Prefer starting irrigations near %02d:00", best.hour),
			fmt.Sprintf("Avoid starting irrigations near %02d:00", worst.hour),
		},
	}
}

// efficiencyTrend splits the window into older and newer halves by end
// time and compares mean efficiency.
func efficiencyTrend(records []*store.PerformanceRecord) *Pattern {
	if len(records) < minSamplesForTrend {
		return nil
	}

	sorted := make([]*store.PerformanceRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndTime.Before(sorted[j].EndTime) })

	mid := len(sorted) / 2
	olderScores := make([]float64, 0, mid)
	newerScores := make([]float64, 0, len(sorted)-mid)
	for _, r := range sorted[:mid] {
		olderScores = append(olderScores, r.EfficiencyScore)
	}
	for _, r := range sorted[mid:] {
		newerScores = append(newerScores, r.EfficiencyScore)
	}

	delta := mean(newerScores) - mean(olderScores)
	switch {
	case delta > efficiencyTrendDelta:
		return &Pattern{
			Name:      PatternImprovingEfficiency,
			Threshold: efficiencyTrendDelta,
			Detail:    fmt.Sprintf("Mean efficiency up %.2f over the window", delta),
			Recommendations: []string{
				"Current parameters are working; keep the learned settings",
			},
		}
	case delta < -efficiencyTrendDelta:
		return &Pattern{
			Name:      PatternDecliningEfficiency,
			Threshold: efficiencyTrendDelta,
			Detail:    fmt.Sprintf("Mean efficiency down %.2f over the window", -delta),
			Recommendations: []string{
				"Re-derive optimal parameters",
				"Inspect gate and sensor hardware",
			},
		}
	default:
		return nil
	}
}
