package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/store"
)

// Tunables for prediction and parameter derivation.
const (
	MinSamplesForPrediction = 5
	PredictionWindowDays    = 90
	ParameterWindowDays     = 60

	initialLevelToleranceCm = 3.0
	targetLevelToleranceCm  = 2.0
	minEfficiencyPredict    = 0.5
	minEfficiencyParams     = 0.6
)

// Seasons and their duration multipliers.
const (
	SeasonDry    = "dry"
	SeasonWet    = "wet"
	SeasonNormal = "normal"
)

var seasonalMultiplier = map[string]float64{
	SeasonDry:    1.2,
	SeasonWet:    0.9,
	SeasonNormal: 1.0,
}

// Season classifies a point in time: Nov-Feb dry, Jun-Oct wet,
// otherwise normal.
func Season(t time.Time) string {
	switch m := t.Month(); {
	case m >= time.November || m <= time.February:
		return SeasonDry
	case m >= time.June && m <= time.October:
		return SeasonWet
	default:
		return SeasonNormal
	}
}

// EfficiencyScore combines target accuracy (70%) and duration
// efficiency (30%, full marks at six hours or less) into [0,1].
func EfficiencyScore(achievedLevelCm, targetLevelCm, totalDurationMin float64) float64 {
	accuracy := 0.0
	if math.Abs(achievedLevelCm-targetLevelCm) < 1.0 {
		accuracy = 1.0
	}
	if totalDurationMin <= 0 {
		totalDurationMin = 1
	}
	speed := math.Min(1.0, 360.0/totalDurationMin)
	return 0.7*accuracy + 0.3*speed
}

// Conditions describe the run a prediction is requested for.
type Conditions struct {
	InitialLevelCm float64 `json:"initial_level_cm"`
	TargetLevelCm  float64 `json:"target_level_cm"`
}

// Prediction is the learner's estimate for an upcoming run.
type Prediction struct {
	FieldID                  string    `json:"field_id"`
	EstimatedDurationMin     float64   `json:"estimated_duration_min"`
	ExpectedFlowRateCmPerMin float64   `json:"expected_flow_rate_cm_per_min"`
	ExpectedVolumeLiters     float64   `json:"expected_volume_liters"`
	Confidence               float64   `json:"confidence"`
	SampleCount              int       `json:"sample_count"`
	DurationCI95Low          float64   `json:"duration_ci95_low"`
	DurationCI95High         float64   `json:"duration_ci95_high"`
	Season                   string    `json:"season"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// Parameters are the recommended runner settings for a field.
type Parameters struct {
	SensorCheckIntervalSec int     `json:"sensor_check_interval_sec"`
	MinFlowRateThreshold   float64 `json:"min_flow_rate_threshold"`
	MaxDurationMin         int     `json:"max_duration_min"`
	ToleranceCm            float64 `json:"tolerance_cm"`
}

// DefaultParameters are used when history is insufficient.
func DefaultParameters() Parameters {
	return Parameters{
		SensorCheckIntervalSec: 300,
		MinFlowRateThreshold:   0.05,
		MaxDurationMin:         1440,
		ToleranceCm:            1.0,
	}
}

// PredictionCache persists generated predictions for other services.
type PredictionCache interface {
	SetPrediction(ctx context.Context, fieldID string, prediction interface{}) error
}

// Learner derives run parameters, duration predictions, and pattern
// summaries from historical irrigation performance.
type Learner struct {
	db    store.Store
	cache PredictionCache
	clock clock.Clock
	log   *zap.Logger
}

func New(db store.Store, cache PredictionCache, clk clock.Clock, log *zap.Logger) *Learner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{db: db, cache: cache, clock: clk, log: log}
}

// PredictPerformance estimates duration, flow rate, and volume for a
// run under the given conditions, from similar recent runs. With fewer
// than MinSamplesForPrediction comparable runs it returns a low
// confidence default sized to the depth to fill.
func (l *Learner) PredictPerformance(ctx context.Context, fieldID string, cond Conditions) (*Prediction, error) {
	now := l.clock.Now()
	since := now.AddDate(0, 0, -PredictionWindowDays)

	records, err := l.db.ListPerformanceSince(ctx, fieldID, since)
	if err != nil {
		return nil, fmt.Errorf("load performance history for %s: %w", fieldID, err)
	}

	var similar []*store.PerformanceRecord
	for _, r := range records {
		if math.Abs(r.InitialLevelCm-cond.InitialLevelCm) <= initialLevelToleranceCm &&
			math.Abs(r.TargetLevelCm-cond.TargetLevelCm) <= targetLevelToleranceCm &&
			r.EfficiencyScore > minEfficiencyPredict {
			similar = append(similar, r)
		}
	}

	season := Season(now)
	if len(similar) < MinSamplesForPrediction {
		depth := cond.TargetLevelCm - cond.InitialLevelCm
		if depth < 0 {
			depth = 0
		}
		p := &Prediction{
			FieldID:                  fieldID,
			EstimatedDurationMin:     depth * 60,
			ExpectedFlowRateCmPerMin: 1.0 / 60.0,
			Confidence:               0.3,
			SampleCount:              len(similar),
			Season:                   season,
			GeneratedAt:              now,
		}
		l.persist(ctx, fieldID, p)
		return p, nil
	}

	var wSum, durSum, flowSum, volSum float64
	durations := make([]float64, 0, len(similar))
	for _, r := range similar {
		daysAgo := now.Sub(r.EndTime).Hours() / 24
		w := math.Exp(-daysAgo/30) *
			math.Exp(-math.Abs(r.InitialLevelCm-cond.InitialLevelCm)/5) *
			r.EfficiencyScore
		wSum += w
		durSum += w * r.TotalDurationMin
		flowSum += w * r.AvgFlowRateCmPerMin
		volSum += w * r.WaterVolumeLiters
		durations = append(durations, r.TotalDurationMin)
	}

	duration := durSum / wSum * seasonalMultiplier[season]
	sd := stddev(durations)
	ciHalf := 1.96 * sd

	n := len(similar)
	p := &Prediction{
		FieldID:                  fieldID,
		EstimatedDurationMin:     duration,
		ExpectedFlowRateCmPerMin: flowSum / wSum,
		ExpectedVolumeLiters:     volSum / wSum,
		Confidence:               math.Min(0.95, 1-1/math.Sqrt(float64(n))),
		SampleCount:              n,
		DurationCI95Low:          math.Max(0, duration-ciHalf),
		DurationCI95High:         duration + ciHalf,
		Season:                   season,
		GeneratedAt:              now,
	}
	l.persist(ctx, fieldID, p)
	return p, nil
}

func (l *Learner) persist(ctx context.Context, fieldID string, p *Prediction) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetPrediction(ctx, fieldID, p); err != nil {
		l.log.Warn("failed to persist prediction", zap.String("field_id", fieldID), zap.Error(err))
	}
}

// OptimalParameters derives recommended runner settings from the last
// 60 days of efficient runs. Insufficient history returns defaults.
func (l *Learner) OptimalParameters(ctx context.Context, fieldID string) (Parameters, error) {
	now := l.clock.Now()
	since := now.AddDate(0, 0, -ParameterWindowDays)

	records, err := l.db.ListPerformanceSince(ctx, fieldID, since)
	if err != nil {
		return DefaultParameters(), fmt.Errorf("load performance history for %s: %w", fieldID, err)
	}

	var efficient []*store.PerformanceRecord
	for _, r := range records {
		if r.EfficiencyScore > minEfficiencyParams {
			efficient = append(efficient, r)
		}
	}
	if len(efficient) < MinSamplesForPrediction {
		return DefaultParameters(), nil
	}

	durations := make([]float64, 0, len(efficient))
	minFlow := math.Inf(1)
	for _, r := range efficient {
		durations = append(durations, r.TotalDurationMin)
		if r.AvgFlowRateCmPerMin < minFlow {
			minFlow = r.AvgFlowRateCmPerMin
		}
	}
	avgDur := mean(durations)
	sd := stddev(durations)

	interval := 600
	switch {
	case avgDur < 120:
		interval = 180
	case avgDur < 360:
		interval = 300
	}

	anomalies, err := l.db.CountAnomaliesSince(ctx, fieldID, since)
	if err != nil {
		l.log.Warn("failed to count anomalies", zap.String("field_id", fieldID), zap.Error(err))
	}
	tolerance := 1.0
	if anomalies > 5 {
		tolerance = 0.5
	}

	return Parameters{
		SensorCheckIntervalSec: interval,
		MinFlowRateThreshold:   math.Max(0.03, minFlow*0.8),
		MaxDurationMin:         int(math.Round(avgDur + 2*sd)),
		ToleranceCm:            tolerance,
	}, nil
}

// IrrigationCompleted ingests a finished run. The record itself is
// already durable; this refreshes the cached prediction baseline.
func (l *Learner) IrrigationCompleted(ctx context.Context, rec *store.PerformanceRecord) {
	l.log.Info("performance record ingested",
		zap.String("field_id", rec.FieldID),
		zap.String("schedule_id", rec.ScheduleID),
		zap.Float64("efficiency_score", rec.EfficiencyScore),
		zap.Float64("total_duration_min", rec.TotalDurationMin))

	if _, err := l.PredictPerformance(ctx, rec.FieldID, Conditions{
		InitialLevelCm: rec.InitialLevelCm,
		TargetLevelCm:  rec.TargetLevelCm,
	}); err != nil {
		l.log.Warn("post-run prediction refresh failed", zap.String("field_id", rec.FieldID), zap.Error(err))
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
