package anomaly

import (
	"fmt"

	"github.com/munbon/awd-control/controller/store"
)

// Anomaly types.
const (
	TypeLowFlow       = "low_flow"
	TypeNoRise        = "no_rise"
	TypeRapidDrop     = "rapid_drop"
	TypeSensorFailure = "sensor_failure"
	TypeOverflowRisk  = "overflow_risk"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Anomaly is a detection result. Critical anomalies terminate the run.
type Anomaly struct {
	Type        string             `json:"type"`
	Severity    string             `json:"severity"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Critical reports whether this anomaly must terminate the run.
func (a Anomaly) Critical() bool {
	return a.Severity == SeverityCritical
}

// Thresholds tune detection. Zero values are not valid; start from
// DefaultThresholds.
type Thresholds struct {
	MinFlowRateCmPerMin float64
	RapidDropCm         float64
	NoRiseCount         int
	OverflowMarginCm    float64
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinFlowRateCmPerMin: 0.05,
		RapidDropCm:         2.0,
		NoRiseCount:         3,
		OverflowMarginCm:    5.0,
	}
}

// Detect evaluates one monitoring sample against the previous sample,
// the rolling history, and the running stagnation counter. It performs
// no I/O. noRiseCount must already include the current sample.
//
// Evaluation order is fixed: low_flow, rapid_drop, no_rise,
// overflow_risk. Callers act on the first critical result.
func Detect(sample, prev store.MonitoringSample, history []store.MonitoringSample, noRiseCount int, targetLevelCm float64, th Thresholds) []Anomaly {
	var out []Anomaly

	flow := sample.FlowRateCmPerMin

	if flow >= 0 && flow < th.MinFlowRateCmPerMin {
		out = append(out, Anomaly{
			Type:        TypeLowFlow,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("Flow rate %.3f cm/min below minimum %.3f cm/min", flow, th.MinFlowRateCmPerMin),
			Metrics: map[string]float64{
				"flow_rate_cm_per_min": flow,
				"min_flow_rate":        th.MinFlowRateCmPerMin,
			},
		})
	}

	if drop := prev.WaterLevelCm - sample.WaterLevelCm; drop > th.RapidDropCm {
		out = append(out, Anomaly{
			Type:        TypeRapidDrop,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("Water level dropped %.1f cm since last sample", drop),
			Metrics: map[string]float64{
				"drop_cm":       drop,
				"previous_cm":   prev.WaterLevelCm,
				"current_cm":    sample.WaterLevelCm,
				"threshold_cm":  th.RapidDropCm,
			},
		})
	}

	if noRiseCount >= th.NoRiseCount {
		out = append(out, Anomaly{
			Type:        TypeNoRise,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("No water level rise across %d consecutive samples", noRiseCount),
			Metrics: map[string]float64{
				"consecutive_samples":  float64(noRiseCount),
				"flow_rate_cm_per_min": flow,
			},
		})
	}

	if sample.WaterLevelCm > targetLevelCm+th.OverflowMarginCm {
		out = append(out, Anomaly{
			Type:        TypeOverflowRisk,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("Water level %.1f cm exceeds target %.1f cm by more than %.1f cm", sample.WaterLevelCm, targetLevelCm, th.OverflowMarginCm),
			Metrics: map[string]float64{
				"current_cm": sample.WaterLevelCm,
				"target_cm":  targetLevelCm,
				"margin_cm":  th.OverflowMarginCm,
			},
		})
	}

	return out
}

// SensorFailure builds the anomaly raised when a sample cannot be
// obtained. The monitor raises it directly; Detect never does.
func SensorFailure(description string) Anomaly {
	return Anomaly{
		Type:        TypeSensorFailure,
		Severity:    SeverityCritical,
		Description: description,
		Metrics:     map[string]float64{},
	}
}

// FirstCritical returns the first critical anomaly, or nil.
func FirstCritical(anomalies []Anomaly) *Anomaly {
	for i := range anomalies {
		if anomalies[i].Critical() {
			return &anomalies[i]
		}
	}
	return nil
}
