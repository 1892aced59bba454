package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munbon/awd-control/controller/store"
)

func sample(level, flow float64) store.MonitoringSample {
	return store.MonitoringSample{WaterLevelCm: level, FlowRateCmPerMin: flow}
}

func TestLowFlowBoundary(t *testing.T) {
	th := DefaultThresholds()

	// Exactly at the minimum: no low_flow.
	out := Detect(sample(6, 0.05), sample(6, 0), nil, 0, 10, th)
	assert.Empty(t, out)

	// Just below: warning.
	out = Detect(sample(6, 0.049), sample(6, 0), nil, 1, 10, th)
	require.Len(t, out, 1)
	assert.Equal(t, TypeLowFlow, out[0].Type)
	assert.Equal(t, SeverityWarning, out[0].Severity)
	assert.False(t, out[0].Critical())

	// Negative flow is a drop, not a low_flow.
	out = Detect(sample(5, -0.5), sample(6, 0.1), nil, 1, 10, th)
	for _, an := range out {
		assert.NotEqual(t, TypeLowFlow, an.Type)
	}
}

func TestRapidDropBoundary(t *testing.T) {
	th := DefaultThresholds()

	// Drop of exactly 2 cm: nothing.
	out := Detect(sample(4, 0.5), sample(6, 0.5), nil, 0, 10, th)
	assert.Empty(t, out)

	// Drop above 2 cm: critical.
	out = Detect(sample(3.9, 0.5), sample(6, 0.5), nil, 0, 10, th)
	require.Len(t, out, 1)
	assert.Equal(t, TypeRapidDrop, out[0].Type)
	assert.True(t, out[0].Critical())
}

func TestNoRiseThreshold(t *testing.T) {
	th := DefaultThresholds()

	out := Detect(sample(6, 0.0), sample(6, 0.0), nil, 2, 10, th)
	for _, an := range out {
		assert.NotEqual(t, TypeNoRise, an.Type)
	}

	out = Detect(sample(6, 0.0), sample(6, 0.0), nil, 3, 10, th)
	var noRise *Anomaly
	for i := range out {
		if out[i].Type == TypeNoRise {
			noRise = &out[i]
		}
	}
	require.NotNil(t, noRise)
	assert.Equal(t, SeverityCritical, noRise.Severity)
}

func TestOverflowBoundary(t *testing.T) {
	th := DefaultThresholds()

	// Exactly target+5: nothing.
	out := Detect(sample(15, 0.5), sample(14, 0.5), nil, 0, 10, th)
	assert.Empty(t, out)

	// Above target+5: critical.
	out = Detect(sample(15.1, 0.5), sample(14, 0.5), nil, 0, 10, th)
	require.Len(t, out, 1)
	assert.Equal(t, TypeOverflowRisk, out[0].Type)
	assert.True(t, out[0].Critical())
}

func TestDetectionOrder(t *testing.T) {
	th := DefaultThresholds()

	// A stagnant sample above the overflow line trips low_flow,
	// no_rise, and overflow_risk in that order.
	out := Detect(sample(16, 0.0), sample(16, 0.0), nil, 3, 10, th)
	require.Len(t, out, 3)
	assert.Equal(t, TypeLowFlow, out[0].Type)
	assert.Equal(t, TypeNoRise, out[1].Type)
	assert.Equal(t, TypeOverflowRisk, out[2].Type)

	first := FirstCritical(out)
	require.NotNil(t, first)
	assert.Equal(t, TypeNoRise, first.Type)
}

func TestSensorFailureHelper(t *testing.T) {
	an := SensorFailure("probe offline")
	assert.Equal(t, TypeSensorFailure, an.Type)
	assert.True(t, an.Critical())
	assert.Equal(t, "probe offline", an.Description)
}
