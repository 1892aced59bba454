package sensors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/store"
)

type fakeGIS struct {
	level float64
	err   error
}

func (g *fakeGIS) EstimateWaterLevel(ctx context.Context, fieldID string) (float64, error) {
	return g.level, g.err
}

func TestCurrentWaterLevelPrefersSensor(t *testing.T) {
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	db.AddWaterLevelReading(&store.WaterLevelReading{
		Time: clk.Now(), FieldID: "field-1", SensorID: "wl-1", WaterLevelCm: 4.2, Source: "sensor",
	})
	g := NewGateway(db, nil, nil, &fakeGIS{level: 9}, clk, nil)

	r, err := g.CurrentWaterLevel(context.Background(), "field-1")
	require.NoError(t, err)
	assert.Equal(t, "sensor", r.Source)
	assert.InDelta(t, 4.2, r.WaterLevelCm, 1e-9)
}

func TestCurrentWaterLevelGISFallback(t *testing.T) {
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	g := NewGateway(db, nil, nil, &fakeGIS{level: -3.5}, clk, nil)

	r, err := g.CurrentWaterLevel(context.Background(), "field-1")
	require.NoError(t, err)
	assert.Equal(t, "gis", r.Source)
	assert.InDelta(t, -3.5, r.WaterLevelCm, 1e-9)
}

func TestCurrentWaterLevelAbsent(t *testing.T) {
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	g := NewGateway(db, nil, nil, nil, clk, nil)

	_, err := g.CurrentWaterLevel(context.Background(), "field-1")
	assert.ErrorIs(t, err, ErrNoReading)
}

func TestCurrentMoistureAbsent(t *testing.T) {
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	g := NewGateway(db, nil, nil, nil, clk, nil)

	m, err := g.CurrentMoisture(context.Background(), "field-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCheckIrrigationNeed(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 29, 8, 0, 0, 0, time.UTC))
	catalog := schedule.NewCatalog()
	sched, err := catalog.ForMethod(store.MethodTransplanted)
	require.NoError(t, err)
	phase := sched.PhaseAt(3) // drying, 7 days
	cfg := &store.FieldConfig{
		FieldID:        "field-1",
		PlantingMethod: store.MethodTransplanted,
		StartDate:      clk.Now().AddDate(0, 0, -23), // week 3, 2 days into drying
		CurrentWeek:    3,
		CurrentPhase:   store.PhaseDrying,
	}

	t.Run("water level threshold", func(t *testing.T) {
		db := store.NewMemoryStore()
		db.AddWaterLevelReading(&store.WaterLevelReading{FieldID: "field-1", WaterLevelCm: -16, Source: "sensor"})
		g := NewGateway(db, nil, nil, nil, clk, nil)

		need, err := g.CheckIrrigationNeed(context.Background(), "field-1", cfg, &phase)
		require.NoError(t, err)
		assert.True(t, need.NeedsIrrigation)
		assert.Equal(t, ReasonWaterLevelThreshold, need.Reason)
	})

	t.Run("moisture threshold", func(t *testing.T) {
		db := store.NewMemoryStore()
		db.AddWaterLevelReading(&store.WaterLevelReading{FieldID: "field-1", WaterLevelCm: -5, Source: "sensor"})
		db.AddMoistureReading(&store.MoistureReading{FieldID: "field-1", MoisturePercent: 20})
		g := NewGateway(db, nil, nil, nil, clk, nil)

		need, err := g.CheckIrrigationNeed(context.Background(), "field-1", cfg, &phase)
		require.NoError(t, err)
		assert.True(t, need.NeedsIrrigation)
		assert.Equal(t, ReasonMoistureThreshold, need.Reason)
	})

	t.Run("within thresholds", func(t *testing.T) {
		db := store.NewMemoryStore()
		db.AddWaterLevelReading(&store.WaterLevelReading{FieldID: "field-1", WaterLevelCm: -5, Source: "sensor"})
		db.AddMoistureReading(&store.MoistureReading{FieldID: "field-1", MoisturePercent: 40})
		g := NewGateway(db, nil, nil, nil, clk, nil)

		need, err := g.CheckIrrigationNeed(context.Background(), "field-1", cfg, &phase)
		require.NoError(t, err)
		assert.False(t, need.NeedsIrrigation)
		assert.Equal(t, ReasonWithinThresholds, need.Reason)
	})

	t.Run("drying days exceeded", func(t *testing.T) {
		db := store.NewMemoryStore()
		db.AddWaterLevelReading(&store.WaterLevelReading{FieldID: "field-1", WaterLevelCm: -5, Source: "sensor"})
		db.AddMoistureReading(&store.MoistureReading{FieldID: "field-1", MoisturePercent: 40})
		g := NewGateway(db, nil, nil, nil, clk, nil)

		overdue := *cfg
		overdue.StartDate = clk.Now().AddDate(0, 0, -30) // 9 days into a 7-day drying phase
		need, err := g.CheckIrrigationNeed(context.Background(), "field-1", &overdue, &phase)
		require.NoError(t, err)
		assert.True(t, need.NeedsIrrigation)
		assert.Equal(t, ReasonDryingDaysExceeded, need.Reason)
	})
}

type failingWeather struct{}

func (failingWeather) CurrentRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error) {
	return nil, errors.New("service down")
}

func (failingWeather) CurrentWeather(ctx context.Context, fieldID string) (*store.Weather, error) {
	return nil, errors.New("service down")
}

func TestWeatherNeverFabricated(t *testing.T) {
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	g := NewGateway(db, nil, failingWeather{}, nil, clk, nil)

	_, err := g.CurrentRainfall(context.Background(), "field-1")
	assert.Error(t, err)
	_, err = g.CurrentWeather(context.Background(), "field-1")
	assert.Error(t, err)
}
