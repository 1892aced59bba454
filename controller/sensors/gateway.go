package sensors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/observability"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/store"
)

// ErrNoReading means no water level is available from any source.
var ErrNoReading = errors.New("no water level reading available")

// Reentry thresholds for the drying-phase composite check.
const (
	ReentryLevelCm         = -15.0
	ReentryMoisturePercent = 25.0
)

// Need assessment reasons.
const (
	ReasonWaterLevelThreshold = "water_level_threshold"
	ReasonMoistureThreshold   = "moisture_threshold"
	ReasonDryingDaysExceeded  = "drying_days_exceeded"
	ReasonWithinThresholds    = "within_thresholds"
)

// NeedAssessment is the composite result of checkIrrigationNeed.
type NeedAssessment struct {
	NeedsIrrigation bool               `json:"needs_irrigation"`
	Reason          string             `json:"reason"`
	Data            map[string]float64 `json:"data"`
}

// WeatherProvider supplies rainfall and ambient weather. Readings come
// from an external service; errors mean "absent", never fabricated.
type WeatherProvider interface {
	CurrentRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error)
	CurrentWeather(ctx context.Context, fieldID string) (*store.Weather, error)
}

// GISEstimator derives a water level estimate for fields without a
// level sensor.
type GISEstimator interface {
	EstimateWaterLevel(ctx context.Context, fieldID string) (float64, error)
}

// RainfallCache holds short-lived rainfall data.
type RainfallCache interface {
	GetRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error)
	SetRainfall(ctx context.Context, r *store.RainfallData) error
}

// Gateway is the read-only facade over field sensors and weather.
type Gateway struct {
	db      store.Store
	cache   RainfallCache
	weather WeatherProvider
	gis     GISEstimator
	clock   clock.Clock
	log     *zap.Logger
}

func NewGateway(db store.Store, cache RainfallCache, weather WeatherProvider, gis GISEstimator, clk clock.Clock, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{db: db, cache: cache, weather: weather, gis: gis, clock: clk, log: log}
}

// CurrentWaterLevel returns the most recent sensor reading, or a
// GIS-derived estimate for fields without a sensor. Never synthesizes
// a value: with no sensor and no estimator it returns ErrNoReading.
func (g *Gateway) CurrentWaterLevel(ctx context.Context, fieldID string) (*store.WaterLevelReading, error) {
	reading, err := g.db.LatestWaterLevel(ctx, fieldID)
	if err != nil {
		observability.SensorReadFailures.WithLabelValues("water_level").Inc()
		return nil, fmt.Errorf("read water level for %s: %w", fieldID, err)
	}
	if reading != nil {
		return reading, nil
	}

	if g.gis != nil {
		level, err := g.gis.EstimateWaterLevel(ctx, fieldID)
		if err != nil {
			observability.SensorReadFailures.WithLabelValues("gis").Inc()
			return nil, fmt.Errorf("gis estimate for %s: %w", fieldID, err)
		}
		return &store.WaterLevelReading{
			Time:         g.clock.Now(),
			FieldID:      fieldID,
			WaterLevelCm: level,
			Source:       "gis",
		}, nil
	}

	return nil, ErrNoReading
}

// CurrentMoisture returns the latest soil moisture reading, or nil when
// the field has no moisture sensor.
func (g *Gateway) CurrentMoisture(ctx context.Context, fieldID string) (*store.MoistureReading, error) {
	reading, err := g.db.LatestMoisture(ctx, fieldID)
	if err != nil {
		observability.SensorReadFailures.WithLabelValues("moisture").Inc()
		return nil, fmt.Errorf("read moisture for %s: %w", fieldID, err)
	}
	return reading, nil
}

// CurrentRainfall returns observed or forecast rainfall in mm, cached
// for five minutes.
func (g *Gateway) CurrentRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error) {
	if g.cache != nil {
		cached, err := g.cache.GetRainfall(ctx, fieldID)
		if err != nil {
			g.log.Warn("rainfall cache read failed", zap.String("field_id", fieldID), zap.Error(err))
		}
		if cached != nil {
			return cached, nil
		}
	}

	if g.weather == nil {
		return nil, errors.New("no weather provider configured")
	}

	rain, err := g.weather.CurrentRainfall(ctx, fieldID)
	if err != nil {
		observability.SensorReadFailures.WithLabelValues("rainfall").Inc()
		return nil, fmt.Errorf("rainfall for %s: %w", fieldID, err)
	}
	if rain != nil && g.cache != nil {
		if err := g.cache.SetRainfall(ctx, rain); err != nil {
			g.log.Warn("rainfall cache write failed", zap.String("field_id", fieldID), zap.Error(err))
		}
	}
	return rain, nil
}

// CurrentWeather returns the ambient snapshot, or an error when the
// provider is unreachable. Values are never fabricated.
func (g *Gateway) CurrentWeather(ctx context.Context, fieldID string) (*store.Weather, error) {
	if g.weather == nil {
		return nil, errors.New("no weather provider configured")
	}
	w, err := g.weather.CurrentWeather(ctx, fieldID)
	if err != nil {
		observability.SensorReadFailures.WithLabelValues("weather").Inc()
		return nil, fmt.Errorf("weather for %s: %w", fieldID, err)
	}
	return w, nil
}

// CheckIrrigationNeed composes water level, moisture, and phase timing
// into a single reflood assessment for the drying phase.
func (g *Gateway) CheckIrrigationNeed(ctx context.Context, fieldID string, cfg *store.FieldConfig, phase *schedule.PhaseSpec) (*NeedAssessment, error) {
	data := make(map[string]float64)

	level, err := g.CurrentWaterLevel(ctx, fieldID)
	if err == nil && level != nil {
		data["water_level_cm"] = level.WaterLevelCm
		if level.WaterLevelCm <= ReentryLevelCm {
			return &NeedAssessment{NeedsIrrigation: true, Reason: ReasonWaterLevelThreshold, Data: data}, nil
		}
	}

	moisture, err := g.CurrentMoisture(ctx, fieldID)
	if err == nil && moisture != nil {
		data["moisture_percent"] = moisture.MoisturePercent
		if moisture.MoisturePercent < ReentryMoisturePercent {
			return &NeedAssessment{NeedsIrrigation: true, Reason: ReasonMoistureThreshold, Data: data}, nil
		}
	}

	if phase != nil && phase.DurationDays > 0 {
		phaseStart := cfg.StartDate.AddDate(0, 0, 7*phase.Week)
		dryingDays := g.clock.Now().Sub(phaseStart).Hours() / 24
		data["drying_days"] = dryingDays
		if dryingDays > float64(phase.DurationDays) {
			return &NeedAssessment{NeedsIrrigation: true, Reason: ReasonDryingDaysExceeded, Data: data}, nil
		}
	}

	return &NeedAssessment{NeedsIrrigation: false, Reason: ReasonWithinThresholds, Data: data}, nil
}
