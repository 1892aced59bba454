package decision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/learning"
	"github.com/munbon/awd-control/controller/observability"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/sensors"
	"github.com/munbon/awd-control/controller/store"
)

// Decision thresholds and fixed targets.
const (
	RainfallThresholdMm      = 5.0
	CriticalMoisturePercent  = 20.0
	PreparationTargetCm      = 10.0
	EmergencyTargetCm        = 10.0
	PreparationEstimateMin   = 48 * 60
	preferredStartHour       = 6
	preferredStartHourCutoff = 18
)

// ConfigStore supplies and advances per-field configuration.
type ConfigStore interface {
	Get(ctx context.Context, fieldID string) (*store.FieldConfig, error)
	Advance(ctx context.Context, cfg *store.FieldConfig) (*store.FieldConfig, error)
}

// SensorGateway reads field sensors and weather.
type SensorGateway interface {
	CurrentWaterLevel(ctx context.Context, fieldID string) (*store.WaterLevelReading, error)
	CurrentMoisture(ctx context.Context, fieldID string) (*store.MoistureReading, error)
	CurrentRainfall(ctx context.Context, fieldID string) (*store.RainfallData, error)
	CheckIrrigationNeed(ctx context.Context, fieldID string, cfg *store.FieldConfig, phase *schedule.PhaseSpec) (*sensors.NeedAssessment, error)
}

// RunObserver reports whether a field has an active irrigation.
type RunObserver interface {
	ActiveScheduleID(fieldID string) (string, bool)
	Status(ctx context.Context, fieldID string) (*store.IrrigationStatus, error)
}

// Predictor enriches start decisions with learned estimates.
type Predictor interface {
	PredictPerformance(ctx context.Context, fieldID string, cond learning.Conditions) (*learning.Prediction, error)
}

// Engine evaluates one field at a time and selects a control action.
// Phase advancement for a field is serialized with its decisions: the
// caller drives both through Decide.
type Engine struct {
	configs ConfigStore
	catalog *schedule.Catalog
	sensors SensorGateway
	runs    RunObserver
	learner Predictor
	pub     events.Publisher
	clock   clock.Clock
	log     *zap.Logger
}

func NewEngine(configs ConfigStore, catalog *schedule.Catalog, gw SensorGateway, runs RunObserver, learner Predictor, pub events.Publisher, clk clock.Clock, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		configs: configs,
		catalog: catalog,
		sensors: gw,
		runs:    runs,
		learner: learner,
		pub:     pub,
		clock:   clk,
		log:     log,
	}
}

// Decide evaluates a field and returns the control decision.
func (e *Engine) Decide(ctx context.Context, fieldID string) (*Decision, error) {
	cfg, err := e.configs.Get(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Active {
		return e.finish(&Decision{
			FieldID: fieldID,
			Action:  Maintain{Reason: "Field AWD control not active"},
		}), nil
	}

	cfg, err = e.configs.Advance(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sched, err := e.catalog.ForMethod(cfg.PlantingMethod)
	if err != nil {
		return nil, err
	}
	phase := sched.PhaseAt(cfg.CurrentWeek)

	// Gather sensor context concurrently. Each input is optional:
	// a failed read degrades the decision, it does not abort it.
	var (
		level    *store.WaterLevelReading
		moisture *store.MoistureReading
		rainfall *store.RainfallData
		need     *sensors.NeedAssessment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if r, err := e.sensors.CurrentWaterLevel(gctx, fieldID); err == nil {
			level = r
		} else {
			e.log.Debug("water level unavailable", zap.String("field_id", fieldID), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if m, err := e.sensors.CurrentMoisture(gctx, fieldID); err == nil {
			moisture = m
		} else {
			e.log.Debug("moisture unavailable", zap.String("field_id", fieldID), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if r, err := e.sensors.CurrentRainfall(gctx, fieldID); err == nil {
			rainfall = r
		} else {
			e.log.Debug("rainfall unavailable", zap.String("field_id", fieldID), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if n, err := e.sensors.CheckIrrigationNeed(gctx, fieldID, cfg, &phase); err == nil {
			need = n
		} else {
			e.log.Debug("irrigation need check failed", zap.String("field_id", fieldID), zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	if scheduleID, active := e.runs.ActiveScheduleID(fieldID); active {
		metadata := map[string]interface{}{"schedule_id": scheduleID}
		if st, err := e.runs.Status(ctx, fieldID); err == nil && st != nil {
			metadata["status"] = st
		}
		return e.finish(&Decision{
			FieldID: fieldID,
			Action: Maintain{
				Reason:   fmt.Sprintf("Irrigation already in progress (schedule %s)", scheduleID),
				Metadata: metadata,
			},
		}), nil
	}

	d := &Decision{FieldID: fieldID}
	switch cfg.CurrentPhase {
	case store.PhasePreparation:
		d.Action = StartIrrigation{
			TargetLevelCm:        PreparationTargetCm,
			Reason:               "Preparation phase - flood field for land preparation",
			EstimatedDurationMin: PreparationEstimateMin,
		}
	case store.PhaseHarvest:
		d.Action = StopIrrigation{Reason: "Harvest phase - drain field"}
		d.Notifications = append(d.Notifications, Notification{
			Type:     "phase_change",
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("Field %s entered harvest phase; stop all irrigation", fieldID),
		})
	case store.PhaseWetting:
		e.evaluateWetting(d, cfg, phase, level, rainfall)
	case store.PhaseDrying:
		e.evaluateDrying(d, cfg, moisture, need)
	default:
		d.Action = Maintain{Reason: "Unknown phase"}
	}

	if start, ok := d.Action.(StartIrrigation); ok {
		d.Action = e.enrich(ctx, fieldID, start, level)
	}

	return e.finish(d), nil
}

func (e *Engine) evaluateWetting(d *Decision, cfg *store.FieldConfig, phase schedule.PhaseSpec, level *store.WaterLevelReading, rainfall *store.RainfallData) {
	if phase.RequiresFertilizer && cfg.CurrentWeek == phase.Week {
		d.Notifications = append(d.Notifications, Notification{
			Type:     "fertilizer",
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("Apply fertilizer for %s (week %d)", phase.Description, cfg.CurrentWeek),
		})
	}

	target := cfg.TargetWaterLevelCm
	if level == nil {
		d.Action = StartIrrigation{
			TargetLevelCm: target,
			Reason:        "No water level reading; irrigating to phase target",
		}
		return
	}

	current := level.WaterLevelCm
	if rainfall != nil && rainfall.AmountMm > RainfallThresholdMm {
		// mm of rain add mm of standing water; convert to cm.
		estimated := current + rainfall.AmountMm/10
		if estimated >= target {
			d.Action = StopIrrigation{
				Reason: fmt.Sprintf("Rainfall (%gmm) sufficient to reach target level", rainfall.AmountMm),
			}
			return
		}
	}

	if current >= target {
		d.Action = Maintain{Reason: fmt.Sprintf("Target water level achieved (%gcm)", current)}
		return
	}

	d.Action = StartIrrigation{
		TargetLevelCm: target,
		Reason:        fmt.Sprintf("Water level %gcm below target %gcm", current, target),
	}
}

func (e *Engine) evaluateDrying(d *Decision, cfg *store.FieldConfig, moisture *store.MoistureReading, need *sensors.NeedAssessment) {
	if moisture != nil && moisture.MoisturePercent < CriticalMoisturePercent {
		d.Notifications = append(d.Notifications, Notification{
			Type:     "emergency",
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("Soil moisture critically low (%g%%); emergency irrigation", moisture.MoisturePercent),
		})
		d.Action = StartIrrigation{
			TargetLevelCm: EmergencyTargetCm,
			Reason:        fmt.Sprintf("Critical soil moisture %g%% during drying phase", moisture.MoisturePercent),
		}
		return
	}

	if need != nil && need.Reason == sensors.ReasonMoistureThreshold {
		d.Action = StartIrrigation{
			TargetLevelCm: EmergencyTargetCm,
			Reason:        "Soil moisture below reflood threshold",
		}
		return
	}

	d.Action = StopIrrigation{Reason: fmt.Sprintf("Drying phase - week %d", cfg.CurrentWeek)}
}

// enrich attaches the learner's estimates to a start decision. Learner
// failure leaves the base decision unchanged.
func (e *Engine) enrich(ctx context.Context, fieldID string, start StartIrrigation, level *store.WaterLevelReading) Action {
	if e.learner == nil {
		return start
	}

	initial := 0.0
	if level != nil {
		initial = level.WaterLevelCm
	}
	prediction, err := e.learner.PredictPerformance(ctx, fieldID, learning.Conditions{
		InitialLevelCm: initial,
		TargetLevelCm:  start.TargetLevelCm,
	})
	if err != nil {
		e.log.Warn("prediction unavailable", zap.String("field_id", fieldID), zap.Error(err))
		return start
	}

	start.Prediction = prediction
	if prediction.EstimatedDurationMin > 0 {
		start.EstimatedDurationMin = prediction.EstimatedDurationMin
	}
	rec := e.recommendedStart()
	start.RecommendedStart = &rec
	return start
}

// recommendedStart picks the next daylight window: now when inside
// 06:00-18:00, else the next 06:00.
func (e *Engine) recommendedStart() time.Time {
	now := e.clock.Now()
	h := now.Hour()
	if h >= preferredStartHour && h < preferredStartHourCutoff {
		return now
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), preferredStartHour, 0, 0, 0, now.Location())
	if h >= preferredStartHourCutoff {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// finish stamps, meters, and publishes the decision.
func (e *Engine) finish(d *Decision) *Decision {
	d.DecidedAt = e.clock.Now()
	observability.ControlDecisions.WithLabelValues(d.Action.Name()).Inc()

	events.Emit(e.pub, e.log, events.TopicControlCommands, map[string]interface{}{
		"type":          "control_decision",
		"field_id":      d.FieldID,
		"action":        d.Action.Name(),
		"decision":      d.Action,
		"notifications": d.Notifications,
		"decided_at":    d.DecidedAt,
	})

	e.log.Info("control decision made",
		zap.String("field_id", d.FieldID),
		zap.String("action", d.Action.Name()))
	return d
}
