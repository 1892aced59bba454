package irrigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/anomaly"
	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/learning"
	"github.com/munbon/awd-control/controller/observability"
	"github.com/munbon/awd-control/controller/store"
)

// Stop reasons. anomaly_critical marks the schedule failed; every other
// reason cancels it. A stop whose gate close is not acknowledged marks
// the schedule failed whatever the reason.
const (
	ReasonAnomalyCritical = "anomaly_critical"
	ReasonTimeout         = "timeout"
	ReasonMonitoringError = "monitoring_error"
	ReasonShutdown        = "shutdown"
)

var (
	ErrAlreadyActive  = errors.New("irrigation already active for field")
	ErrNotActive      = errors.New("no active irrigation for field")
	ErrNoInitialLevel = errors.New("no initial water level available")
	ErrTargetNotAbove = errors.New("target level not above current level")
)

// Runner defaults.
const (
	DefaultToleranceCm          = 1.0
	DefaultCheckIntervalSec     = 300
	DefaultMaxDurationMin       = 1440
	DefaultMinFlowRateCmPerMin  = 0.05
	DefaultEmergencyStopLevelCm = 15.0

	// Volume accounting: one cm of standing water on one hectare.
	litersPerCmPerHa = 100_000.0

	historySize   = 10
	maxTickErrors = 3
)

// Config parametrizes one irrigation run.
type Config struct {
	FieldID                string  `json:"field_id"`
	TargetLevelCm          float64 `json:"target_level_cm"`
	ToleranceCm            float64 `json:"tolerance_cm"`
	MaxDurationMin         int     `json:"max_duration_min"`
	SensorCheckIntervalSec int     `json:"sensor_check_interval_sec"`
	MinFlowRateCmPerMin    float64 `json:"min_flow_rate_cm_per_min"`
	EmergencyStopLevelCm   float64 `json:"emergency_stop_level_cm"`
	TargetFlowRateM3s      float64 `json:"target_flow_rate_m3s,omitempty"`
	FieldAreaHa            float64 `json:"field_area_ha,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.ToleranceCm <= 0 {
		c.ToleranceCm = DefaultToleranceCm
	}
	if c.SensorCheckIntervalSec <= 0 {
		c.SensorCheckIntervalSec = DefaultCheckIntervalSec
	}
	if c.MaxDurationMin <= 0 {
		c.MaxDurationMin = DefaultMaxDurationMin
	}
	if c.MinFlowRateCmPerMin <= 0 {
		c.MinFlowRateCmPerMin = DefaultMinFlowRateCmPerMin
	}
	if c.EmergencyStopLevelCm <= 0 {
		c.EmergencyStopLevelCm = DefaultEmergencyStopLevelCm
	}
	if c.FieldAreaHa <= 0 {
		c.FieldAreaHa = 1.0
	}
	return c
}

// GateController drives the canal gate for a field.
type GateController interface {
	Open(ctx context.Context, fieldID string) (string, error)
	OpenForFlow(ctx context.Context, fieldID string, targetFlowRateM3s float64) (string, error)
	Close(ctx context.Context, fieldID string) (string, error)
}

// LevelSource supplies the current water level for a field.
type LevelSource interface {
	CurrentWaterLevel(ctx context.Context, fieldID string) (*store.WaterLevelReading, error)
}

// CompletionListener is notified when a run finishes successfully.
type CompletionListener interface {
	IrrigationCompleted(ctx context.Context, rec *store.PerformanceRecord)
}

// StatusCache mirrors live run state for external observers.
type StatusCache interface {
	SetIrrigationStatus(ctx context.Context, st *store.IrrigationStatus) error
	GetIrrigationStatus(ctx context.Context, scheduleID string) (*store.IrrigationStatus, error)
	SetActiveScheduleID(ctx context.Context, fieldID, scheduleID string) error
	ClearActiveScheduleID(ctx context.Context, fieldID string) error
}

// run is the per-irrigation state machine. Its mutable fields are
// owned by the monitor goroutine and guarded by mu for the external
// stop path.
type run struct {
	scheduleID string
	fieldID    string
	cfg        Config
	cancel     context.CancelFunc

	mu           sync.Mutex
	finished     bool
	startTime    time.Time
	initialLevel float64
	prevLevel    float64
	prevTime     time.Time
	history      []store.MonitoringSample
	noRiseCount  int
	anomalies    int
	tickErrors   int
}

func (ru *run) isFinished() bool {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.finished
}

// beginFinish flips the run into its terminal state exactly once and
// returns the last observed level. The second caller gets ok=false.
func (ru *run) beginFinish() (finalLevel float64, ok bool) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.finished {
		return 0, false
	}
	ru.finished = true
	return ru.prevLevel, true
}

// Runner owns the per-irrigation monitoring loops. One logical
// executor services each schedule: samples, anomaly decisions, state
// transitions, and gate commands for a run are strictly serialized.
// Runs on different fields proceed concurrently.
type Runner struct {
	db       store.Store
	cache    StatusCache
	gates    GateController
	levels   LevelSource
	pub      events.Publisher
	listener CompletionListener
	registry *Registry
	clock    clock.Clock
	log      *zap.Logger

	closeTimeout time.Duration
}

func NewRunner(db store.Store, cache StatusCache, gates GateController, levels LevelSource, pub events.Publisher, listener CompletionListener, registry *Registry, clk clock.Clock, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		db:           db,
		cache:        cache,
		gates:        gates,
		levels:       levels,
		pub:          pub,
		listener:     listener,
		registry:     registry,
		clock:        clk,
		log:          log,
		closeTimeout: 30 * time.Second,
	}
}

// Start begins a sensor-driven irrigation for a field.
func (r *Runner) Start(ctx context.Context, cfg Config) (string, error) {
	cfg = cfg.withDefaults()

	reading, err := r.levels.CurrentWaterLevel(ctx, cfg.FieldID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoInitialLevel, err)
	}
	if reading == nil {
		return "", ErrNoInitialLevel
	}
	if cfg.TargetLevelCm <= reading.WaterLevelCm {
		return "", fmt.Errorf("%w: current %.1f cm, target %.1f cm", ErrTargetNotAbove, reading.WaterLevelCm, cfg.TargetLevelCm)
	}

	now := r.clock.Now()
	ru := &run{
		scheduleID:   uuid.NewString(),
		fieldID:      cfg.FieldID,
		cfg:          cfg,
		startTime:    now,
		initialLevel: reading.WaterLevelCm,
		prevLevel:    reading.WaterLevelCm,
		prevTime:     now,
	}

	if !r.registry.claim(cfg.FieldID, ru) {
		return "", ErrAlreadyActive
	}

	sched := &store.IrrigationSchedule{
		ID:             ru.scheduleID,
		FieldID:        cfg.FieldID,
		ScheduledStart: now,
		InitialLevelCm: reading.WaterLevelCm,
		TargetLevelCm:  cfg.TargetLevelCm,
		Status:         store.ScheduleActive,
	}
	if err := r.db.CreateSchedule(ctx, sched); err != nil {
		r.registry.release(cfg.FieldID, ru)
		return "", fmt.Errorf("persist schedule: %w", err)
	}

	if cfg.TargetFlowRateM3s > 0 {
		_, err = r.gates.OpenForFlow(ctx, cfg.FieldID, cfg.TargetFlowRateM3s)
	} else {
		_, err = r.gates.Open(ctx, cfg.FieldID)
	}
	if err != nil {
		r.registry.release(cfg.FieldID, ru)
		if dbErr := r.db.CloseSchedule(ctx, ru.scheduleID, store.ScheduleFailed, r.clock.Now(), reading.WaterLevelCm); dbErr != nil {
			r.log.Error("failed to mark schedule failed after gate error",
				zap.String("schedule_id", ru.scheduleID), zap.Error(dbErr))
		}
		return "", fmt.Errorf("open gate for %s: %w", cfg.FieldID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ru.cancel = cancel

	r.cacheStatus(ctx, ru, store.ScheduleActive, reading.WaterLevelCm, 0, nil)
	if r.cache != nil {
		if err := r.cache.SetActiveScheduleID(ctx, cfg.FieldID, ru.scheduleID); err != nil {
			r.log.Warn("active schedule cache write failed", zap.String("field_id", cfg.FieldID), zap.Error(err))
		}
	}

	observability.ActiveIrrigations.Inc()
	go r.monitor(runCtx, ru)

	events.Emit(r.pub, r.log, events.TopicIrrigationEvents, map[string]interface{}{
		"type":             "irrigation_started",
		"schedule_id":      ru.scheduleID,
		"field_id":         cfg.FieldID,
		"initial_level_cm": reading.WaterLevelCm,
		"target_level_cm":  cfg.TargetLevelCm,
		"started_at":       now,
	})

	r.log.Info("irrigation started",
		zap.String("schedule_id", ru.scheduleID),
		zap.String("field_id", cfg.FieldID),
		zap.Float64("initial_level_cm", reading.WaterLevelCm),
		zap.Float64("target_level_cm", cfg.TargetLevelCm))
	return ru.scheduleID, nil
}

// monitor drives the periodic sampling loop for one run. Ticks execute
// inline; a tick that overruns its interval causes later ticks to be
// dropped, never queued.
func (r *Runner) monitor(ctx context.Context, ru *run) {
	interval := time.Duration(ru.cfg.SensorCheckIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeTick(ctx, ru)
		}
	}
}

func (r *Runner) safeTick(ctx context.Context, ru *run) {
	start := time.Now()
	defer func() {
		observability.MonitorTickDuration.Observe(time.Since(start).Seconds())
		if rec := recover(); rec != nil {
			r.log.Error("monitoring tick panicked",
				zap.String("schedule_id", ru.scheduleID), zap.Any("panic", rec))
			r.noteTickError(ctx, ru)
		}
	}()

	if err := r.monitorTick(ctx, ru); err != nil {
		r.log.Warn("monitoring tick failed",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
		r.noteTickError(ctx, ru)
		return
	}

	ru.mu.Lock()
	ru.tickErrors = 0
	ru.mu.Unlock()
}

func (r *Runner) noteTickError(ctx context.Context, ru *run) {
	observability.MonitorTickErrors.Inc()
	ru.mu.Lock()
	ru.tickErrors++
	errs := ru.tickErrors
	ru.mu.Unlock()
	if errs >= maxTickErrors {
		r.stopRun(ctx, ru, ReasonMonitoringError)
	}
}

// monitorTick takes one sample, records it, runs anomaly detection,
// and advances the run state machine.
func (r *Runner) monitorTick(ctx context.Context, ru *run) error {
	if ru.isFinished() {
		return nil
	}

	reading, err := r.sampleWithRetry(ctx, ru.fieldID)
	if err != nil || reading == nil {
		desc := "water level sample unavailable"
		if err != nil {
			desc = fmt.Sprintf("water level sample unavailable: %v", err)
		}
		r.recordAnomaly(ctx, ru, anomaly.SensorFailure(desc))
		r.stopRun(ctx, ru, ReasonAnomalyCritical)
		return nil
	}

	now := r.clock.Now()
	level := reading.WaterLevelCm

	ru.mu.Lock()
	prevLevel := ru.prevLevel
	prevTime := ru.prevTime
	ru.mu.Unlock()

	elapsedMin := now.Sub(prevTime).Minutes()
	flow := 0.0
	if elapsedMin > 0 {
		flow = (level - prevLevel) / elapsedMin
	}

	sample := store.MonitoringSample{
		ScheduleID:       ru.scheduleID,
		FieldID:          ru.fieldID,
		Time:             now,
		WaterLevelCm:     level,
		FlowRateCmPerMin: flow,
		SensorID:         reading.SensorID,
	}
	if err := r.db.InsertSample(ctx, &sample); err != nil {
		return fmt.Errorf("record sample: %w", err)
	}

	prevSample := store.MonitoringSample{
		ScheduleID:   ru.scheduleID,
		FieldID:      ru.fieldID,
		Time:         prevTime,
		WaterLevelCm: prevLevel,
	}

	ru.mu.Lock()
	ru.history = append(ru.history, sample)
	if len(ru.history) > historySize {
		ru.history = ru.history[len(ru.history)-historySize:]
	}
	if flow < ru.cfg.MinFlowRateCmPerMin {
		ru.noRiseCount++
	} else {
		ru.noRiseCount = 0
	}
	noRise := ru.noRiseCount
	history := make([]store.MonitoringSample, len(ru.history))
	copy(history, ru.history)
	ru.mu.Unlock()

	th := anomaly.DefaultThresholds()
	th.MinFlowRateCmPerMin = ru.cfg.MinFlowRateCmPerMin

	anomalies := anomaly.Detect(sample, prevSample, history, noRise, ru.cfg.TargetLevelCm, th)
	for _, an := range anomalies {
		r.recordAnomaly(ctx, ru, an)
		if an.Critical() {
			r.stopRun(ctx, ru, ReasonAnomalyCritical)
			return nil
		}
		if an.Type == anomaly.TypeLowFlow {
			r.adjustFlow(ctx, ru)
		}
	}

	// Hard cap independent of the relative overflow margin.
	if level > ru.cfg.EmergencyStopLevelCm && level > ru.cfg.TargetLevelCm {
		r.recordAnomaly(ctx, ru, anomaly.Anomaly{
			Type:        anomaly.TypeOverflowRisk,
			Severity:    anomaly.SeverityCritical,
			Description: fmt.Sprintf("Water level %.1f cm exceeds emergency stop level %.1f cm", level, ru.cfg.EmergencyStopLevelCm),
			Metrics:     map[string]float64{"current_cm": level, "emergency_stop_cm": ru.cfg.EmergencyStopLevelCm},
		})
		r.stopRun(ctx, ru, ReasonAnomalyCritical)
		return nil
	}

	// Completion boundary is inclusive on both sides: the run is done
	// once the level is within tolerance of the target. Overshoot past
	// the band keeps the monitor running until the overflow guard
	// fires. GIS-sourced estimates never complete a run.
	if level >= ru.cfg.TargetLevelCm-ru.cfg.ToleranceCm &&
		level <= ru.cfg.TargetLevelCm+ru.cfg.ToleranceCm &&
		reading.Source != "gis" {
		r.complete(ctx, ru, level, now)
		return nil
	}

	var eta *time.Time
	if flow > 0 {
		minutes := (ru.cfg.TargetLevelCm - level) / flow
		t := now.Add(time.Duration(minutes * float64(time.Minute)))
		eta = &t
	}
	r.cacheStatus(ctx, ru, store.ScheduleActive, level, flow, eta)

	ru.mu.Lock()
	ru.prevLevel = level
	ru.prevTime = now
	ru.mu.Unlock()

	if now.Sub(ru.startTime).Minutes() > float64(ru.cfg.MaxDurationMin) {
		r.stopRun(ctx, ru, ReasonTimeout)
	}
	return nil
}

// sampleWithRetry reads the water level, retrying once before giving up.
func (r *Runner) sampleWithRetry(ctx context.Context, fieldID string) (*store.WaterLevelReading, error) {
	reading, err := r.levels.CurrentWaterLevel(ctx, fieldID)
	if err == nil && reading != nil {
		return reading, nil
	}
	return r.levels.CurrentWaterLevel(ctx, fieldID)
}

func (r *Runner) recordAnomaly(ctx context.Context, ru *run, an anomaly.Anomaly) {
	observability.AnomaliesDetected.WithLabelValues(an.Type, an.Severity).Inc()

	ru.mu.Lock()
	ru.anomalies++
	ru.mu.Unlock()

	rec := &store.AnomalyRecord{
		ScheduleID:  ru.scheduleID,
		FieldID:     ru.fieldID,
		DetectedAt:  r.clock.Now(),
		Type:        an.Type,
		Severity:    an.Severity,
		Description: an.Description,
		Metrics:     an.Metrics,
	}
	if err := r.db.InsertAnomaly(ctx, rec); err != nil {
		r.log.Warn("failed to persist anomaly",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
	}

	events.Emit(r.pub, r.log, events.TopicIrrigationEvents, map[string]interface{}{
		"type":        "irrigation_anomaly",
		"schedule_id": ru.scheduleID,
		"field_id":    ru.fieldID,
		"anomaly":     an,
	})

	r.log.Warn("irrigation anomaly detected",
		zap.String("schedule_id", ru.scheduleID),
		zap.String("field_id", ru.fieldID),
		zap.String("anomaly_type", an.Type),
		zap.String("severity", an.Severity),
		zap.String("description", an.Description))
}

// adjustFlow nudges the gate toward more flow after a low_flow warning.
// Advisory: failures are logged, never escalated.
func (r *Runner) adjustFlow(ctx context.Context, ru *run) {
	if ru.cfg.TargetFlowRateM3s <= 0 {
		return
	}
	if _, err := r.gates.OpenForFlow(ctx, ru.fieldID, ru.cfg.TargetFlowRateM3s*1.25); err != nil {
		r.log.Warn("flow adjustment failed",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
	}
}

func (r *Runner) cacheStatus(ctx context.Context, ru *run, status string, level, flow float64, eta *time.Time) {
	if r.cache == nil {
		return
	}
	ru.mu.Lock()
	anomalies := ru.anomalies
	ru.mu.Unlock()

	st := &store.IrrigationStatus{
		ScheduleID:          ru.scheduleID,
		FieldID:             ru.fieldID,
		Status:              status,
		StartTime:           ru.startTime,
		InitialLevelCm:      ru.initialLevel,
		TargetLevelCm:       ru.cfg.TargetLevelCm,
		CurrentLevelCm:      level,
		FlowRateCmPerMin:    flow,
		EstimatedCompletion: eta,
		AnomaliesDetected:   anomalies,
		UpdatedAt:           r.clock.Now(),
	}
	if err := r.cache.SetIrrigationStatus(ctx, st); err != nil {
		r.log.Warn("status cache write failed",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
	}
}

// complete finishes a run that reached its target. Teardown runs on a
// fresh bounded context: the run context is already cancelled.
func (r *Runner) complete(_ context.Context, ru *run, finalLevel float64, now time.Time) {
	if _, ok := ru.beginFinish(); !ok {
		return
	}
	if ru.cancel != nil {
		ru.cancel()
	}
	r.registry.release(ru.fieldID, ru)
	observability.ActiveIrrigations.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
	defer cancel()

	status := store.ScheduleCompleted
	if _, err := r.gates.Close(ctx, ru.fieldID); err != nil {
		status = store.ScheduleFailed
		r.log.Error("gate close failed at completion",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
		events.Emit(r.pub, r.log, events.TopicAlerts, map[string]interface{}{
			"type":        "gate_close_unacknowledged",
			"priority":    "critical",
			"schedule_id": ru.scheduleID,
			"field_id":    ru.fieldID,
		})
	}

	durationMin := now.Sub(ru.startTime).Minutes()
	if durationMin <= 0 {
		durationMin = 1
	}
	rise := finalLevel - ru.initialLevel
	volume := rise * litersPerCmPerHa * ru.cfg.FieldAreaHa
	avgFlow := rise / durationMin

	if status == store.ScheduleFailed {
		if err := r.db.CloseSchedule(ctx, ru.scheduleID, status, now, finalLevel); err != nil {
			r.log.Error("failed to close schedule", zap.String("schedule_id", ru.scheduleID), zap.Error(err))
		}
	} else {
		if err := r.db.CompleteSchedule(ctx, ru.scheduleID, now, finalLevel, volume, avgFlow); err != nil {
			r.log.Error("failed to complete schedule", zap.String("schedule_id", ru.scheduleID), zap.Error(err))
		}

		// Performance insertion follows the completed update.
		rec := &store.PerformanceRecord{
			FieldID:             ru.fieldID,
			ScheduleID:          ru.scheduleID,
			StartTime:           ru.startTime,
			EndTime:             now,
			InitialLevelCm:      ru.initialLevel,
			TargetLevelCm:       ru.cfg.TargetLevelCm,
			AchievedLevelCm:     finalLevel,
			TotalDurationMin:    durationMin,
			WaterVolumeLiters:   volume,
			AvgFlowRateCmPerMin: avgFlow,
			EfficiencyScore:     learning.EfficiencyScore(finalLevel, ru.cfg.TargetLevelCm, durationMin),
		}
		if err := r.db.InsertPerformance(ctx, rec); err != nil {
			r.log.Error("failed to record performance", zap.String("schedule_id", ru.scheduleID), zap.Error(err))
		} else if r.listener != nil {
			r.listener.IrrigationCompleted(ctx, rec)
		}
	}

	r.cacheStatus(ctx, ru, status, finalLevel, 0, nil)
	if r.cache != nil {
		if err := r.cache.ClearActiveScheduleID(ctx, ru.fieldID); err != nil {
			r.log.Warn("active schedule cache clear failed", zap.String("field_id", ru.fieldID), zap.Error(err))
		}
	}

	observability.IrrigationsTotal.WithLabelValues(status).Inc()
	events.Emit(r.pub, r.log, events.TopicIrrigationEvents, map[string]interface{}{
		"type":           "irrigation_stopped",
		"reason":         "target_reached",
		"schedule_id":    ru.scheduleID,
		"field_id":       ru.fieldID,
		"final_level_cm": finalLevel,
		"status":         status,
	})

	r.log.Info("irrigation completed",
		zap.String("schedule_id", ru.scheduleID),
		zap.String("field_id", ru.fieldID),
		zap.Float64("final_level_cm", finalLevel),
		zap.Float64("duration_min", durationMin))
}

// stopRun terminates a run before its target is reached. Idempotent:
// the second and later calls are no-ops. Teardown runs on a fresh
// bounded context: the run context is already cancelled.
func (r *Runner) stopRun(_ context.Context, ru *run, reason string) {
	finalLevel, ok := ru.beginFinish()
	if !ok {
		return
	}
	if ru.cancel != nil {
		ru.cancel()
	}
	r.registry.release(ru.fieldID, ru)
	observability.ActiveIrrigations.Dec()

	status := store.ScheduleCancelled
	if reason == ReasonAnomalyCritical {
		status = store.ScheduleFailed
	}

	// Gate close blocks until acknowledged or its timeout elapses. An
	// unacknowledged close still fails the schedule and raises a
	// critical alert.
	ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
	defer cancel()
	if _, err := r.gates.Close(ctx, ru.fieldID); err != nil {
		status = store.ScheduleFailed
		r.log.Error("gate close unacknowledged during stop",
			zap.String("schedule_id", ru.scheduleID),
			zap.String("reason", reason),
			zap.Error(err))
		events.Emit(r.pub, r.log, events.TopicAlerts, map[string]interface{}{
			"type":        "gate_close_unacknowledged",
			"priority":    "critical",
			"schedule_id": ru.scheduleID,
			"field_id":    ru.fieldID,
			"reason":      reason,
		})
	}

	now := r.clock.Now()
	if err := r.db.CloseSchedule(ctx, ru.scheduleID, status, now, finalLevel); err != nil {
		r.log.Error("failed to close schedule",
			zap.String("schedule_id", ru.scheduleID), zap.Error(err))
	}

	r.cacheStatus(ctx, ru, status, finalLevel, 0, nil)
	if r.cache != nil {
		if err := r.cache.ClearActiveScheduleID(ctx, ru.fieldID); err != nil {
			r.log.Warn("active schedule cache clear failed", zap.String("field_id", ru.fieldID), zap.Error(err))
		}
	}

	observability.IrrigationsTotal.WithLabelValues(status).Inc()
	events.Emit(r.pub, r.log, events.TopicIrrigationEvents, map[string]interface{}{
		"type":           "irrigation_stopped",
		"reason":         reason,
		"schedule_id":    ru.scheduleID,
		"field_id":       ru.fieldID,
		"final_level_cm": finalLevel,
		"status":         status,
	})

	r.log.Info("irrigation stopped",
		zap.String("schedule_id", ru.scheduleID),
		zap.String("field_id", ru.fieldID),
		zap.String("reason", reason),
		zap.String("status", status))
}

// Stop terminates the active run on a field.
func (r *Runner) Stop(ctx context.Context, fieldID, reason string) (string, error) {
	ru := r.registry.get(fieldID)
	if ru == nil {
		return "", ErrNotActive
	}
	r.stopRun(ctx, ru, reason)
	return ru.scheduleID, nil
}

// StopAll stops every active run. Used by graceful shutdown.
func (r *Runner) StopAll(ctx context.Context, reason string) {
	for _, ru := range r.registry.Snapshot() {
		r.stopRun(ctx, ru, reason)
	}
}

// ActiveScheduleID reports the schedule currently running on a field.
func (r *Runner) ActiveScheduleID(fieldID string) (string, bool) {
	return r.registry.ActiveScheduleID(fieldID)
}

// Status returns the live cached status of a field's active run. With no
// run in the registry it falls back to the field's schedule still marked
// active in the durable store; a finished run's status is not returned.
func (r *Runner) Status(ctx context.Context, fieldID string) (*store.IrrigationStatus, error) {
	scheduleID, ok := r.registry.ActiveScheduleID(fieldID)
	if !ok {
		sched, err := r.db.ActiveScheduleForField(ctx, fieldID)
		if err != nil || sched == nil {
			return nil, err
		}
		scheduleID = sched.ID
	}
	if r.cache == nil {
		return nil, nil
	}
	return r.cache.GetIrrigationStatus(ctx, scheduleID)
}
