package store

import (
	"time"
)

// PlantingMethod selects which built-in AWD calendar a field follows.
type PlantingMethod string

const (
	MethodTransplanted PlantingMethod = "transplanted"
	MethodDirectSeeded PlantingMethod = "direct-seeded"
)

// Phase is a stage in the AWD calendar.
type Phase string

const (
	PhasePreparation Phase = "preparation"
	PhaseWetting     Phase = "wetting"
	PhaseDrying      Phase = "drying"
	PhaseHarvest     Phase = "harvest"
)

// Schedule statuses.
const (
	ScheduleActive    = "active"
	ScheduleCompleted = "completed"
	ScheduleFailed    = "failed"
	ScheduleCancelled = "cancelled"
)

// Gate command statuses.
const (
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

// GateClosed is the gate level meaning fully closed.
const GateClosed = 1

// FieldConfig is the per-field AWD control configuration.
type FieldConfig struct {
	FieldID            string         `json:"field_id" db:"field_id"`
	PlantingMethod     PlantingMethod `json:"planting_method" db:"planting_method"`
	StartDate          time.Time      `json:"start_date" db:"start_date"`
	CurrentWeek        int            `json:"current_week" db:"current_week"`
	CurrentPhase       Phase          `json:"current_phase" db:"current_phase"`
	NextPhaseDate      time.Time      `json:"next_phase_date" db:"next_phase_date"`
	Active             bool           `json:"active" db:"active"`
	HasRainfallData    bool           `json:"has_rainfall_data" db:"has_rainfall_data"`
	TargetWaterLevelCm float64        `json:"target_water_level_cm" db:"target_water_level"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// WaterLevelReading is the most recent depth observation for a field.
// Negative WaterLevelCm means the water table is below the soil surface.
type WaterLevelReading struct {
	Time         time.Time `json:"time" db:"time"`
	SensorID     string    `json:"sensor_id" db:"sensor_id"`
	FieldID      string    `json:"field_id" db:"field_id"`
	WaterLevelCm float64   `json:"water_level_cm" db:"water_level_cm"`
	Source       string    `json:"source" db:"source"` // "sensor" or "gis"
}

// MoistureReading is a soil moisture observation. Not every field has one.
type MoistureReading struct {
	Time            time.Time `json:"time" db:"time"`
	SensorID        string    `json:"sensor_id" db:"sensor_id"`
	FieldID         string    `json:"field_id" db:"field_id"`
	MoisturePercent float64   `json:"moisture_percent" db:"moisture_percent"`
	DepthCm         float64   `json:"depth_cm" db:"depth_cm"`
}

// RainfallForecast is a single forecast slot from the weather provider.
type RainfallForecast struct {
	Date     time.Time `json:"date"`
	AmountMm float64   `json:"amount_mm"`
}

// RainfallData carries observed or forecast rainfall for a field.
type RainfallData struct {
	FieldID  string             `json:"field_id"`
	AmountMm float64            `json:"amount_mm"`
	Time     time.Time          `json:"time"`
	Forecast []RainfallForecast `json:"forecast,omitempty"`
}

// Weather is the current ambient condition snapshot for a field.
type Weather struct {
	FieldID         string    `json:"field_id"`
	TemperatureC    float64   `json:"temperature_c"`
	HumidityPercent float64   `json:"humidity_percent"`
	Time            time.Time `json:"time"`
}

// IrrigationSchedule is the durable record of one irrigation run.
type IrrigationSchedule struct {
	ID                  string     `json:"id" db:"id"`
	FieldID             string     `json:"field_id" db:"field_id"`
	ScheduledStart      time.Time  `json:"scheduled_start" db:"scheduled_start"`
	ActualEnd           *time.Time `json:"actual_end,omitempty" db:"actual_end"`
	InitialLevelCm      float64    `json:"initial_level_cm" db:"initial_level_cm"`
	TargetLevelCm       float64    `json:"target_level_cm" db:"target_level_cm"`
	FinalLevelCm        *float64   `json:"final_level_cm,omitempty" db:"final_level_cm"`
	WaterVolumeLiters   *float64   `json:"water_volume_liters,omitempty" db:"water_volume_liters"`
	AvgFlowRateCmPerMin *float64   `json:"avg_flow_rate_cm_per_min,omitempty" db:"avg_flow_rate_cm_per_min"`
	Status              string     `json:"status" db:"status"`
}

// IrrigationStatus is the live, cached view of an active run.
type IrrigationStatus struct {
	ScheduleID          string     `json:"schedule_id"`
	FieldID             string     `json:"field_id"`
	Status              string     `json:"status"`
	StartTime           time.Time  `json:"start_time"`
	InitialLevelCm      float64    `json:"initial_level_cm"`
	TargetLevelCm       float64    `json:"target_level_cm"`
	CurrentLevelCm      float64    `json:"current_level_cm"`
	FlowRateCmPerMin    float64    `json:"flow_rate_cm_per_min"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	AnomaliesDetected   int        `json:"anomalies_detected"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// MonitoringSample is one observation taken by the irrigation monitor.
type MonitoringSample struct {
	ScheduleID       string    `json:"schedule_id" db:"schedule_id"`
	FieldID          string    `json:"field_id" db:"field_id"`
	Time             time.Time `json:"time" db:"time"`
	WaterLevelCm     float64   `json:"water_level_cm" db:"water_level_cm"`
	FlowRateCmPerMin float64   `json:"flow_rate_cm_per_min" db:"flow_rate_cm_per_min"`
	SensorID         string    `json:"sensor_id" db:"sensor_id"`
}

// AnomalyRecord is a persisted anomaly raised during a run.
type AnomalyRecord struct {
	ScheduleID  string             `json:"schedule_id" db:"schedule_id"`
	FieldID     string             `json:"field_id" db:"field_id"`
	DetectedAt  time.Time          `json:"detected_at" db:"detected_at"`
	Type        string             `json:"type" db:"type"`
	Severity    string             `json:"severity" db:"severity"`
	Description string             `json:"description" db:"description"`
	Metrics     map[string]float64 `json:"metrics" db:"metrics"` // JSONB in Postgres
}

// PerformanceRecord summarizes a completed irrigation for the learner.
type PerformanceRecord struct {
	FieldID             string    `json:"field_id" db:"field_id"`
	ScheduleID          string    `json:"schedule_id" db:"schedule_id"`
	StartTime           time.Time `json:"start_time" db:"start_time"`
	EndTime             time.Time `json:"end_time" db:"end_time"`
	InitialLevelCm      float64   `json:"initial_level_cm" db:"initial_level_cm"`
	TargetLevelCm       float64   `json:"target_level_cm" db:"target_level_cm"`
	AchievedLevelCm     float64   `json:"achieved_level_cm" db:"achieved_level_cm"`
	TotalDurationMin    float64   `json:"total_duration_min" db:"total_duration_min"`
	WaterVolumeLiters   float64   `json:"water_volume_liters" db:"water_volume_liters"`
	AvgFlowRateCmPerMin float64   `json:"avg_flow_rate_cm_per_min" db:"avg_flow_rate_cm_per_min"`
	EfficiencyScore     float64   `json:"efficiency_score" db:"efficiency_score"`
}

// GateCommand is a local log entry for a command sent to the canal actuator.
// Idempotency key is (StationCode, StartTime).
type GateCommand struct {
	CommandID         string     `json:"command_id" db:"scada_command_id"`
	FieldID           string     `json:"field_id" db:"field_id"`
	StationCode       string     `json:"station_code" db:"gate_name"`
	GateLevel         int        `json:"gate_level" db:"gate_level"` // 1 (closed) .. 4
	StartTime         time.Time  `json:"start_time" db:"command_time"`
	TargetFlowRateM3s *float64   `json:"target_flow_rate_m3s,omitempty" db:"target_flow_rate"`
	Status            string     `json:"status" db:"status"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
