package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControlDecisions counts decisions made by the decision engine.
	ControlDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_control_decisions_total",
		Help: "Total control decisions made, by resulting action",
	}, []string{"action"})

	// ActiveIrrigations tracks the number of runs currently monitored.
	ActiveIrrigations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "awd_active_irrigations",
		Help: "Number of irrigation runs currently active",
	})

	// IrrigationsTotal counts finished runs by terminal status.
	IrrigationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_irrigations_total",
		Help: "Total finished irrigation runs by terminal status",
	}, []string{"status"})

	// MonitorTickDuration tracks how long one monitoring tick takes.
	MonitorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "awd_monitor_tick_duration_seconds",
		Help:    "Duration of one irrigation monitoring tick",
		Buckets: prometheus.DefBuckets,
	})

	// MonitorTickErrors counts ticks that failed internally.
	MonitorTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awd_monitor_tick_errors_total",
		Help: "Monitoring ticks that raised an internal error",
	})

	// AnomaliesDetected counts anomalies raised during monitoring.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_anomalies_detected_total",
		Help: "Anomalies detected during irrigation monitoring",
	}, []string{"type", "severity"})

	// GateCommands counts commands sent to the canal actuator.
	GateCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_gate_commands_total",
		Help: "Gate commands sent to the actuator, by level and outcome",
	}, []string{"gate_level", "status"})

	// EventPublishFailures counts failed event publish attempts.
	// Publishing is best-effort; failures never abort control flow.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_event_publish_failures_total",
		Help: "Failed domain event publish attempts (non-blocking)",
	}, []string{"topic"})

	// RedisLatency tracks cache operation latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "awd_redis_latency_seconds",
		Help:    "Latency of Redis cache operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// SensorReadFailures counts failed sensor gateway reads.
	SensorReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awd_sensor_read_failures_total",
		Help: "Failed reads from the sensor/weather gateway",
	}, []string{"kind"})

	// HydraulicFallbacks counts gate-level computations that used the
	// static fallback table instead of the hydraulic service.
	HydraulicFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awd_hydraulic_fallbacks_total",
		Help: "Gate-level requests served by the static fallback mapping",
	})
)
