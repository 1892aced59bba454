package decision

import (
	"time"

	"github.com/munbon/awd-control/controller/learning"
)

// Action is the tagged outcome of a control decision.
type Action interface {
	Name() string
}

// StartIrrigation opens the field's gate toward a target depth.
type StartIrrigation struct {
	TargetLevelCm        float64              `json:"target_level_cm"`
	Reason               string               `json:"reason"`
	EstimatedDurationMin float64              `json:"estimated_duration_min,omitempty"`
	RecommendedStart     *time.Time           `json:"recommended_start,omitempty"`
	Prediction           *learning.Prediction `json:"prediction,omitempty"`
}

func (StartIrrigation) Name() string { return "start_irrigation" }

// StopIrrigation closes the gate (or keeps it closed).
type StopIrrigation struct {
	Reason string `json:"reason"`
}

func (StopIrrigation) Name() string { return "stop_irrigation" }

// Maintain leaves the field as it is.
type Maintain struct {
	Reason   string                 `json:"reason"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (Maintain) Name() string { return "maintain" }

// Notification priorities.
const (
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Notification is an operator-facing message attached to a decision.
type Notification struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// Decision is the full outcome for one field evaluation.
type Decision struct {
	FieldID       string         `json:"field_id"`
	Action        Action         `json:"action"`
	Notifications []Notification `json:"notifications,omitempty"`
	DecidedAt     time.Time      `json:"decided_at"`
}
