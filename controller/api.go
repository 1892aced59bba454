package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/decision"
	"github.com/munbon/awd-control/controller/fieldconfig"
	"github.com/munbon/awd-control/controller/irrigation"
	"github.com/munbon/awd-control/controller/learning"
	"github.com/munbon/awd-control/controller/store"
)

// API is the thin HTTP surface over the control core.
type API struct {
	configs *fieldconfig.Store
	engine  *decision.Engine
	runner  *irrigation.Runner
	learner *learning.Learner
	hub     *EventHub
	log     *zap.Logger
}

func NewAPI(configs *fieldconfig.Store, engine *decision.Engine, runner *irrigation.Runner, learner *learning.Learner, hub *EventHub, log *zap.Logger) *API {
	return &API{
		configs: configs,
		engine:  engine,
		runner:  runner,
		learner: learner,
		hub:     hub,
		log:     log,
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws/events", a.hub)

	r.Route("/api/v1/fields/{fieldID}", func(r chi.Router) {
		r.Post("/initialize", a.handleInitialize)
		r.Get("/decision", a.handleDecision)
		r.Post("/irrigation", a.handleExecute)
		r.Get("/irrigation/status", a.handleStatus)
		r.Delete("/irrigation", a.handleStop)
		r.Get("/recommendations", a.handleRecommendations)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) handleInitialize(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")

	var body struct {
		PlantingMethod store.PlantingMethod `json:"planting_method"`
		StartDate      time.Time            `json:"start_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := a.configs.Initialize(r.Context(), fieldID, body.PlantingMethod, body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")

	d, err := a.engine.Decide(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse(d))
}

// handleExecute makes a decision and, when it starts an irrigation,
// launches the run with the learner's recommended parameters.
func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")

	d, err := a.engine.Decide(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	start, ok := d.Action.(decision.StartIrrigation)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  false,
			"method":   "decision",
			"decision": decisionResponse(d),
		})
		return
	}

	params, err := a.learner.OptimalParameters(r.Context(), fieldID)
	if err != nil {
		a.log.Warn("optimal parameters unavailable, using defaults",
			zap.String("field_id", fieldID), zap.Error(err))
		params = learning.DefaultParameters()
	}

	scheduleID, err := a.runner.Start(r.Context(), irrigation.Config{
		FieldID:                fieldID,
		TargetLevelCm:          start.TargetLevelCm,
		ToleranceCm:            params.ToleranceCm,
		MaxDurationMin:         params.MaxDurationMin,
		SensorCheckIntervalSec: params.SensorCheckIntervalSec,
		MinFlowRateCmPerMin:    params.MinFlowRateThreshold,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, irrigation.ErrAlreadyActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":     true,
		"schedule_id": scheduleID,
		"method":      "sensor_driven",
		"decision":    decisionResponse(d),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")

	st, err := a.runner.Status(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	_, active := a.runner.ActiveScheduleID(fieldID)
	resp := map[string]interface{}{
		"field_id": fieldID,
		"active":   active,
	}
	if st != nil {
		resp["status"] = st
	}
	if patterns, err := a.learner.Patterns(r.Context(), fieldID); err == nil && len(patterns) > 0 {
		resp["recommendation"] = patterns
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "external_request"
	}

	scheduleID, err := a.runner.Stop(r.Context(), fieldID, reason)
	if err != nil {
		if errors.Is(err, irrigation.ErrNotActive) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"schedule_id": scheduleID,
	})
}

func (a *API) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	fieldID := chi.URLParam(r, "fieldID")

	params, err := a.learner.OptimalParameters(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	patterns, err := a.learner.Patterns(r.Context(), fieldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"field_id":   fieldID,
		"parameters": params,
		"patterns":   patterns,
	})
}

// decisionResponse flattens the action variant for JSON consumers.
func decisionResponse(d *decision.Decision) map[string]interface{} {
	resp := map[string]interface{}{
		"field_id":   d.FieldID,
		"action":     d.Action.Name(),
		"decided_at": d.DecidedAt,
	}
	if len(d.Notifications) > 0 {
		resp["notifications"] = d.Notifications
	}

	switch act := d.Action.(type) {
	case decision.StartIrrigation:
		resp["reason"] = act.Reason
		resp["target_level_cm"] = act.TargetLevelCm
		if act.EstimatedDurationMin > 0 {
			resp["estimated_duration_min"] = act.EstimatedDurationMin
		}
		if act.Prediction != nil {
			resp["prediction"] = act.Prediction
		}
		if act.RecommendedStart != nil {
			resp["recommended_start"] = act.RecommendedStart
		}
	case decision.StopIrrigation:
		resp["reason"] = act.Reason
	case decision.Maintain:
		resp["reason"] = act.Reason
		if act.Metadata != nil {
			resp["metadata"] = act.Metadata
		}
	}
	return resp
}
