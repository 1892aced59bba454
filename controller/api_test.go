package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/decision"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/fieldconfig"
	"github.com/munbon/awd-control/controller/gates"
	"github.com/munbon/awd-control/controller/irrigation"
	"github.com/munbon/awd-control/controller/learning"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/sensors"
	"github.com/munbon/awd-control/controller/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore, *clock.Fake) {
	t.Helper()

	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	pub := events.NewLogPublisher(log)
	catalog := schedule.NewCatalog()

	configs := fieldconfig.New(db, nil, catalog, pub, clk, log)
	gateway := sensors.NewGateway(db, nil, nil, nil, clk, log)
	actuator := gates.NewActuator(db, nil, pub, nil, "", clk, log)
	learner := learning.New(db, nil, clk, log)
	runner := irrigation.NewRunner(db, nil, actuator, gateway, pub, learner, irrigation.NewRegistry(), clk, log)
	engine := decision.NewEngine(configs, catalog, gateway, runner, learner, pub, clk, log)
	api := NewAPI(configs, engine, runner, learner, NewEventHub(log), log)

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { runner.StopAll(t.Context(), irrigation.ReasonShutdown) })
	return srv, db, clk
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestIrrigationLifecycleOverHTTP(t *testing.T) {
	srv, db, clk := newTestServer(t)

	fieldURL := srv.URL + "/api/v1/fields/field-1"
	db.SetStation("field-1", "WG-07")
	db.AddWaterLevelReading(&store.WaterLevelReading{
		Time: clk.Now(), FieldID: "field-1", SensorID: "wl-1", WaterLevelCm: 1, Source: "sensor",
	})

	// Register the field two weeks into a transplanted calendar.
	status, body := doJSON(t, http.MethodPost, fieldURL+"/initialize", map[string]interface{}{
		"planting_method": "transplanted",
		"start_date":      clk.Now().AddDate(0, 0, -15).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, status, "initialize failed: %v", body)
	assert.Equal(t, "wetting", body["current_phase"])

	// A dry wetting-phase field decides to irrigate.
	status, body = doJSON(t, http.MethodGet, fieldURL+"/decision", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "start_irrigation", body["action"])

	// Execute starts a run.
	status, body = doJSON(t, http.MethodPost, fieldURL+"/irrigation", nil)
	require.Equal(t, http.StatusAccepted, status, "execute failed: %v", body)
	assert.Equal(t, true, body["success"])
	scheduleID, _ := body["schedule_id"].(string)
	require.NotEmpty(t, scheduleID)

	// Live status reports the run.
	status, body = doJSON(t, http.MethodGet, fieldURL+"/irrigation/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["active"])

	// A second execute holds: the field already has a run.
	status, body = doJSON(t, http.MethodPost, fieldURL+"/irrigation", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])

	// Stop tears the run down.
	status, body = doJSON(t, http.MethodDelete, fieldURL+"/irrigation?reason=operator_request", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, body = doJSON(t, http.MethodGet, fieldURL+"/irrigation/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["active"])

	// The gate was commanded open and then closed.
	var openSeen, closeSeen bool
	cmds := collectCommands(t, db)
	for _, c := range cmds {
		if c.GateLevel == gates.DefaultOpenLevel {
			openSeen = true
		}
		if c.GateLevel == store.GateClosed {
			closeSeen = true
		}
	}
	assert.True(t, openSeen, "expected an open command, got %v", cmds)
	assert.True(t, closeSeen, "expected a close command, got %v", cmds)
}

func collectCommands(t *testing.T, db *store.MemoryStore) []*store.GateCommand {
	t.Helper()
	cmds, err := db.ListOpenGateCommands(t.Context(), time.Time{})
	require.NoError(t, err)
	return cmds
}

func TestDecisionForUnknownField(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/fields/ghost/decision", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "maintain", body["action"])
	assert.Equal(t, "Field AWD control not active", body["reason"])
}

func TestStopWithoutActiveRun(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/fields/field-9/irrigation", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecommendationsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/fields/field-1/recommendations", nil)
	require.Equal(t, http.StatusOK, status)
	params, ok := body["parameters"].(map[string]interface{})
	require.True(t, ok, "parameters missing: %v", body)
	assert.Equal(t, float64(300), params["sensor_check_interval_sec"])
}
