package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/observability"
)

// Gate levels. Level 1 is closed; open positions are 2..4.
const (
	minOpenLevel = 2
	maxOpenLevel = 4
)

// HydraulicClient asks the hydraulic modeling service which gate level
// delivers a target flow rate. The service is optional infrastructure:
// when it is down or misbehaving the static fallback mapping applies
// and the caller never sees an error.
type HydraulicClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewHydraulicClient(baseURL, token string, log *zap.Logger) *HydraulicClient {
	if log == nil {
		log = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hydraulic-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HydraulicClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: breaker,
		log:     log,
	}
}

// FallbackGateLevel is the static flow-to-level mapping used when the
// hydraulic service is unavailable.
func FallbackGateLevel(targetFlowRateM3s float64) int {
	switch {
	case targetFlowRateM3s < 5:
		return 2
	case targetFlowRateM3s < 10:
		return 3
	default:
		return 4
	}
}

func clampOpenLevel(level int) int {
	if level < minOpenLevel {
		return minOpenLevel
	}
	if level > maxOpenLevel {
		return maxOpenLevel
	}
	return level
}

// GateLevel resolves the gate level for a target flow rate. Results are
// clamped to the open range {2,3,4}.
func (c *HydraulicClient) GateLevel(ctx context.Context, stationCode string, targetFlowRateM3s float64) int {
	if c.baseURL == "" {
		observability.HydraulicFallbacks.Inc()
		return FallbackGateLevel(targetFlowRateM3s)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.requestGateLevel(ctx, stationCode, targetFlowRateM3s)
	})
	if err != nil {
		observability.HydraulicFallbacks.Inc()
		c.log.Warn("hydraulic service unavailable, using fallback mapping",
			zap.String("station_code", stationCode),
			zap.Float64("target_flow_rate_m3s", targetFlowRateM3s),
			zap.Error(err))
		return FallbackGateLevel(targetFlowRateM3s)
	}
	return clampOpenLevel(result.(int))
}

func (c *HydraulicClient) requestGateLevel(ctx context.Context, stationCode string, targetFlowRateM3s float64) (int, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"stationCode":    stationCode,
		"targetFlowRate": targetFlowRateM3s,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/hydraulic/gate-level", bytes.NewBuffer(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("hydraulic service returned status %d", resp.StatusCode)
	}

	var body struct {
		GateLevel int `json:"gateLevel"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.GateLevel, nil
}
