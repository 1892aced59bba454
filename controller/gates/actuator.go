package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/observability"
	"github.com/munbon/awd-control/controller/store"
)

// ErrNoStation means the field has no gate station mapping.
var ErrNoStation = errors.New("no gate station mapped for field")

// DefaultOpenLevel is used when no target flow rate is given.
const DefaultOpenLevel = 3

// CommandStatus is the actuator-side view of a sent command.
type CommandStatus struct {
	Complete  bool      `json:"complete"`
	GateLevel int       `json:"gate_level"`
	StartTime time.Time `json:"start_time"`
}

// IdempotencyStore dedupes commands on (stationCode, startTime).
type IdempotencyStore interface {
	ClaimGateCommand(ctx context.Context, stationCode string, startTime time.Time, commandID string) (string, bool, error)
}

// Actuator sends open/close/level commands to the canal-side gate
// controller, logs them locally, and tracks their completion.
type Actuator struct {
	db        store.Store
	idem      IdempotencyStore
	pub       events.Publisher
	hydraulic *HydraulicClient
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	clock     clock.Clock
	log       *zap.Logger
}

func NewActuator(db store.Store, idem IdempotencyStore, pub events.Publisher, hydraulic *HydraulicClient, baseURL string, clk clock.Clock, log *zap.Logger) *Actuator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Actuator{
		db:        db,
		idem:      idem,
		pub:       pub,
		hydraulic: hydraulic,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 10 * time.Second},
		// SCADA gateways tolerate a handful of commands per second.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		clock:   clk,
		log:     log,
	}
}

// ResolveStation maps a field to its gate station code.
func (a *Actuator) ResolveStation(ctx context.Context, fieldID string) (string, error) {
	station, err := a.db.StationForField(ctx, fieldID)
	if err != nil {
		return "", fmt.Errorf("resolve station for %s: %w", fieldID, err)
	}
	if station == "" {
		return "", fmt.Errorf("field %s: %w", fieldID, ErrNoStation)
	}
	return station, nil
}

// SendCommand sends one gate command, idempotent on
// (stationCode, startTime). A duplicate returns the original command ID
// without contacting the actuator again.
func (a *Actuator) SendCommand(ctx context.Context, cmd *store.GateCommand) (string, error) {
	if cmd.StationCode == "" {
		station, err := a.ResolveStation(ctx, cmd.FieldID)
		if err != nil {
			return "", err
		}
		cmd.StationCode = station
	}
	if cmd.StartTime.IsZero() {
		cmd.StartTime = a.clock.Now()
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}

	if a.idem != nil {
		winner, claimed, err := a.idem.ClaimGateCommand(ctx, cmd.StationCode, cmd.StartTime, cmd.CommandID)
		if err != nil {
			a.log.Warn("command idempotency check failed", zap.String("station_code", cmd.StationCode), zap.Error(err))
		} else if !claimed {
			a.log.Info("duplicate gate command suppressed",
				zap.String("station_code", cmd.StationCode),
				zap.String("command_id", winner))
			return winner, nil
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("gate command rate limit: %w", err)
	}

	cmd.Status = store.CommandSent
	if err := a.db.InsertGateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("log gate command: %w", err)
	}

	if err := a.forward(ctx, cmd); err != nil {
		now := a.clock.Now()
		if updErr := a.db.UpdateGateCommandStatus(ctx, cmd.CommandID, store.CommandFailed, &now); updErr != nil {
			a.log.Error("failed to mark gate command failed", zap.String("command_id", cmd.CommandID), zap.Error(updErr))
		}
		observability.GateCommands.WithLabelValues(strconv.Itoa(cmd.GateLevel), store.CommandFailed).Inc()
		return "", err
	}

	observability.GateCommands.WithLabelValues(strconv.Itoa(cmd.GateLevel), store.CommandSent).Inc()
	events.Emit(a.pub, a.log, events.TopicGateCommands, map[string]interface{}{
		"type":         "gate_command",
		"command_id":   cmd.CommandID,
		"field_id":     cmd.FieldID,
		"station_code": cmd.StationCode,
		"gate_level":   cmd.GateLevel,
		"start_time":   cmd.StartTime,
	})

	a.log.Info("gate command sent",
		zap.String("command_id", cmd.CommandID),
		zap.String("station_code", cmd.StationCode),
		zap.Int("gate_level", cmd.GateLevel))
	return cmd.CommandID, nil
}

// forward delivers the command to the external actuator API.
// HTTP 202 Accepted means the actuator took the command; completion is
// observed later by the monitor.
func (a *Actuator) forward(ctx context.Context, cmd *store.GateCommand) error {
	if a.baseURL == "" {
		// No actuator configured (bench mode): command stays "sent"
		// until the monitor or an operator resolves it.
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"command_id":   cmd.CommandID,
		"station_code": cmd.StationCode,
		"gate_level":   cmd.GateLevel,
		"start_time":   cmd.StartTime.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/gates/command", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("actuator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("actuator returned status %d", resp.StatusCode)
	}
	return nil
}

// CommandStatusByID polls the actuator for a command's completion.
func (a *Actuator) CommandStatusByID(ctx context.Context, commandID string) (*CommandStatus, error) {
	if a.baseURL == "" {
		return nil, errors.New("no actuator configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/v1/gates/command/"+commandID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("actuator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actuator returned status %d", resp.StatusCode)
	}

	var st CommandStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Open requests the default open position for a field's gate.
func (a *Actuator) Open(ctx context.Context, fieldID string) (string, error) {
	return a.SendCommand(ctx, &store.GateCommand{
		FieldID:   fieldID,
		GateLevel: DefaultOpenLevel,
	})
}

// OpenForFlow opens the gate at the level matching a target flow rate.
func (a *Actuator) OpenForFlow(ctx context.Context, fieldID string, targetFlowRateM3s float64) (string, error) {
	station, err := a.ResolveStation(ctx, fieldID)
	if err != nil {
		return "", err
	}

	level := FallbackGateLevel(targetFlowRateM3s)
	if a.hydraulic != nil {
		level = a.hydraulic.GateLevel(ctx, station, targetFlowRateM3s)
	}

	flow := targetFlowRateM3s
	return a.SendCommand(ctx, &store.GateCommand{
		FieldID:           fieldID,
		StationCode:       station,
		GateLevel:         level,
		TargetFlowRateM3s: &flow,
	})
}

// Close commands the gate fully shut.
func (a *Actuator) Close(ctx context.Context, fieldID string) (string, error) {
	return a.SendCommand(ctx, &store.GateCommand{
		FieldID:   fieldID,
		GateLevel: store.GateClosed,
	})
}
