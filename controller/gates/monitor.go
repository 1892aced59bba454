package gates

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/store"
)

// CommandMonitor periodically scans open gate commands from the last
// hour, polls the actuator, and resolves the ones it reports complete.
type CommandMonitor struct {
	db       store.Store
	actuator *Actuator
	pub      events.Publisher
	interval time.Duration
	window   time.Duration
	log      *zap.Logger
}

func NewCommandMonitor(db store.Store, actuator *Actuator, pub events.Publisher, log *zap.Logger) *CommandMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandMonitor{
		db:       db,
		actuator: actuator,
		pub:      pub,
		interval: 30 * time.Second,
		window:   time.Hour,
		log:      log,
	}
}

func (m *CommandMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *CommandMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("gate command monitor started", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *CommandMonitor) sweep(ctx context.Context) {
	cmds, err := m.db.ListOpenGateCommands(ctx, time.Now().Add(-m.window))
	if err != nil {
		m.log.Warn("failed to list open gate commands", zap.Error(err))
		return
	}

	for _, cmd := range cmds {
		st, err := m.actuator.CommandStatusByID(ctx, cmd.CommandID)
		if err != nil {
			m.log.Debug("gate command status poll failed",
				zap.String("command_id", cmd.CommandID), zap.Error(err))
			continue
		}
		if !st.Complete {
			continue
		}

		now := time.Now()
		if err := m.db.UpdateGateCommandStatus(ctx, cmd.CommandID, store.CommandCompleted, &now); err != nil {
			m.log.Warn("failed to mark gate command completed",
				zap.String("command_id", cmd.CommandID), zap.Error(err))
			continue
		}

		events.Emit(m.pub, m.log, events.TopicGateStatus, map[string]interface{}{
			"type":         "gate_status_updated",
			"command_id":   cmd.CommandID,
			"field_id":     cmd.FieldID,
			"station_code": cmd.StationCode,
			"gate_level":   st.GateLevel,
			"completed_at": now,
		})

		m.log.Info("gate command completed",
			zap.String("command_id", cmd.CommandID),
			zap.String("station_code", cmd.StationCode),
			zap.Int("gate_level", st.GateLevel))
	}
}
