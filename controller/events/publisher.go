package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/observability"
)

// Broker topics. Shared with the wider platform; do not rename.
const (
	TopicControlCommands  = "AWD_CONTROL_COMMANDS"
	TopicIrrigationEvents = "AWD_IRRIGATION_EVENTS"
	TopicAlerts           = "ALERT_NOTIFICATIONS"
	TopicGateCommands     = "GATE_CONTROL_COMMANDS"
	TopicGateStatus       = "GATE_STATUS_UPDATES"
)

// Event is the envelope every published payload travels in.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Publisher delivers durable domain events. Publishing is best-effort:
// callers must never let a publish failure abort a control decision.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

const source = "awd-controller"

func newEvent(topic string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    source,
	}, nil
}

// LogPublisher writes events to the structured log. Used when no broker
// is configured and as the sink of last resort in tests.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	p.log.Info("event published",
		zap.String("event_id", event.ID),
		zap.String("topic", topic),
		zap.ByteString("payload", event.Payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// RedisPublisher publishes events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, topic, data).Err()
}

func (p *RedisPublisher) Close() error { return nil }

// Multi fans one publish out to several publishers. The first error is
// returned after all sinks have been attempted.
type Multi struct {
	sinks []Publisher
}

func NewMulti(sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Publish(ctx context.Context, topic string, payload interface{}) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Emit publishes asynchronously with a bounded timeout. Failures are
// logged and metered, never returned: events are observability, not
// control flow.
func Emit(p Publisher, log *zap.Logger, topic string, payload interface{}) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := p.Publish(ctx, topic, payload); err != nil {
			observability.EventPublishFailures.WithLabelValues(topic).Inc()
			if log != nil {
				log.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}()
}
