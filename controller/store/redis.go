package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/munbon/awd-control/controller/observability"
)

// Cache TTLs.
const (
	StatusTTL   = 24 * time.Hour
	RainfallTTL = 5 * time.Minute
	CommandTTL  = time.Hour
)

// Cache is the Redis-backed hot state shared with the wider platform:
// field configuration, live irrigation status, active-schedule pointers,
// short-lived weather data, and actuator command idempotency records.
type Cache struct {
	client *redis.Client
}

// NewCache connects to Redis and verifies the connection.
func NewCache(addr string, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{client: client}, nil
}

// Client exposes the underlying connection for pub/sub reuse.
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Cache) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// --- Field Configuration ---

func (c *Cache) GetFieldConfig(ctx context.Context, fieldID string) (*FieldConfig, error) {
	var cfg FieldConfig
	found, err := c.getJSON(ctx, FieldConfigKey(fieldID), &cfg)
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

func (c *Cache) SetFieldConfig(ctx context.Context, cfg *FieldConfig) error {
	return c.setJSON(ctx, FieldConfigKey(cfg.FieldID), cfg, 0)
}

func (c *Cache) InvalidateFieldConfig(ctx context.Context, fieldID string) error {
	return c.client.Del(ctx, FieldConfigKey(fieldID)).Err()
}

// --- Live Irrigation Status ---

func (c *Cache) GetIrrigationStatus(ctx context.Context, scheduleID string) (*IrrigationStatus, error) {
	var st IrrigationStatus
	found, err := c.getJSON(ctx, IrrigationStatusKey(scheduleID), &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (c *Cache) SetIrrigationStatus(ctx context.Context, st *IrrigationStatus) error {
	return c.setJSON(ctx, IrrigationStatusKey(st.ScheduleID), st, StatusTTL)
}

// --- Active Schedule Pointer ---

func (c *Cache) ActiveScheduleID(ctx context.Context, fieldID string) (string, error) {
	val, err := c.client.Get(ctx, ActiveScheduleKey(fieldID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *Cache) SetActiveScheduleID(ctx context.Context, fieldID, scheduleID string) error {
	return c.client.Set(ctx, ActiveScheduleKey(fieldID), scheduleID, StatusTTL).Err()
}

func (c *Cache) ClearActiveScheduleID(ctx context.Context, fieldID string) error {
	return c.client.Del(ctx, ActiveScheduleKey(fieldID)).Err()
}

// --- Rainfall ---

func (c *Cache) GetRainfall(ctx context.Context, fieldID string) (*RainfallData, error) {
	var r RainfallData
	found, err := c.getJSON(ctx, RainfallKey(fieldID), &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

func (c *Cache) SetRainfall(ctx context.Context, r *RainfallData) error {
	return c.setJSON(ctx, RainfallKey(r.FieldID), r, RainfallTTL)
}

// --- Predictions ---

func (c *Cache) SetPrediction(ctx context.Context, fieldID string, prediction interface{}) error {
	return c.setJSON(ctx, PredictionKey(fieldID), prediction, StatusTTL)
}

// --- Command Idempotency ---

// ClaimGateCommand atomically records (stationCode, startTime) -> commandID.
// Returns the winning command ID and whether this caller claimed it.
func (c *Cache) ClaimGateCommand(ctx context.Context, stationCode string, startTime time.Time, commandID string) (string, bool, error) {
	key := GateCommandIdemKey(stationCode, startTime)
	set, err := c.client.SetNX(ctx, key, commandID, CommandTTL).Result()
	if err != nil {
		return "", false, err
	}
	if set {
		return commandID, true, nil
	}
	existing, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Claim expired between SetNX and Get; treat as ours.
		return commandID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
