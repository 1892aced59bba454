package fieldconfig

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/store"
)

// Cache abstracts the hot-config cache so tests can run without Redis.
type Cache interface {
	GetFieldConfig(ctx context.Context, fieldID string) (*store.FieldConfig, error)
	SetFieldConfig(ctx context.Context, cfg *store.FieldConfig) error
	InvalidateFieldConfig(ctx context.Context, fieldID string) error
}

// Store is the read-through cached view of per-field AWD configuration.
// The decision path is the single writer per field; concurrent reads
// are safe.
type Store struct {
	db      store.Store
	cache   Cache
	catalog *schedule.Catalog
	pub     events.Publisher
	clock   clock.Clock
	log     *zap.Logger
}

func New(db store.Store, cache Cache, catalog *schedule.Catalog, pub events.Publisher, clk clock.Clock, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, cache: cache, catalog: catalog, pub: pub, clock: clk, log: log}
}

// CurrentWeek computes the calendar week of a field given its start date.
func CurrentWeek(startDate, now time.Time) int {
	days := int(now.Sub(startDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days / 7
}

// Get returns the field configuration, consulting the cache first and
// falling back to the durable record. Misses are recomputed from the
// calendar and written back.
func (s *Store) Get(ctx context.Context, fieldID string) (*store.FieldConfig, error) {
	if s.cache != nil {
		cfg, err := s.cache.GetFieldConfig(ctx, fieldID)
		if err != nil {
			s.log.Warn("field config cache read failed", zap.String("field_id", fieldID), zap.Error(err))
		}
		if cfg != nil {
			return cfg, nil
		}
	}

	cfg, err := s.db.GetFieldConfig(ctx, fieldID)
	if err != nil {
		return nil, fmt.Errorf("load field config %s: %w", fieldID, err)
	}
	if cfg == nil {
		return nil, nil
	}

	sched, err := s.catalog.ForMethod(cfg.PlantingMethod)
	if err != nil {
		return nil, err
	}
	week := CurrentWeek(cfg.StartDate, s.clock.Now())
	phase := sched.PhaseAt(week)
	cfg.CurrentWeek = week
	cfg.CurrentPhase = phase.Phase
	cfg.TargetWaterLevelCm = phase.TargetWaterLevelCm
	cfg.NextPhaseDate = sched.NextPhaseDate(cfg.StartDate, week)

	if s.cache != nil {
		if err := s.cache.SetFieldConfig(ctx, cfg); err != nil {
			s.log.Warn("field config cache write failed", zap.String("field_id", fieldID), zap.Error(err))
		}
	}
	return cfg, nil
}

// Initialize registers a field for AWD control.
func (s *Store) Initialize(ctx context.Context, fieldID string, method store.PlantingMethod, startDate time.Time) (*store.FieldConfig, error) {
	sched, err := s.catalog.ForMethod(method)
	if err != nil {
		return nil, err
	}

	week := CurrentWeek(startDate, s.clock.Now())
	phase := sched.PhaseAt(week)
	cfg := &store.FieldConfig{
		FieldID:            fieldID,
		PlantingMethod:     method,
		StartDate:          startDate,
		CurrentWeek:        week,
		CurrentPhase:       phase.Phase,
		NextPhaseDate:      sched.NextPhaseDate(startDate, week),
		Active:             true,
		TargetWaterLevelCm: phase.TargetWaterLevelCm,
	}

	if err := s.db.UpsertFieldConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("initialize field %s: %w", fieldID, err)
	}
	if s.cache != nil {
		if err := s.cache.SetFieldConfig(ctx, cfg); err != nil {
			s.log.Warn("field config cache write failed", zap.String("field_id", fieldID), zap.Error(err))
		}
	}

	s.log.Info("field initialized for AWD control",
		zap.String("field_id", fieldID),
		zap.String("planting_method", string(method)),
		zap.Int("current_week", week),
		zap.String("current_phase", string(phase.Phase)))
	return cfg, nil
}

// Advance recomputes the calendar week from the start date and, when it
// changed, updates phase, target level, and next phase date in the
// durable store and cache, then emits a phase_change notification.
// Calling it twice at the same instant is a no-op the second time.
func (s *Store) Advance(ctx context.Context, cfg *store.FieldConfig) (*store.FieldConfig, error) {
	sched, err := s.catalog.ForMethod(cfg.PlantingMethod)
	if err != nil {
		return nil, err
	}

	week := CurrentWeek(cfg.StartDate, s.clock.Now())
	if week == cfg.CurrentWeek {
		return cfg, nil
	}

	prevPhase := cfg.CurrentPhase
	phase := sched.PhaseAt(week)
	next := sched.NextPhaseDate(cfg.StartDate, week)

	if err := s.db.UpdateFieldProgress(ctx, cfg.FieldID, week, phase.Phase, phase.TargetWaterLevelCm, next); err != nil {
		return nil, fmt.Errorf("advance field %s: %w", cfg.FieldID, err)
	}

	updated := *cfg
	updated.CurrentWeek = week
	updated.CurrentPhase = phase.Phase
	updated.TargetWaterLevelCm = phase.TargetWaterLevelCm
	updated.NextPhaseDate = next

	if s.cache != nil {
		if err := s.cache.SetFieldConfig(ctx, &updated); err != nil {
			s.log.Warn("field config cache write failed", zap.String("field_id", cfg.FieldID), zap.Error(err))
		}
	}

	events.Emit(s.pub, s.log, events.TopicAlerts, map[string]interface{}{
		"type":       "phase_change",
		"priority":   "medium",
		"field_id":   cfg.FieldID,
		"from_phase": prevPhase,
		"to_phase":   phase.Phase,
		"week":       week,
		"message":    fmt.Sprintf("Field %s entered %s (week %d)", cfg.FieldID, phase.Phase, week),
	})

	s.log.Info("field phase advanced",
		zap.String("field_id", cfg.FieldID),
		zap.String("from_phase", string(prevPhase)),
		zap.String("to_phase", string(phase.Phase)),
		zap.Int("week", week))
	return &updated, nil
}

// Deactivate removes a field from AWD control.
func (s *Store) Deactivate(ctx context.Context, fieldID string) error {
	if err := s.db.DeactivateField(ctx, fieldID); err != nil {
		return fmt.Errorf("deactivate field %s: %w", fieldID, err)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateFieldConfig(ctx, fieldID); err != nil {
			s.log.Warn("field config cache invalidate failed", zap.String("field_id", fieldID), zap.Error(err))
		}
	}
	return nil
}
