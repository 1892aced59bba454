package fieldconfig

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func newTestStore(t *testing.T) (*Store, *store.MemoryStore, *clock.Fake, *capturePublisher) {
	t.Helper()
	db := store.NewMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	s := New(db, nil, schedule.NewCatalog(), pub, clk, nil)
	return s, db, clk, pub
}

func TestCurrentWeek(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, CurrentWeek(start, start))
	assert.Equal(t, 0, CurrentWeek(start, start.AddDate(0, 0, 6)))
	assert.Equal(t, 1, CurrentWeek(start, start.AddDate(0, 0, 7)))
	assert.Equal(t, 2, CurrentWeek(start, start.AddDate(0, 0, 14)))
	// Before the start date clamps to week 0.
	assert.Equal(t, 0, CurrentWeek(start, start.AddDate(0, 0, -3)))
}

func TestInitializeAndGet(t *testing.T) {
	s, _, clk, _ := newTestStore(t)
	ctx := context.Background()

	start := clk.Now().AddDate(0, 0, -8) // week 1
	cfg, err := s.Initialize(ctx, "field-1", store.MethodTransplanted, start)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CurrentWeek)
	assert.Equal(t, store.PhaseWetting, cfg.CurrentPhase)
	assert.True(t, cfg.Active)
	assert.InDelta(t, 5, cfg.TargetWaterLevelCm, 1e-9)

	got, err := s.Get(ctx, "field-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.CurrentPhase, got.CurrentPhase)
	assert.Equal(t, cfg.CurrentWeek, got.CurrentWeek)
}

func TestGetUnknownField(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAdvanceIdempotent(t *testing.T) {
	s, db, clk, pub := newTestStore(t)
	ctx := context.Background()

	start := clk.Now()
	cfg, err := s.Initialize(ctx, "field-1", store.MethodTransplanted, start)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.CurrentWeek)

	// Three weeks later the field is in its first drying cycle.
	clk.Advance(21 * 24 * time.Hour)

	advanced, err := s.Advance(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, advanced.CurrentWeek)
	assert.Equal(t, store.PhaseDrying, advanced.CurrentPhase)
	assert.InDelta(t, -15, advanced.TargetWaterLevelCm, 1e-9)

	// Second advance at the same instant changes nothing.
	again, err := s.Advance(ctx, advanced)
	require.NoError(t, err)
	assert.Equal(t, advanced, again)

	// Durable record agrees.
	persisted, err := db.GetFieldConfig(ctx, "field-1")
	require.NoError(t, err)
	assert.Equal(t, 3, persisted.CurrentWeek)
	assert.Equal(t, store.PhaseDrying, persisted.CurrentPhase)

	// Exactly one phase_change notification went out.
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pub.count())
}

func TestDeactivate(t *testing.T) {
	s, db, clk, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Initialize(ctx, "field-1", store.MethodDirectSeeded, clk.Now())
	require.NoError(t, err)
	require.NoError(t, s.Deactivate(ctx, "field-1"))

	persisted, err := db.GetFieldConfig(ctx, "field-1")
	require.NoError(t, err)
	assert.False(t, persisted.Active)
}
