package irrigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munbon/awd-control/controller/anomaly"
	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/store"
)

// scriptedLevels replays a fixed sequence of readings. The last entry
// repeats once the script is exhausted.
type scriptedLevels struct {
	mu       sync.Mutex
	readings []*store.WaterLevelReading
	errs     []error
	idx      int
}

func levels(values ...float64) *scriptedLevels {
	s := &scriptedLevels{}
	for _, v := range values {
		s.readings = append(s.readings, &store.WaterLevelReading{
			WaterLevelCm: v, SensorID: "wl-1", Source: "sensor",
		})
		s.errs = append(s.errs, nil)
	}
	return s
}

func (s *scriptedLevels) push(r *store.WaterLevelReading, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	s.errs = append(s.errs, err)
}

func (s *scriptedLevels) CurrentWaterLevel(ctx context.Context, fieldID string) (*store.WaterLevelReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return nil, errors.New("no script")
	}
	i := s.idx
	if i >= len(s.readings) {
		i = len(s.readings) - 1
	} else {
		s.idx++
	}
	return s.readings[i], s.errs[i]
}

// fakeGates records gate commands and can fail on demand.
type fakeGates struct {
	mu        sync.Mutex
	opens     int
	flowOpens int
	closes    int
	openErr   error
	closeErr  error
}

func (g *fakeGates) Open(ctx context.Context, fieldID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return "", g.openErr
	}
	g.opens++
	return "cmd-open", nil
}

func (g *fakeGates) OpenForFlow(ctx context.Context, fieldID string, flow float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return "", g.openErr
	}
	g.flowOpens++
	return "cmd-open-flow", nil
}

func (g *fakeGates) Close(ctx context.Context, fieldID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return "", g.closeErr
	}
	g.closes++
	return "cmd-close", nil
}

func (g *fakeGates) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closes
}

func newTestRunner(t *testing.T, src LevelSource) (*Runner, *store.MemoryStore, *fakeGates, *clock.Fake) {
	t.Helper()
	db := store.NewMemoryStore()
	gates := &fakeGates{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	r := NewRunner(db, nil, gates, src, nil, nil, NewRegistry(), clk, nil)
	return r, db, gates, clk
}

func baseConfig() Config {
	return Config{
		FieldID:                "field-1",
		TargetLevelCm:          10,
		ToleranceCm:            1,
		SensorCheckIntervalSec: 300,
		MaxDurationMin:         1440,
		MinFlowRateCmPerMin:    0.05,
	}
}

// tick advances the fake clock by one interval and runs one monitor
// tick directly, keeping the test deterministic.
func tick(t *testing.T, r *Runner, clk *clock.Fake, fieldID string) {
	t.Helper()
	ru := r.registry.get(fieldID)
	require.NotNil(t, ru, "run must still be registered")
	clk.Advance(300 * time.Second)
	require.NoError(t, r.monitorTick(context.Background(), ru))
}

func TestStartRejectsConcurrentRuns(t *testing.T) {
	src := levels(4, 4, 4, 4)
	r, _, _, _ := newTestRunner(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Start(ctx, baseConfig())
		}(i)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		if err == nil {
			successes++
		} else if errors.Is(err, ErrAlreadyActive) {
			rejections++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent start must win")
	assert.Equal(t, 1, rejections, "the loser must see ErrAlreadyActive")

	r.StopAll(ctx, ReasonShutdown)
}

func TestStartRequiresReading(t *testing.T) {
	src := &scriptedLevels{}
	r, _, _, _ := newTestRunner(t, src)

	_, err := r.Start(context.Background(), baseConfig())
	assert.ErrorIs(t, err, ErrNoInitialLevel)
}

func TestStartRequiresTargetAboveCurrent(t *testing.T) {
	src := levels(11)
	r, _, _, _ := newTestRunner(t, src)

	_, err := r.Start(context.Background(), baseConfig())
	assert.ErrorIs(t, err, ErrTargetNotAbove)
	assert.Equal(t, 0, r.registry.Len())
}

func TestGateFailureAtStartAbortsRun(t *testing.T) {
	src := levels(4)
	r, db, gates, _ := newTestRunner(t, src)
	gates.openErr = errors.New("actuator unreachable")

	_, err := r.Start(context.Background(), baseConfig())
	require.Error(t, err)
	assert.Equal(t, 0, r.registry.Len(), "a failed start must not stay registered")

	// The schedule was persisted, then failed.
	scheds, err2 := db.ActiveScheduleForField(context.Background(), "field-1")
	require.NoError(t, err2)
	assert.Nil(t, scheds)
}

func TestCompletionBoundaryInclusive(t *testing.T) {
	src := levels(6, 9) // target 10, tolerance 1: 9 completes
	r, db, gates, clk := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1")

	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, 1, gates.closeCount())

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCompleted, sched.Status)
	require.NotNil(t, sched.FinalLevelCm)
	assert.InDelta(t, 9, *sched.FinalLevelCm, 1e-9)
	assert.LessOrEqual(t, *sched.FinalLevelCm-sched.TargetLevelCm, 1.0)

	// Performance followed completion.
	perf := db.Performance()
	require.Len(t, perf, 1)
	assert.Equal(t, scheduleID, perf[0].ScheduleID)
	assert.GreaterOrEqual(t, perf[0].EfficiencyScore, 0.0)
	assert.LessOrEqual(t, perf[0].EfficiencyScore, 1.0)

	// avgFlowRate = rise / (end - scheduledStart).
	assert.InDelta(t, (9.0-6.0)/5.0, perf[0].AvgFlowRateCmPerMin, 1e-9)
	assert.InDelta(t, 5.0, perf[0].TotalDurationMin, 1e-9)
}

func TestOverflowRiskStopsRun(t *testing.T) {
	// Rises past the completion band without ever entering it, then
	// crosses target+5.
	src := levels(6, 7, 12, 16)
	r, db, gates, clk := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1") // 7: below band, keeps running
	tick(t, r, clk, "field-1") // 12: above band, keeps running
	assert.Equal(t, 1, r.registry.Len())

	tick(t, r, clk, "field-1") // 16 > 15: overflow_risk, stop

	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, 1, gates.closeCount())

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, sched.Status)

	var overflow *store.AnomalyRecord
	for _, an := range db.Anomalies() {
		if an.Type == anomaly.TypeOverflowRisk {
			overflow = an
		}
	}
	require.NotNil(t, overflow)
	assert.Equal(t, anomaly.SeverityCritical, overflow.Severity)

	// No further ticks run for a stopped schedule.
	samples := len(db.Samples())
	ru := &run{scheduleID: scheduleID, fieldID: "field-1", cfg: baseConfig().withDefaults(), finished: true}
	require.NoError(t, r.monitorTick(ctx, ru))
	assert.Equal(t, samples, len(db.Samples()))
}

func TestNoRiseStopsRunOnThirdStagnantTick(t *testing.T) {
	src := levels(6, 6, 6, 6, 6)
	r, db, gates, clk := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1") // stagnant #1
	tick(t, r, clk, "field-1") // stagnant #2
	assert.Equal(t, 1, r.registry.Len())

	tick(t, r, clk, "field-1") // stagnant #3: no_rise critical

	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, 1, gates.closeCount())

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, sched.Status)

	var sawNoRise bool
	for _, an := range db.Anomalies() {
		if an.Type == anomaly.TypeNoRise {
			sawNoRise = true
		}
	}
	assert.True(t, sawNoRise)
}

func TestRapidDropStopsRun(t *testing.T) {
	src := levels(6, 8, 5)
	r, db, _, clk := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1") // 8
	tick(t, r, clk, "field-1") // 5: drop of 3 > 2

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, sched.Status)
}

func TestSensorFailureStopsRun(t *testing.T) {
	src := levels(6)
	src.push(nil, errors.New("probe offline"))
	r, db, _, clk := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1")

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, sched.Status)

	var sawFailure bool
	for _, an := range db.Anomalies() {
		if an.Type == anomaly.TypeSensorFailure {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestGISLevelNeverCompletesRun(t *testing.T) {
	src := levels(6)
	src.push(&store.WaterLevelReading{WaterLevelCm: 9.5, Source: "gis"}, nil)
	r, _, _, clk := newTestRunner(t, src)
	ctx := context.Background()

	_, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1")

	// Within the band but GIS-sourced: the run keeps going.
	assert.Equal(t, 1, r.registry.Len())

	r.StopAll(ctx, ReasonShutdown)
}

func TestTimeoutStopsRun(t *testing.T) {
	src := levels(6, 7, 7.2)
	r, db, _, clk := newTestRunner(t, src)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.MaxDurationMin = 8
	scheduleID, err := r.Start(ctx, cfg)
	require.NoError(t, err)

	tick(t, r, clk, "field-1") // 5 min elapsed
	assert.Equal(t, 1, r.registry.Len())
	tick(t, r, clk, "field-1") // 10 min elapsed > 8

	assert.Equal(t, 0, r.registry.Len())
	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCancelled, sched.Status)
}

func TestStopIdempotent(t *testing.T) {
	src := levels(4, 5)
	r, db, gates, _ := newTestRunner(t, src)
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	got, err := r.Stop(ctx, "field-1", "operator_request")
	require.NoError(t, err)
	assert.Equal(t, scheduleID, got)
	assert.Equal(t, 1, gates.closeCount())

	// A second stop finds no active run.
	_, err = r.Stop(ctx, "field-1", "operator_request")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 1, gates.closeCount(), "no duplicate close command")

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCancelled, sched.Status)
}

func TestStopWithUnacknowledgedCloseFailsSchedule(t *testing.T) {
	src := levels(4, 5)
	r, db, gates, _ := newTestRunner(t, src)
	gates.closeErr = errors.New("scada timeout")
	ctx := context.Background()

	scheduleID, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	_, err = r.Stop(ctx, "field-1", "operator_request")
	require.NoError(t, err)

	sched, err := db.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, sched.Status)
}

func TestStopAllDrainsRegistry(t *testing.T) {
	src := levels(4, 4, 4, 4)
	db := store.NewMemoryStore()
	gates := &fakeGates{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	r := NewRunner(db, nil, gates, src, nil, nil, NewRegistry(), clk, nil)
	ctx := context.Background()

	for _, field := range []string{"field-1", "field-2", "field-3"} {
		cfg := baseConfig()
		cfg.FieldID = field
		_, err := r.Start(ctx, cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.registry.Len())

	r.StopAll(ctx, ReasonShutdown)
	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, 3, gates.closeCount())
}

func TestETAOmittedWithoutPositiveFlow(t *testing.T) {
	src := levels(6, 6)
	db := store.NewMemoryStore()
	gates := &fakeGates{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	cache := &captureCache{}
	r := NewRunner(db, cache, gates, src, nil, nil, NewRegistry(), clk, nil)
	ctx := context.Background()

	_, err := r.Start(ctx, baseConfig())
	require.NoError(t, err)

	tick(t, r, clk, "field-1")

	last := cache.last()
	require.NotNil(t, last)
	assert.Nil(t, last.EstimatedCompletion, "flow <= 0 must not produce an ETA")

	r.StopAll(ctx, ReasonShutdown)
}

// captureCache records status writes for assertions.
type captureCache struct {
	mu       sync.Mutex
	statuses []*store.IrrigationStatus
}

func (c *captureCache) SetIrrigationStatus(ctx context.Context, st *store.IrrigationStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *st
	c.statuses = append(c.statuses, &cp)
	return nil
}

func (c *captureCache) GetIrrigationStatus(ctx context.Context, scheduleID string) (*store.IrrigationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.statuses) - 1; i >= 0; i-- {
		if c.statuses[i].ScheduleID == scheduleID {
			return c.statuses[i], nil
		}
	}
	return nil, nil
}

func (c *captureCache) SetActiveScheduleID(ctx context.Context, fieldID, scheduleID string) error {
	return nil
}

func (c *captureCache) ClearActiveScheduleID(ctx context.Context, fieldID string) error {
	return nil
}

func (c *captureCache) last() *store.IrrigationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return nil
	}
	return c.statuses[len(c.statuses)-1]
}
