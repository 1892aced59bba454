package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all persistent state in process memory.
// It implements the Store interface and backs unit tests and
// single-node bring-up when no database is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	fields       map[string]*FieldConfig
	schedules    map[string]*IrrigationSchedule
	samples      []*MonitoringSample
	anomalies    []*AnomalyRecord
	performance  []*PerformanceRecord
	waterLevels  map[string][]*WaterLevelReading
	moisture     map[string][]*MoistureReading
	stations     map[string]string
	gateCommands map[string]*GateCommand
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fields:       make(map[string]*FieldConfig),
		schedules:    make(map[string]*IrrigationSchedule),
		waterLevels:  make(map[string][]*WaterLevelReading),
		moisture:     make(map[string][]*MoistureReading),
		stations:     make(map[string]string),
		gateCommands: make(map[string]*GateCommand),
	}
}

func (s *MemoryStore) Close() {}

// --- Field Configuration ---

func (s *MemoryStore) UpsertFieldConfig(ctx context.Context, cfg *FieldConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cfg
	s.fields[cfg.FieldID] = &c
	return nil
}

func (s *MemoryStore) GetFieldConfig(ctx context.Context, fieldID string) (*FieldConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.fields[fieldID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateFieldProgress(ctx context.Context, fieldID string, week int, phase Phase, targetLevelCm float64, nextPhaseDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fields[fieldID]
	if !ok {
		return errors.New("field configuration not found")
	}
	c.CurrentWeek = week
	c.CurrentPhase = phase
	c.TargetWaterLevelCm = targetLevelCm
	c.NextPhaseDate = nextPhaseDate
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeactivateField(ctx context.Context, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.fields[fieldID]; ok {
		c.Active = false
	}
	return nil
}

// --- Irrigation Schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sched *IrrigationSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := *sched
	s.schedules[sched.ID] = &sc
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, scheduleID string) (*IrrigationSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) ActiveScheduleForField(ctx context.Context, fieldID string) (*IrrigationSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *IrrigationSchedule
	for _, sc := range s.schedules {
		if sc.FieldID != fieldID || sc.Status != ScheduleActive {
			continue
		}
		if latest == nil || sc.ScheduledStart.After(latest.ScheduledStart) {
			latest = sc
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) CompleteSchedule(ctx context.Context, scheduleID string, end time.Time, finalLevelCm, volumeLiters, avgFlowCmPerMin float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok || sc.Status != ScheduleActive {
		return errors.New("schedule not active")
	}
	sc.Status = ScheduleCompleted
	sc.ActualEnd = &end
	sc.FinalLevelCm = &finalLevelCm
	sc.WaterVolumeLiters = &volumeLiters
	sc.AvgFlowRateCmPerMin = &avgFlowCmPerMin
	return nil
}

func (s *MemoryStore) CloseSchedule(ctx context.Context, scheduleID string, status string, end time.Time, finalLevelCm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok || sc.Status != ScheduleActive {
		return nil
	}
	sc.Status = status
	sc.ActualEnd = &end
	sc.FinalLevelCm = &finalLevelCm
	return nil
}

// --- Monitoring ---

func (s *MemoryStore) InsertSample(ctx context.Context, sample *MonitoringSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm := *sample
	s.samples = append(s.samples, &sm)
	return nil
}

func (s *MemoryStore) InsertAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.anomalies = append(s.anomalies, &r)
	return nil
}

func (s *MemoryStore) CountAnomaliesSince(ctx context.Context, fieldID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.anomalies {
		if a.FieldID == fieldID && !a.DetectedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- Performance History ---

func (s *MemoryStore) InsertPerformance(ctx context.Context, rec *PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.performance = append(s.performance, &r)
	return nil
}

func (s *MemoryStore) ListPerformanceSince(ctx context.Context, fieldID string, since time.Time) ([]*PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PerformanceRecord
	for _, r := range s.performance {
		if r.FieldID == fieldID && !r.EndTime.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	return out, nil
}

// --- Sensor Readings ---

func (s *MemoryStore) LatestWaterLevel(ctx context.Context, fieldID string) (*WaterLevelReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	readings := s.waterLevels[fieldID]
	if len(readings) == 0 {
		return nil, nil
	}
	cp := *readings[len(readings)-1]
	return &cp, nil
}

func (s *MemoryStore) LatestMoisture(ctx context.Context, fieldID string) (*MoistureReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	readings := s.moisture[fieldID]
	if len(readings) == 0 {
		return nil, nil
	}
	cp := *readings[len(readings)-1]
	return &cp, nil
}

// AddWaterLevelReading appends a reading. Test and ingestion-shim helper.
func (s *MemoryStore) AddWaterLevelReading(r *WaterLevelReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.waterLevels[r.FieldID] = append(s.waterLevels[r.FieldID], &cp)
}

// AddMoistureReading appends a reading. Test and ingestion-shim helper.
func (s *MemoryStore) AddMoistureReading(r *MoistureReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.moisture[r.FieldID] = append(s.moisture[r.FieldID], &cp)
}

// --- Gate Infrastructure ---

func (s *MemoryStore) StationForField(ctx context.Context, fieldID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stations[fieldID], nil
}

// SetStation maps a field to a gate station. Test helper.
func (s *MemoryStore) SetStation(fieldID, stationCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[fieldID] = stationCode
}

func (s *MemoryStore) InsertGateCommand(ctx context.Context, cmd *GateCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cmd
	s.gateCommands[cmd.CommandID] = &c
	return nil
}

func (s *MemoryStore) UpdateGateCommandStatus(ctx context.Context, commandID string, status string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.gateCommands[commandID]
	if !ok {
		return errors.New("gate command not found")
	}
	c.Status = status
	c.CompletedAt = completedAt
	return nil
}

func (s *MemoryStore) ListOpenGateCommands(ctx context.Context, since time.Time) ([]*GateCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*GateCommand
	for _, c := range s.gateCommands {
		if c.Status == CommandSent && !c.StartTime.Before(since) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Samples returns all recorded monitoring samples. Test helper.
func (s *MemoryStore) Samples() []*MonitoringSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MonitoringSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Anomalies returns all recorded anomalies. Test helper.
func (s *MemoryStore) Anomalies() []*AnomalyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AnomalyRecord, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}

// Performance returns all recorded performance rows. Test helper.
func (s *MemoryStore) Performance() []*PerformanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PerformanceRecord, len(s.performance))
	copy(out, s.performance)
	return out
}
