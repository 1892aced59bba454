package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Field Configuration ---

func (s *PostgresStore) UpsertFieldConfig(ctx context.Context, cfg *FieldConfig) error {
	query := `
		INSERT INTO field_configurations (field_id, planting_method, start_date, current_week, current_phase, next_phase_date, target_water_level, active, has_rainfall_data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (field_id) DO UPDATE SET
			planting_method = EXCLUDED.planting_method,
			start_date = EXCLUDED.start_date,
			current_week = EXCLUDED.current_week,
			current_phase = EXCLUDED.current_phase,
			next_phase_date = EXCLUDED.next_phase_date,
			target_water_level = EXCLUDED.target_water_level,
			active = EXCLUDED.active,
			has_rainfall_data = EXCLUDED.has_rainfall_data,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		cfg.FieldID, cfg.PlantingMethod, cfg.StartDate, cfg.CurrentWeek, cfg.CurrentPhase,
		cfg.NextPhaseDate, cfg.TargetWaterLevelCm, cfg.Active, cfg.HasRainfallData,
	)
	return err
}

func (s *PostgresStore) GetFieldConfig(ctx context.Context, fieldID string) (*FieldConfig, error) {
	query := `
		SELECT field_id, planting_method, start_date, current_week, current_phase, next_phase_date, target_water_level, active, has_rainfall_data, updated_at
		FROM field_configurations WHERE field_id = $1
	`
	var c FieldConfig
	err := s.pool.QueryRow(ctx, query, fieldID).Scan(
		&c.FieldID, &c.PlantingMethod, &c.StartDate, &c.CurrentWeek, &c.CurrentPhase,
		&c.NextPhaseDate, &c.TargetWaterLevelCm, &c.Active, &c.HasRainfallData, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpdateFieldProgress(ctx context.Context, fieldID string, week int, phase Phase, targetLevelCm float64, nextPhaseDate time.Time) error {
	query := `
		UPDATE field_configurations
		SET current_week = $2, current_phase = $3, target_water_level = $4, next_phase_date = $5, updated_at = NOW()
		WHERE field_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, fieldID, week, phase, targetLevelCm, nextPhaseDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("field configuration not found")
	}
	return nil
}

func (s *PostgresStore) DeactivateField(ctx context.Context, fieldID string) error {
	query := `UPDATE field_configurations SET active = FALSE, updated_at = NOW() WHERE field_id = $1`
	_, err := s.pool.Exec(ctx, query, fieldID)
	return err
}

// --- Irrigation Schedules ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *IrrigationSchedule) error {
	query := `
		INSERT INTO irrigation_schedules (id, field_id, scheduled_start, initial_level_cm, target_level_cm, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		sched.ID, sched.FieldID, sched.ScheduledStart, sched.InitialLevelCm, sched.TargetLevelCm, sched.Status,
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, scheduleID string) (*IrrigationSchedule, error) {
	query := `
		SELECT id, field_id, scheduled_start, actual_end, initial_level_cm, target_level_cm, final_level_cm, water_volume_liters, avg_flow_rate_cm_per_min, status
		FROM irrigation_schedules WHERE id = $1
	`
	var sc IrrigationSchedule
	err := s.pool.QueryRow(ctx, query, scheduleID).Scan(
		&sc.ID, &sc.FieldID, &sc.ScheduledStart, &sc.ActualEnd, &sc.InitialLevelCm,
		&sc.TargetLevelCm, &sc.FinalLevelCm, &sc.WaterVolumeLiters, &sc.AvgFlowRateCmPerMin, &sc.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ActiveScheduleForField(ctx context.Context, fieldID string) (*IrrigationSchedule, error) {
	query := `
		SELECT id, field_id, scheduled_start, actual_end, initial_level_cm, target_level_cm, final_level_cm, water_volume_liters, avg_flow_rate_cm_per_min, status
		FROM irrigation_schedules WHERE field_id = $1 AND status = 'active'
		ORDER BY scheduled_start DESC LIMIT 1
	`
	var sc IrrigationSchedule
	err := s.pool.QueryRow(ctx, query, fieldID).Scan(
		&sc.ID, &sc.FieldID, &sc.ScheduledStart, &sc.ActualEnd, &sc.InitialLevelCm,
		&sc.TargetLevelCm, &sc.FinalLevelCm, &sc.WaterVolumeLiters, &sc.AvgFlowRateCmPerMin, &sc.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) CompleteSchedule(ctx context.Context, scheduleID string, end time.Time, finalLevelCm, volumeLiters, avgFlowCmPerMin float64) error {
	query := `
		UPDATE irrigation_schedules
		SET status = 'completed', actual_end = $2, final_level_cm = $3, water_volume_liters = $4, avg_flow_rate_cm_per_min = $5
		WHERE id = $1 AND status = 'active'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID, end, finalLevelCm, volumeLiters, avgFlowCmPerMin)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("schedule not active")
	}
	return nil
}

func (s *PostgresStore) CloseSchedule(ctx context.Context, scheduleID string, status string, end time.Time, finalLevelCm float64) error {
	query := `
		UPDATE irrigation_schedules
		SET status = $2, actual_end = $3, final_level_cm = $4
		WHERE id = $1 AND status = 'active'
	`
	_, err := s.pool.Exec(ctx, query, scheduleID, status, end, finalLevelCm)
	return err
}

// --- Monitoring ---

func (s *PostgresStore) InsertSample(ctx context.Context, sample *MonitoringSample) error {
	query := `
		INSERT INTO irrigation_monitoring (schedule_id, field_id, time, water_level_cm, flow_rate_cm_per_min, sensor_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		sample.ScheduleID, sample.FieldID, sample.Time, sample.WaterLevelCm, sample.FlowRateCmPerMin, sample.SensorID,
	)
	return err
}

func (s *PostgresStore) InsertAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	query := `
		INSERT INTO irrigation_anomalies (schedule_id, field_id, detected_at, type, severity, description, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ScheduleID, rec.FieldID, rec.DetectedAt, rec.Type, rec.Severity, rec.Description, rec.Metrics,
	)
	return err
}

func (s *PostgresStore) CountAnomaliesSince(ctx context.Context, fieldID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM irrigation_anomalies WHERE field_id = $1 AND detected_at >= $2`
	var count int
	if err := s.pool.QueryRow(ctx, query, fieldID, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Performance History ---

func (s *PostgresStore) InsertPerformance(ctx context.Context, rec *PerformanceRecord) error {
	query := `
		INSERT INTO irrigation_performance (field_id, schedule_id, start_time, end_time, initial_level_cm, target_level_cm, achieved_level_cm, total_duration_min, water_volume_liters, avg_flow_rate_cm_per_min, efficiency_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.FieldID, rec.ScheduleID, rec.StartTime, rec.EndTime, rec.InitialLevelCm, rec.TargetLevelCm,
		rec.AchievedLevelCm, rec.TotalDurationMin, rec.WaterVolumeLiters, rec.AvgFlowRateCmPerMin, rec.EfficiencyScore,
	)
	return err
}

func (s *PostgresStore) ListPerformanceSince(ctx context.Context, fieldID string, since time.Time) ([]*PerformanceRecord, error) {
	query := `
		SELECT field_id, schedule_id, start_time, end_time, initial_level_cm, target_level_cm, achieved_level_cm, total_duration_min, water_volume_liters, avg_flow_rate_cm_per_min, efficiency_score
		FROM irrigation_performance WHERE field_id = $1 AND end_time >= $2
		ORDER BY end_time DESC
	`
	rows, err := s.pool.Query(ctx, query, fieldID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PerformanceRecord
	for rows.Next() {
		var r PerformanceRecord
		if err := rows.Scan(
			&r.FieldID, &r.ScheduleID, &r.StartTime, &r.EndTime, &r.InitialLevelCm, &r.TargetLevelCm,
			&r.AchievedLevelCm, &r.TotalDurationMin, &r.WaterVolumeLiters, &r.AvgFlowRateCmPerMin, &r.EfficiencyScore,
		); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// --- Sensor Readings ---

func (s *PostgresStore) LatestWaterLevel(ctx context.Context, fieldID string) (*WaterLevelReading, error) {
	query := `
		SELECT time, sensor_id, field_id, water_level_cm, source
		FROM water_level_readings WHERE field_id = $1
		ORDER BY time DESC LIMIT 1
	`
	var r WaterLevelReading
	err := s.pool.QueryRow(ctx, query, fieldID).Scan(&r.Time, &r.SensorID, &r.FieldID, &r.WaterLevelCm, &r.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) LatestMoisture(ctx context.Context, fieldID string) (*MoistureReading, error) {
	query := `
		SELECT time, sensor_id, field_id, moisture_percent, depth_cm
		FROM moisture_readings WHERE field_id = $1
		ORDER BY time DESC LIMIT 1
	`
	var r MoistureReading
	err := s.pool.QueryRow(ctx, query, fieldID).Scan(&r.Time, &r.SensorID, &r.FieldID, &r.MoisturePercent, &r.DepthCm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Gate Infrastructure ---

func (s *PostgresStore) StationForField(ctx context.Context, fieldID string) (string, error) {
	query := `SELECT station_code FROM field_gate_mapping WHERE field_id = $1`
	var station string
	err := s.pool.QueryRow(ctx, query, fieldID).Scan(&station)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return station, nil
}

func (s *PostgresStore) InsertGateCommand(ctx context.Context, cmd *GateCommand) error {
	query := `
		INSERT INTO scada_command_log (scada_command_id, field_id, gate_name, gate_level, target_flow_rate, command_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		cmd.CommandID, cmd.FieldID, cmd.StationCode, cmd.GateLevel, cmd.TargetFlowRateM3s, cmd.StartTime, cmd.Status,
	)
	return err
}

func (s *PostgresStore) UpdateGateCommandStatus(ctx context.Context, commandID string, status string, completedAt *time.Time) error {
	query := `UPDATE scada_command_log SET status = $2, completed_at = $3 WHERE scada_command_id = $1`
	_, err := s.pool.Exec(ctx, query, commandID, status, completedAt)
	return err
}

func (s *PostgresStore) ListOpenGateCommands(ctx context.Context, since time.Time) ([]*GateCommand, error) {
	query := `
		SELECT scada_command_id, field_id, gate_name, gate_level, target_flow_rate, command_time, status, completed_at
		FROM scada_command_log WHERE status = 'sent' AND command_time >= $1
	`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []*GateCommand
	for rows.Next() {
		var c GateCommand
		if err := rows.Scan(
			&c.CommandID, &c.FieldID, &c.StationCode, &c.GateLevel, &c.TargetFlowRateM3s,
			&c.StartTime, &c.Status, &c.CompletedAt,
		); err != nil {
			return nil, err
		}
		cmds = append(cmds, &c)
	}
	return cmds, rows.Err()
}
