package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

const scheduleColumns = `id, device_id, recipe_id, schedule_type, interval_unit,
	interval_value, start_time, end_time, cycles, is_active, week_days`

func scanSchedule(row pgx.Row) (*datamodel.JobSchedule, error) {
	var s datamodel.JobSchedule
	var intervalUnit *int32
	var weekDays []int32
	err := row.Scan(&s.ID, &s.DeviceID, &s.RecipeID, &s.Type, &intervalUnit,
		&s.IntervalValue, &s.StartTime, &s.EndTime, &s.Cycles, &s.IsActive, &weekDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if intervalUnit != nil {
		unit := datamodel.ScheduleInterval(*intervalUnit)
		s.Interval = &unit
	}
	for _, d := range weekDays {
		s.WeekDays = append(s.WeekDays, time.Weekday(d))
	}
	return &s, nil
}

// GetSchedule loads one schedule, nil when missing.
func (c *Connection) GetSchedule(ctx context.Context, id uuid.UUID) (*datamodel.JobSchedule, error) {
	return scanSchedule(c.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE id = $1`, id))
}

// ListActiveSchedules returns every active schedule, the engine's bootstrap
// input.
func (c *Connection) ListActiveSchedules(ctx context.Context) ([]datamodel.JobSchedule, error) {
	rows, err := c.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datamodel.JobSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpsertSchedule stores or replaces a schedule.
func (c *Connection) UpsertSchedule(ctx context.Context, s *datamodel.JobSchedule) error {
	var intervalUnit *int32
	if s.Interval != nil {
		unit := int32(*s.Interval)
		intervalUnit = &unit
	}
	weekDays := make([]int32, 0, len(s.WeekDays))
	for _, d := range s.WeekDays {
		weekDays = append(weekDays, int32(d))
	}

	_, err := c.db.Exec(ctx, `
		INSERT INTO job_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			recipe_id = EXCLUDED.recipe_id,
			schedule_type = EXCLUDED.schedule_type,
			interval_unit = EXCLUDED.interval_unit,
			interval_value = EXCLUDED.interval_value,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			cycles = EXCLUDED.cycles,
			is_active = EXCLUDED.is_active,
			week_days = EXCLUDED.week_days`,
		s.ID, s.DeviceID, s.RecipeID, s.Type, intervalUnit, s.IntervalValue,
		s.StartTime, s.EndTime, s.Cycles, s.IsActive, weekDays)
	return err
}

// DeleteSchedule removes a schedule.
func (c *Connection) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.Exec(ctx, `DELETE FROM job_schedules WHERE id = $1`, id)
	return err
}

// DeactivateSchedule flips a schedule inactive, used after one-shots fire.
func (c *Connection) DeactivateSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.Exec(ctx, `UPDATE job_schedules SET is_active = FALSE WHERE id = $1`, id)
	return err
}
