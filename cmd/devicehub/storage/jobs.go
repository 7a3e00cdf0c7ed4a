package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

const jobColumns = `id, device_id, name, status, current_step, total_steps,
	current_cycle, total_cycles, paused, is_infinite, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*datamodel.Job, error) {
	var j datamodel.Job
	err := row.Scan(&j.ID, &j.DeviceID, &j.Name, &j.Status, &j.CurrentStep, &j.TotalSteps,
		&j.CurrentCycle, &j.TotalCycles, &j.Paused, &j.IsInfinite, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Connection) loadJobCommands(ctx context.Context, job *datamodel.Job) error {
	rows, err := c.db.Query(ctx, `
		SELECT id, job_id, original_command_id, command_order, display_name, name, params
		FROM job_commands WHERE job_id = $1 ORDER BY command_order`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cmd datamodel.JobCommand
		if err := rows.Scan(&cmd.ID, &cmd.JobID, &cmd.OriginalCommandID, &cmd.Order,
			&cmd.DisplayName, &cmd.Name, &cmd.Params); err != nil {
			return err
		}
		job.Commands = append(job.Commands, cmd)
	}
	return rows.Err()
}

// GetJob loads a job with its frozen command list, nil when missing.
func (c *Connection) GetJob(ctx context.Context, id uuid.UUID) (*datamodel.Job, error) {
	job, err := scanJob(c.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil || job == nil {
		return job, err
	}
	if err := c.loadJobCommands(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// InsertJob stores the job and its commands in one transaction.
func (c *Connection) InsertJob(ctx context.Context, job *datamodel.Job) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.DeviceID, job.Name, job.Status, job.CurrentStep, job.TotalSteps,
		job.CurrentCycle, job.TotalCycles, job.Paused, job.IsInfinite,
		job.CreatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return err
	}

	for _, cmd := range job.Commands {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_commands (id, job_id, original_command_id, command_order, display_name, name, params)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cmd.ID, cmd.JobID, cmd.OriginalCommandID, cmd.Order, cmd.DisplayName, cmd.Name, cmd.Params)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateJob persists the mutable execution state of a job. The command list
// is frozen at creation and never updated.
func (c *Connection) UpdateJob(ctx context.Context, job *datamodel.Job) error {
	_, err := c.db.Exec(ctx, `
		UPDATE jobs SET status = $2, current_step = $3, total_steps = $4,
			current_cycle = $5, total_cycles = $6, paused = $7,
			started_at = $8, finished_at = $9
		WHERE id = $1`,
		job.ID, job.Status, job.CurrentStep, job.TotalSteps,
		job.CurrentCycle, job.TotalCycles, job.Paused, job.StartedAt, job.FinishedAt)
	return err
}

func (c *Connection) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*datamodel.Job, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*datamodel.Job
	for rows.Next() {
		var j datamodel.Job
		if err := rows.Scan(&j.ID, &j.DeviceID, &j.Name, &j.Status, &j.CurrentStep, &j.TotalSteps,
			&j.CurrentCycle, &j.TotalCycles, &j.Paused, &j.IsInfinite, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ListActiveJobs returns InProgress and Paused jobs of a device, plus Queued
// ones when includeQueued is set. Commands are not loaded, callers only
// mutate status here.
func (c *Connection) ListActiveJobs(ctx context.Context, deviceID uuid.UUID, includeQueued bool) ([]*datamodel.Job, error) {
	statuses := []datamodel.JobStatus{datamodel.JobInProgress, datamodel.JobPaused}
	if includeQueued {
		statuses = append(statuses, datamodel.JobQueued)
	}
	return c.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = $1 AND status = ANY($2)
		ORDER BY created_at`, deviceID, statuses)
}

// ListJobs returns the newest jobs of a device.
func (c *Connection) ListJobs(ctx context.Context, deviceID uuid.UUID, limit int32) ([]*datamodel.Job, error) {
	return c.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
}

// NextQueuedJob returns the oldest Queued job of a device with its command
// list, nil when the queue is empty.
func (c *Connection) NextQueuedJob(ctx context.Context, deviceID uuid.UUID) (*datamodel.Job, error) {
	job, err := scanJob(c.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = $1 AND status = $2
		ORDER BY created_at LIMIT 1`, deviceID, datamodel.JobQueued))
	if err != nil || job == nil {
		return job, err
	}
	if err := c.loadJobCommands(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListQueuedJobsBefore returns Queued jobs created before the cutoff, the
// timeout sweeper's input.
func (c *Connection) ListQueuedJobsBefore(ctx context.Context, cutoff time.Time) ([]*datamodel.Job, error) {
	return c.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, datamodel.JobQueued, cutoff)
}
