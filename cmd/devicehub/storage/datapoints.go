package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// InsertDataPoints bulk-inserts a batch into the hypertable via COPY.
func (c *Connection) InsertDataPoints(ctx context.Context, points []datamodel.DataPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	rows := make([][]interface{}, len(points))
	for i, p := range points {
		rows[i] = []interface{}{
			p.DeviceID, p.SensorTag, p.Timestamp, p.Value,
			p.Latitude, p.Longitude, p.GridX, p.GridY,
		}
	}
	return c.db.CopyFrom(ctx,
		pgx.Identifier{"data_points"},
		[]string{"device_id", "sensor_tag", "ts", "value", "latitude", "longitude", "grid_x", "grid_y"},
		pgx.CopyFromRows(rows))
}

// GetLatestDataPoint returns the newest point of one sensor, nil when the
// sensor has no data.
func (c *Connection) GetLatestDataPoint(ctx context.Context, deviceID uuid.UUID, tag string) (*datamodel.DataPoint, error) {
	var p datamodel.DataPoint
	err := c.db.QueryRow(ctx, `
		SELECT device_id, sensor_tag, ts, value, latitude, longitude, grid_x, grid_y
		FROM data_points
		WHERE device_id = $1 AND sensor_tag = $2
		ORDER BY ts DESC LIMIT 1`, deviceID, tag).
		Scan(&p.DeviceID, &p.SensorTag, &p.Timestamp, &p.Value,
			&p.Latitude, &p.Longitude, &p.GridX, &p.GridY)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetDataPointsRange returns one sensor's points in [from, to], newest
// first.
func (c *Connection) GetDataPointsRange(ctx context.Context, deviceID uuid.UUID, tag string, from time.Time, to time.Time) ([]datamodel.DataPoint, error) {
	rows, err := c.db.Query(ctx, `
		SELECT device_id, sensor_tag, ts, value, latitude, longitude, grid_x, grid_y
		FROM data_points
		WHERE device_id = $1 AND sensor_tag = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts DESC`, deviceID, tag, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datamodel.DataPoint
	for rows.Next() {
		var p datamodel.DataPoint
		if err := rows.Scan(&p.DeviceID, &p.SensorTag, &p.Timestamp, &p.Value,
			&p.Latitude, &p.Longitude, &p.GridX, &p.GridY); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountDataPoints counts a device's points, optionally bounded in time.
func (c *Connection) CountDataPoints(ctx context.Context, deviceID uuid.UUID, from *time.Time, to *time.Time) (int64, error) {
	var count int64
	err := c.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM data_points
		WHERE device_id = $1
			AND ($2::timestamptz IS NULL OR ts >= $2)
			AND ($3::timestamptz IS NULL OR ts <= $3)`,
		deviceID, from, to).Scan(&count)
	return count, err
}

// DeleteDataPointsBatch deletes at most limit points of a device in
// [from, to] and returns how many went away. Retention and user deletes run
// this in a loop so no single statement locks the hypertable for long.
func (c *Connection) DeleteDataPointsBatch(ctx context.Context, deviceID uuid.UUID, from time.Time, to time.Time, limit int64) (int64, error) {
	tag, err := c.db.Exec(ctx, `
		DELETE FROM data_points
		WHERE ctid IN (
			SELECT ctid FROM data_points
			WHERE device_id = $1 AND ts >= $2 AND ts <= $3
			LIMIT $4
		)`, deviceID, from, to, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
