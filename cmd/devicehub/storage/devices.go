package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

const deviceColumns = `id, template_id, name, access_token, mac, protocol,
	sample_rate_seconds, retention_days, firmware_version`

func scanDevice(row pgx.Row) (*datamodel.Device, error) {
	var d datamodel.Device
	err := row.Scan(&d.ID, &d.TemplateID, &d.Name, &d.AccessToken, &d.Mac,
		&d.Protocol, &d.SampleRateSeconds, &d.RetentionDays, &d.FirmwareVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeviceByToken resolves a device by its access token, ARC-cached. The
// cache key is a hash so raw tokens never sit in process memory twice.
func (c *Connection) GetDeviceByToken(ctx context.Context, accessToken string) (*datamodel.Device, error) {
	cacheKey := internal.AsXXHash([]byte("token"), []byte(accessToken))
	if cached, found := c.deviceCache.Get(cacheKey); found {
		return cached.(*datamodel.Device), nil
	}

	device, err := scanDevice(c.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE access_token = $1`, accessToken))
	if err != nil || device == nil {
		return device, err
	}
	c.deviceCache.Add(cacheKey, device)
	return device, nil
}

// GetDevice loads one device by id, nil when missing.
func (c *Connection) GetDevice(ctx context.Context, id uuid.UUID) (*datamodel.Device, error) {
	return scanDevice(c.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

// ListDevicesByOwner returns the devices whose template belongs to owner.
func (c *Connection) ListDevicesByOwner(ctx context.Context, ownerEmail string) ([]datamodel.Device, error) {
	rows, err := c.db.Query(ctx, `
		SELECT d.id, d.template_id, d.name, d.access_token, d.mac, d.protocol,
			d.sample_rate_seconds, d.retention_days, d.firmware_version
		FROM devices d
		JOIN device_templates t ON t.id = d.template_id
		WHERE t.owner_email = $1
		ORDER BY d.name`, ownerEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []datamodel.Device
	for rows.Next() {
		var d datamodel.Device
		if err := rows.Scan(&d.ID, &d.TemplateID, &d.Name, &d.AccessToken, &d.Mac,
			&d.Protocol, &d.SampleRateSeconds, &d.RetentionDays, &d.FirmwareVersion); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDeviceSampleRate stores the sample rate a device reported through
// the reserved telemetry tag.
func (c *Connection) UpdateDeviceSampleRate(ctx context.Context, id uuid.UUID, seconds int32) error {
	_, err := c.db.Exec(ctx,
		`UPDATE devices SET sample_rate_seconds = $2 WHERE id = $1`, id, seconds)
	return err
}

// UpdateDeviceFirmwareVersion records the version a device reported after
// an update.
func (c *Connection) UpdateDeviceFirmwareVersion(ctx context.Context, id uuid.UUID, version string) error {
	_, err := c.db.Exec(ctx,
		`UPDATE devices SET firmware_version = $2 WHERE id = $1`, id, version)
	return err
}
