package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// GetEdgeNodeByToken resolves an edge node by its sync token, nil when
// unknown.
func (c *Connection) GetEdgeNodeByToken(ctx context.Context, token string) (*datamodel.EdgeNode, error) {
	var n datamodel.EdgeNode
	err := c.db.QueryRow(ctx, `
		SELECT id, name, token, owner_email, update_rate_seconds
		FROM edge_nodes WHERE token = $1`, token).
		Scan(&n.ID, &n.Name, &n.Token, &n.OwnerEmail, &n.UpdateRateSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetFirmware loads firmware metadata scoped to its template, nil when
// missing.
func (c *Connection) GetFirmware(ctx context.Context, templateID uuid.UUID, firmwareID uuid.UUID) (*datamodel.Firmware, error) {
	var f datamodel.Firmware
	err := c.db.QueryRow(ctx, `
		SELECT id, template_id, version_number, is_active, original_name, stored_file_name
		FROM firmwares WHERE id = $1 AND template_id = $2`, firmwareID, templateID).
		Scan(&f.ID, &f.TemplateID, &f.VersionNumber, &f.IsActive, &f.OriginalName, &f.StoredFileName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetHubSnapshot assembles the owner-scoped catalog an edge node mirrors:
// every template with its sensors, commands, recipes, controls and firmware
// metadata, plus the owner's devices.
func (c *Connection) GetHubSnapshot(ctx context.Context, ownerEmail string) (*datamodel.HubSnapshot, error) {
	templates, err := c.listTemplates(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		if err := c.fillTemplate(ctx, &templates[i]); err != nil {
			return nil, err
		}
	}

	devices, err := c.ListDevicesByOwner(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}
	return &datamodel.HubSnapshot{Templates: templates, Devices: devices}, nil
}

func (c *Connection) listTemplates(ctx context.Context, ownerEmail string) ([]datamodel.DeviceTemplate, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, owner_email, name, device_type
		FROM device_templates WHERE owner_email = $1 ORDER BY name`, ownerEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datamodel.DeviceTemplate
	for rows.Next() {
		var t datamodel.DeviceTemplate
		if err := rows.Scan(&t.ID, &t.OwnerEmail, &t.Name, &t.DeviceType); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *Connection) fillTemplate(ctx context.Context, t *datamodel.DeviceTemplate) error {
	rows, err := c.db.Query(ctx, `
		SELECT id, template_id, tag, name, unit, sensor_order, accuracy_decimals, sensor_group
		FROM sensors WHERE template_id = $1 ORDER BY sensor_order`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var s datamodel.Sensor
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.Tag, &s.Name, &s.Unit, &s.Order,
			&s.AccuracyDecimals, &s.Group); err != nil {
			rows.Close()
			return err
		}
		t.Sensors = append(t.Sensors, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = c.db.Query(ctx, `
		SELECT id, template_id, display_name, name, params
		FROM commands WHERE template_id = $1 ORDER BY name`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var cmd datamodel.Command
		if err := rows.Scan(&cmd.ID, &cmd.TemplateID, &cmd.DisplayName, &cmd.Name, &cmd.Params); err != nil {
			rows.Close()
			return err
		}
		t.Commands = append(t.Commands, cmd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	recipeRows, err := c.db.Query(ctx, `
		SELECT id FROM recipes WHERE template_id = $1 ORDER BY name`, t.ID)
	if err != nil {
		return err
	}
	var recipeIDs []uuid.UUID
	for recipeRows.Next() {
		var id uuid.UUID
		if err := recipeRows.Scan(&id); err != nil {
			recipeRows.Close()
			return err
		}
		recipeIDs = append(recipeIDs, id)
	}
	recipeRows.Close()
	if err := recipeRows.Err(); err != nil {
		return err
	}
	for _, id := range recipeIDs {
		recipe, err := c.GetRecipe(ctx, id)
		if err != nil {
			return err
		}
		if recipe != nil {
			t.Recipes = append(t.Recipes, *recipe)
		}
	}

	rows, err = c.db.Query(ctx, `
		SELECT id, template_id, name, color, control_type, cycles, is_infinite,
			control_order, recipe_id, recipe_on_id, recipe_off_id, sensor_id
		FROM device_controls WHERE template_id = $1 ORDER BY control_order`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var ctrl datamodel.DeviceControl
		if err := rows.Scan(&ctrl.ID, &ctrl.TemplateID, &ctrl.Name, &ctrl.Color, &ctrl.Type,
			&ctrl.Cycles, &ctrl.IsInfinite, &ctrl.Order, &ctrl.RecipeID,
			&ctrl.RecipeOnID, &ctrl.RecipeOffID, &ctrl.SensorID); err != nil {
			rows.Close()
			return err
		}
		t.Controls = append(t.Controls, ctrl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = c.db.Query(ctx, `
		SELECT id, template_id, version_number, is_active, original_name, stored_file_name
		FROM firmwares WHERE template_id = $1 ORDER BY version_number`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var f datamodel.Firmware
		if err := rows.Scan(&f.ID, &f.TemplateID, &f.VersionNumber, &f.IsActive,
			&f.OriginalName, &f.StoredFileName); err != nil {
			rows.Close()
			return err
		}
		t.Firmwares = append(t.Firmwares, f)
	}
	rows.Close()
	return rows.Err()
}
