package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// GetRecipe loads a recipe with its steps, nil when missing.
func (c *Connection) GetRecipe(ctx context.Context, id uuid.UUID) (*datamodel.Recipe, error) {
	var r datamodel.Recipe
	err := c.db.QueryRow(ctx,
		`SELECT id, template_id, name FROM recipes WHERE id = $1`, id).
		Scan(&r.ID, &r.TemplateID, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.Query(ctx, `
		SELECT id, recipe_id, step_order, cycles, command_id, subrecipe_id
		FROM recipe_steps WHERE recipe_id = $1 ORDER BY step_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s datamodel.RecipeStep
		if err := rows.Scan(&s.ID, &s.RecipeID, &s.Order, &s.Cycles, &s.CommandID, &s.SubrecipeID); err != nil {
			return nil, err
		}
		r.Steps = append(r.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetCommand loads one command, nil when missing.
func (c *Connection) GetCommand(ctx context.Context, id uuid.UUID) (*datamodel.Command, error) {
	var cmd datamodel.Command
	err := c.db.QueryRow(ctx,
		`SELECT id, template_id, display_name, name, params FROM commands WHERE id = $1`, id).
		Scan(&cmd.ID, &cmd.TemplateID, &cmd.DisplayName, &cmd.Name, &cmd.Params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}
