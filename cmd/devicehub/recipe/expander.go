// Package recipe flattens stored recipe trees into the ordered command
// sequence a job carries. Expansion happens once at job creation, the result
// is frozen, later recipe edits never touch in-flight jobs.
package recipe

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// DefaultMaxDepth bounds sub-recipe nesting during expansion.
const DefaultMaxDepth = 20

// Loader resolves recipes and commands by id. The datastore is an opaque
// collaborator here, any conforming implementation will do.
type Loader interface {
	GetRecipe(ctx context.Context, id uuid.UUID) (*datamodel.Recipe, error)
	GetCommand(ctx context.Context, id uuid.UUID) (*datamodel.Command, error)
}

// Expander turns a recipe id into the flattened command list of a job.
type Expander struct {
	loader Loader
}

func NewExpander(loader Loader) *Expander {
	return &Expander{loader: loader}
}

// Expand resolves the recipe's step tree depth-first in step order, repeating
// each step its cycle count times. Sub-recipes expand recursively.
//
// Expansion is depth-bounded, not cycle-checked: a recipe that references an
// ancestor simply stops contributing commands once maxDepth is reached and
// the result is partial beyond that depth, with a warning per skipped step.
// This mirrors the write path, which does not reject cyclic references
// either.
func (e *Expander) Expand(ctx context.Context, recipeID uuid.UUID, maxDepth int) ([]datamodel.JobCommand, error) {
	root, err := e.loader.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("recipe %s: %w", recipeID, datamodel.ErrNotFound)
	}

	var commands []datamodel.JobCommand
	for _, step := range sortedSteps(root.Steps) {
		expanded, err := e.expandStep(ctx, &step, 0, maxDepth)
		if err != nil {
			return nil, err
		}
		commands = append(commands, expanded...)
	}

	for i := range commands {
		commands[i].Order = int32(i)
	}
	return commands, nil
}

func (e *Expander) expandStep(ctx context.Context, step *datamodel.RecipeStep, depth int, maxDepth int) ([]datamodel.JobCommand, error) {
	if depth >= maxDepth {
		zap.S().Warnf("Recipe expansion truncated at depth %d, step %s", depth, step.ID)
		return nil, nil
	}

	var commands []datamodel.JobCommand
	for cycle := int32(0); cycle < step.Cycles; cycle++ {
		if step.IsCommand() {
			cmd, err := e.loader.GetCommand(ctx, *step.CommandID)
			if err != nil {
				return nil, err
			}
			if cmd == nil {
				zap.S().Warnf("Recipe step %s references missing command %s, skipping", step.ID, step.CommandID)
				continue
			}
			commands = append(commands, datamodel.JobCommand{
				OriginalCommandID: cmd.ID,
				DisplayName:       cmd.DisplayName,
				Name:              cmd.Name,
				Params:            append([]float64(nil), cmd.Params...),
			})
		}

		if step.IsSubrecipe() {
			sub, err := e.loader.GetRecipe(ctx, *step.SubrecipeID)
			if err != nil {
				return nil, err
			}
			if sub == nil {
				zap.S().Warnf("Recipe step %s references missing sub-recipe %s, skipping", step.ID, step.SubrecipeID)
				continue
			}
			for _, subStep := range sortedSteps(sub.Steps) {
				expanded, err := e.expandStep(ctx, &subStep, depth+1, maxDepth)
				if err != nil {
					return nil, err
				}
				commands = append(commands, expanded...)
			}
		}
	}
	return commands, nil
}

func sortedSteps(steps []datamodel.RecipeStep) []datamodel.RecipeStep {
	out := append([]datamodel.RecipeStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
