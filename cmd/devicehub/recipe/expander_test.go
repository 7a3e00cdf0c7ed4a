package recipe

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

type fakeLoader struct {
	recipes  map[uuid.UUID]*datamodel.Recipe
	commands map[uuid.UUID]*datamodel.Command
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		recipes:  map[uuid.UUID]*datamodel.Recipe{},
		commands: map[uuid.UUID]*datamodel.Command{},
	}
}

func (f *fakeLoader) GetRecipe(_ context.Context, id uuid.UUID) (*datamodel.Recipe, error) {
	return f.recipes[id], nil
}

func (f *fakeLoader) GetCommand(_ context.Context, id uuid.UUID) (*datamodel.Command, error) {
	return f.commands[id], nil
}

func (f *fakeLoader) addCommand(name string) uuid.UUID {
	id := uuid.New()
	f.commands[id] = &datamodel.Command{ID: id, Name: name, DisplayName: name}
	return id
}

func commandStep(order int32, cycles int32, commandID uuid.UUID) datamodel.RecipeStep {
	return datamodel.RecipeStep{ID: uuid.New(), Order: order, Cycles: cycles, CommandID: &commandID}
}

func subrecipeStep(order int32, cycles int32, recipeID uuid.UUID) datamodel.RecipeStep {
	return datamodel.RecipeStep{ID: uuid.New(), Order: order, Cycles: cycles, SubrecipeID: &recipeID}
}

func names(commands []datamodel.JobCommand) []string {
	out := make([]string, len(commands))
	for i, c := range commands {
		out[i] = c.Name
	}
	return out
}

func TestExpandOrderAndCycles(t *testing.T) {
	loader := newFakeLoader()
	cmdA := loader.addCommand("A")
	cmdB := loader.addCommand("B")

	subID := uuid.New()
	loader.recipes[subID] = &datamodel.Recipe{
		ID:    subID,
		Name:  "sub",
		Steps: []datamodel.RecipeStep{commandStep(0, 1, cmdB)},
	}

	rootID := uuid.New()
	loader.recipes[rootID] = &datamodel.Recipe{
		ID:   rootID,
		Name: "root",
		Steps: []datamodel.RecipeStep{
			commandStep(0, 2, cmdA),
			subrecipeStep(1, 3, subID),
		},
	}

	commands, err := NewExpander(loader).Expand(context.Background(), rootID, DefaultMaxDepth)
	assert.NoError(t, err)
	assert.Equal(t, []string{"A", "A", "B", "B", "B"}, names(commands))

	for i, cmd := range commands {
		assert.Equal(t, int32(i), cmd.Order)
	}
}

func TestExpandStepOrderNotInsertionOrder(t *testing.T) {
	loader := newFakeLoader()
	cmdA := loader.addCommand("A")
	cmdB := loader.addCommand("B")

	rootID := uuid.New()
	loader.recipes[rootID] = &datamodel.Recipe{
		ID:   rootID,
		Name: "root",
		Steps: []datamodel.RecipeStep{
			commandStep(5, 1, cmdB),
			commandStep(1, 1, cmdA),
		},
	}

	commands, err := NewExpander(loader).Expand(context.Background(), rootID, DefaultMaxDepth)
	assert.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(commands))
}

func TestExpandSelfNestingIsDepthBounded(t *testing.T) {
	loader := newFakeLoader()
	cmdA := loader.addCommand("A")

	rootID := uuid.New()
	loader.recipes[rootID] = &datamodel.Recipe{
		ID:   rootID,
		Name: "loop",
		Steps: []datamodel.RecipeStep{
			commandStep(0, 1, cmdA),
			subrecipeStep(1, 1, rootID),
		},
	}

	commands, err := NewExpander(loader).Expand(context.Background(), rootID, 5)
	assert.NoError(t, err)
	// One A per depth level, truncated instead of recursing forever.
	assert.Equal(t, []string{"A", "A", "A", "A", "A"}, names(commands))
}

func TestExpandRootNotFound(t *testing.T) {
	loader := newFakeLoader()
	_, err := NewExpander(loader).Expand(context.Background(), uuid.New(), DefaultMaxDepth)
	assert.ErrorIs(t, err, datamodel.ErrNotFound)
}

func TestExpandMissingSubrecipeSkipped(t *testing.T) {
	loader := newFakeLoader()
	cmdA := loader.addCommand("A")

	rootID := uuid.New()
	loader.recipes[rootID] = &datamodel.Recipe{
		ID:   rootID,
		Name: "root",
		Steps: []datamodel.RecipeStep{
			commandStep(0, 1, cmdA),
			subrecipeStep(1, 2, uuid.New()),
		},
	}

	commands, err := NewExpander(loader).Expand(context.Background(), rootID, DefaultMaxDepth)
	assert.NoError(t, err)
	assert.Equal(t, []string{"A"}, names(commands))
}
