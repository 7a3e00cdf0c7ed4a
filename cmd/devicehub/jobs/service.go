package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/recipe"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// Store is the persistence surface the job service needs.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*datamodel.Job, error)
	InsertJob(ctx context.Context, job *datamodel.Job) error
	UpdateJob(ctx context.Context, job *datamodel.Job) error
	// ListActiveJobs returns InProgress and Paused jobs of a device,
	// plus Queued ones when includeQueued is set.
	ListActiveJobs(ctx context.Context, deviceID uuid.UUID, includeQueued bool) ([]*datamodel.Job, error)
	// NextQueuedJob returns the oldest Queued job of a device, nil when none.
	NextQueuedJob(ctx context.Context, deviceID uuid.UUID) (*datamodel.Job, error)
}

// Service creates jobs from recipes and applies device status reports.
type Service struct {
	store    Store
	expander *recipe.Expander
	now      func() time.Time
}

func NewService(store Store, loader recipe.Loader) *Service {
	return &Service{
		store:    store,
		expander: recipe.NewExpander(loader),
		now:      time.Now,
	}
}

// CreateFromRecipe expands the recipe and persists a new Queued job carrying
// the frozen command list. Cycles below 1 are clamped to 1.
func (s *Service) CreateFromRecipe(ctx context.Context, deviceID uuid.UUID, recipeID uuid.UUID, name string, cycles int32, isInfinite bool) (*datamodel.Job, error) {
	commands, err := s.expander.Expand(ctx, recipeID, recipe.DefaultMaxDepth)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("recipe %s expands to no commands: %w", recipeID, datamodel.ErrValidation)
	}
	if cycles < 1 {
		cycles = 1
	}

	job := &datamodel.Job{
		ID:           uuid.New(),
		DeviceID:     deviceID,
		Name:         name,
		Commands:     commands,
		Status:       datamodel.JobQueued,
		CurrentStep:  1,
		TotalSteps:   int32(len(commands)),
		CurrentCycle: 1,
		TotalCycles:  cycles,
		IsInfinite:   isInfinite,
		CreatedAt:    s.now().UTC(),
	}
	for i := range job.Commands {
		job.Commands[i].ID = uuid.New()
		job.Commands[i].JobID = job.ID
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	zap.S().Infof("Created job %s (%s) for device %s, %d commands, %d cycles", job.ID, job.Name, deviceID, job.TotalSteps, job.TotalCycles)
	return job, nil
}

// ApplyStatusReport merges a device report into the stored job and persists
// the result. The report wins even when it violates the transition table.
func (s *Service) ApplyStatusReport(ctx context.Context, jobID uuid.UUID, report *StatusReport) (*datamodel.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, datamodel.ErrNotFound)
	}

	Apply(job, report)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// FailActiveJobs force-fails every InProgress and Paused job of a device,
// plus Queued ones when includeQueued is set. Returns how many were failed.
// Failures on single jobs are logged, not fatal, the sweep keeps going.
func (s *Service) FailActiveJobs(ctx context.Context, deviceID uuid.UUID, includeQueued bool) (int, error) {
	active, err := s.store.ListActiveJobs(ctx, deviceID, includeQueued)
	if err != nil {
		return 0, err
	}

	failed := 0
	now := s.now()
	for _, job := range active {
		ForceFail(job, now)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			zap.S().Errorf("Failed to persist forced failure of job %s: %s", job.ID, err)
			continue
		}
		failed++
	}
	if failed > 0 {
		zap.S().Infof("Force-failed %d jobs of device %s", failed, deviceID)
	}
	return failed, nil
}

// NextQueuedJob returns the oldest Queued job of a device, nil when the
// queue is empty.
func (s *Service) NextQueuedJob(ctx context.Context, deviceID uuid.UUID) (*datamodel.Job, error) {
	return s.store.NextQueuedJob(ctx, deviceID)
}

// GetJob loads one job, ErrNotFound when it does not exist.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*datamodel.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, datamodel.ErrNotFound)
	}
	return job, nil
}
