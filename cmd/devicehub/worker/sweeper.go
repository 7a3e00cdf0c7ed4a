package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var jobsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicehub_jobs_timed_out_total",
	Help: "Queued jobs expired by the timeout sweeper",
})

// SweeperStore is the database surface of the timeout sweeper.
type SweeperStore interface {
	ListQueuedJobsBefore(ctx context.Context, cutoff time.Time) ([]*datamodel.Job, error)
	UpdateJob(ctx context.Context, job *datamodel.Job) error
}

// JobPusher mirrors expired jobs to live subscribers. May be nil.
type JobPusher interface {
	PushJob(job *datamodel.Job)
}

const (
	// A job still queued after two hours will not be picked up anymore, its
	// device is offline or busy with an infinite job.
	jobTimeout    = 2 * time.Hour
	sweepInterval = time.Minute
)

// Sweeper expires jobs that sat queued past the timeout window.
type Sweeper struct {
	store SweeperStore
	live  JobPusher
	now   func() time.Time
}

func NewSweeper(store SweeperStore, live JobPusher) *Sweeper {
	return &Sweeper{store: store, live: live, now: time.Now}
}

// Run sweeps once a minute until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepOnce(ctx); n > 0 {
				zap.S().Infof("Timed out %d queued jobs", n)
			}
		}
	}
}

// SweepOnce expires every job queued longer than the timeout and returns
// how many it expired. Individual failures are logged and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-jobTimeout)
	stale, err := s.store.ListQueuedJobsBefore(ctx, cutoff)
	if err != nil {
		zap.S().Errorf("Failed to list stale queued jobs: %s", err)
		return 0
	}

	expired := 0
	now := s.now().UTC()
	for _, job := range stale {
		job.Status = datamodel.JobTimedOut
		finished := now
		job.FinishedAt = &finished
		if err := s.store.UpdateJob(ctx, job); err != nil {
			zap.S().Errorf("Failed to time out job %s: %s", job.ID, err)
			continue
		}
		jobsTimedOut.Inc()
		expired++
		if s.live != nil {
			s.live.PushJob(job)
		}
	}
	return expired
}
