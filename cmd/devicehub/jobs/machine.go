// Package jobs owns job construction and the status state machine.
//
//	Queued -> InProgress -> {Succeeded, Failed, Canceled, TimedOut}
//	Queued -> Rejected
//	InProgress <-> Paused
//
// Devices report status over an at-least-once transport, so the machine
// treats the reported status as authoritative (last-write-wins) and only
// flags transitions that fall outside the table. Rejecting them outright
// would strand jobs whenever a report arrives late or twice.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var invalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicehub_job_invalid_transitions_total",
	Help: "Job status reports that violated the transition table but were applied anyway",
})

// StatusReport is a device-reported execution snapshot of one job.
type StatusReport struct {
	Status       datamodel.JobStatus
	CurrentStep  int32
	TotalSteps   int32
	CurrentCycle int32
	TotalCycles  int32
	Paused       bool
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

var transitions = map[datamodel.JobStatus][]datamodel.JobStatus{
	datamodel.JobQueued:     {datamodel.JobInProgress, datamodel.JobRejected},
	datamodel.JobInProgress: {datamodel.JobPaused, datamodel.JobSucceeded, datamodel.JobFailed, datamodel.JobCanceled, datamodel.JobTimedOut},
	datamodel.JobPaused:     {datamodel.JobInProgress},
}

// ValidTransition reports whether from -> to is in the transition table.
// Same-state reports are valid, devices re-send snapshots periodically.
func ValidTransition(from datamodel.JobStatus, to datamodel.JobStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Apply writes the report onto the job, last-write-wins. Returns true when
// the status change violated the transition table.
func Apply(job *datamodel.Job, report *StatusReport) (flagged bool) {
	if !ValidTransition(job.Status, report.Status) {
		flagged = true
		invalidTransitions.Inc()
		zap.S().Warnf("Job %s: out-of-order status report %s -> %s, applying anyway", job.ID, job.Status, report.Status)
	}

	job.Status = report.Status
	job.CurrentStep = report.CurrentStep
	job.TotalSteps = report.TotalSteps
	job.CurrentCycle = report.CurrentCycle
	job.TotalCycles = report.TotalCycles
	job.Paused = report.Paused
	if report.StartedAt != nil {
		job.StartedAt = report.StartedAt
	}
	if report.FinishedAt != nil {
		job.FinishedAt = report.FinishedAt
	}
	return flagged
}

// ForceFail marks a job failed at now. Used when the owning device dropped
// mid-execution, which is a failure, never a success.
func ForceFail(job *datamodel.Job, now time.Time) {
	job.Status = datamodel.JobFailed
	finished := now.UTC()
	job.FinishedAt = &finished
}
