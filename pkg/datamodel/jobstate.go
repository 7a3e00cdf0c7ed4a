package datamodel

// JobStatus is the execution state of a job as reported by the device.
type JobStatus int32

const (
	// JobQueued means the job has been created but not yet picked up by the device
	JobQueued JobStatus = 0

	// JobInProgress means the device is currently executing the job
	JobInProgress JobStatus = 1

	// JobPaused means the device has paused execution and can resume
	JobPaused JobStatus = 2

	// JobSucceeded means the device finished every command of the job
	JobSucceeded JobStatus = 3

	// JobRejected means the device refused the job before starting it
	JobRejected JobStatus = 4

	// JobFailed means execution aborted, either reported by the device or
	// forced by the hub when the device dropped mid-execution
	JobFailed JobStatus = 5

	// JobCanceled means the job was canceled by a user
	JobCanceled JobStatus = 6

	// JobTimedOut means the job sat queued longer than the timeout window
	JobTimedOut JobStatus = 7
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "JOB_QUEUED"
	case JobInProgress:
		return "JOB_IN_PROGRESS"
	case JobPaused:
		return "JOB_PAUSED"
	case JobSucceeded:
		return "JOB_SUCCEEDED"
	case JobRejected:
		return "JOB_REJECTED"
	case JobFailed:
		return "JOB_FAILED"
	case JobCanceled:
		return "JOB_CANCELED"
	case JobTimedOut:
		return "JOB_TIMED_OUT"
	}
	return "JOB_UNKNOWN"
}

// IsTerminal reports whether a job in this state will never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobRejected, JobFailed, JobCanceled, JobTimedOut:
		return true
	}
	return false
}

// IsActive reports whether the job still occupies the device (queued included).
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobInProgress || s == JobPaused
}

// JobControl is a control action pushed from the hub to the device.
type JobControl int32

const (
	JobControlPause JobControl = iota
	JobControlResume
	JobControlSkipStep
	JobControlSkipCycle
	JobControlCancel
)

func (c JobControl) String() string {
	switch c {
	case JobControlPause:
		return "JOB_PAUSE"
	case JobControlResume:
		return "JOB_RESUME"
	case JobControlSkipStep:
		return "JOB_SKIP_STEP"
	case JobControlSkipCycle:
		return "JOB_SKIP_CYCLE"
	case JobControlCancel:
		return "JOB_CANCEL"
	}
	return "JOB_CONTROL_UNKNOWN"
}
