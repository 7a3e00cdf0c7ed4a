package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

type jobView struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"deviceId"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	CurrentStep    int32      `json:"currentStep"`
	TotalSteps     int32      `json:"totalSteps"`
	CurrentCycle   int32      `json:"currentCycle"`
	TotalCycles    int32      `json:"totalCycles"`
	Paused         bool       `json:"paused"`
	IsInfinite     bool       `json:"isInfinite"`
	CurrentCommand string     `json:"currentCommand,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

func toJobView(job *datamodel.Job) jobView {
	return jobView{
		ID:             job.ID.String(),
		DeviceID:       job.DeviceID.String(),
		Name:           job.Name,
		Status:         job.Status.String(),
		Progress:       job.Progress(),
		CurrentStep:    job.CurrentStep,
		TotalSteps:     job.TotalSteps,
		CurrentCycle:   job.CurrentCycle,
		TotalCycles:    job.TotalCycles,
		Paused:         job.Paused,
		IsInfinite:     job.IsInfinite,
		CurrentCommand: job.CurrentCommandName(),
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
}

type createJobIn struct {
	RecipeID   uuid.UUID `json:"recipeId" binding:"required"`
	Name       string    `json:"name"`
	Cycles     int32     `json:"cycles"`
	IsInfinite bool      `json:"isInfinite"`
}

// createJob expands the recipe into a queued job. When the device is
// currently connected the job is pushed to it right away.
func (s *Server) createJob(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	device, err := s.devices.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if device == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	var body createJobIn
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	job, err := s.jobs.CreateFromRecipe(ctx, deviceID, body.RecipeID, body.Name, body.Cycles, body.IsInfinite)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if s.deviceConnected(ctx, deviceID) {
		if err := s.publisher.PublishJob(device.AccessToken, job); err != nil {
			zap.S().Errorf("Failed to push job %s to device %s: %s", job.ID, deviceID, err)
		}
	}
	c.JSON(http.StatusCreated, toJobView(job))
}

func (s *Server) getJob(c *gin.Context) {
	jobID, ok := parseUUIDParam(c, "jobId")
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobView(job))
}

type jobStatusIn struct {
	Status       int32         `json:"status"`
	CurrentStep  int32         `json:"currentStep"`
	TotalSteps   int32         `json:"totalSteps"`
	CurrentCycle int32         `json:"currentCycle"`
	TotalCycles  int32         `json:"totalCycles"`
	Paused       bool          `json:"paused"`
	StartedAt    *time.Time    `json:"startedAt"`
	FinishedAt   *time.Time    `json:"finishedAt"`
	DataPoints   []dataPointIn `json:"dataPoints"`
}

// updateJobStatus applies a device-reported job snapshot arriving over HTTP
// instead of MQTT, with optional inline telemetry.
func (s *Server) updateJobStatus(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	jobID, ok := parseUUIDParam(c, "jobId")
	if !ok {
		return
	}

	var body jobStatusIn
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	job, err := s.jobs.ApplyStatusReport(ctx, jobID, &jobs.StatusReport{
		Status:       datamodel.JobStatus(body.Status),
		CurrentStep:  body.CurrentStep,
		TotalSteps:   body.TotalSteps,
		CurrentCycle: body.CurrentCycle,
		TotalCycles:  body.TotalCycles,
		Paused:       body.Paused,
		StartedAt:    body.StartedAt,
		FinishedAt:   body.FinishedAt,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if job.DeviceID != deviceID {
		zap.S().Warnf("Status update for job %s via device %s, owner is %s", jobID, deviceID, job.DeviceID)
	}

	if len(body.DataPoints) > 0 {
		points := make([]datamodel.DataPoint, len(body.DataPoints))
		for i := range body.DataPoints {
			points[i] = body.DataPoints[i].toPoint()
		}
		s.telemetry.Ingest(ctx, job.DeviceID, points)
	}
	if s.live != nil {
		s.live.PushJob(job)
	}
	c.JSON(http.StatusOK, toJobView(job))
}

// controlJob publishes a control action to the device executing the job.
// The device confirms by reporting the resulting state back.
func (s *Server) controlJob(control datamodel.JobControl) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseUUIDParam(c, "jobId")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if job.Status.IsTerminal() {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "job already finished"})
			return
		}
		device, err := s.devices.GetDevice(ctx, job.DeviceID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if device == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}

		if err := s.publisher.PublishJobControl(device.AccessToken, jobID, control); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"control": control.String()})
	}
}
