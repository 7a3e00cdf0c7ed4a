// Package api is the HTTP surface for dashboards and integrations: device
// telemetry ingestion and queries, job creation and control, schedule
// management and the live websocket endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/cmd/devicehub/livehub"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// DeviceStore resolves devices for request routing.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*datamodel.Device, error)
	GetDeviceByToken(ctx context.Context, accessToken string) (*datamodel.Device, error)
}

// ScheduleStore persists job schedules.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id uuid.UUID) (*datamodel.JobSchedule, error)
	UpsertSchedule(ctx context.Context, s *datamodel.JobSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

// Publisher pushes jobs and control actions down to devices over MQTT.
type Publisher interface {
	PublishJob(accessToken string, job *datamodel.Job) error
	PublishJobControl(accessToken string, jobID uuid.UUID, control datamodel.JobControl) error
}

// ScheduleArmer is the schedule engine surface the API drives.
type ScheduleArmer interface {
	Schedule(schedule *datamodel.JobSchedule) bool
	Unschedule(id uuid.UUID)
}

// Server wires the route table to the domain services.
type Server struct {
	kv        internal.KV
	devices   DeviceStore
	schedules ScheduleStore
	telemetry *ingest.Service
	jobs      *jobs.Service
	publisher Publisher
	armer     ScheduleArmer
	live      *livehub.Hub
}

func NewServer(kv internal.KV, devices DeviceStore, schedules ScheduleStore,
	telemetry *ingest.Service, jobSvc *jobs.Service, publisher Publisher,
	armer ScheduleArmer, live *livehub.Hub) *Server {
	return &Server{
		kv:        kv,
		devices:   devices,
		schedules: schedules,
		telemetry: telemetry,
		jobs:      jobSvc,
		publisher: publisher,
		armer:     armer,
		live:      live,
	}
}

// Router builds the gin engine with the standard middleware stack.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	v1 := router.Group("/api/v1")
	{
		// The :id segment of the data POST is the device access token,
		// firmware posts here without any other credentials.
		v1.POST("/devices/:id/data", s.postDeviceData)

		v1.GET("/devices/:id/sensors/:tag/data/latest", s.getLatest)
		v1.GET("/devices/:id/sensors/:tag/data", s.getRange)
		v1.GET("/devices/:id/data/count", s.getCount)
		v1.DELETE("/devices/:id/data", s.deleteRange)

		v1.POST("/devices/:id/jobs", s.createJob)
		v1.PUT("/devices/:id/jobs/:jobId/status", s.updateJobStatus)
		v1.GET("/jobs/:jobId", s.getJob)
		for control, route := range map[datamodel.JobControl]string{
			datamodel.JobControlCancel:    "cancel",
			datamodel.JobControlPause:     "pause",
			datamodel.JobControlResume:    "resume",
			datamodel.JobControlSkipStep:  "skip-step",
			datamodel.JobControlSkipCycle: "skip-cycle",
		} {
			v1.POST("/jobs/:jobId/"+route, s.controlJob(control))
		}

		v1.PUT("/schedules", s.upsertSchedule)
		v1.DELETE("/schedules/:id", s.deleteSchedule)
	}

	if s.live != nil {
		router.GET("/ws/live", s.live.ServeWS)
	}
	return router
}

// abortWithError maps the error taxonomy onto status codes.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, datamodel.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, datamodel.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, datamodel.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, datamodel.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		zap.S().Errorf("Request failed: %s", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed " + name})
		return uuid.Nil, false
	}
	return id, true
}

// deviceConnected reports the presence flag of a device.
func (s *Server) deviceConnected(ctx context.Context, deviceID uuid.UUID) bool {
	_, found, err := s.kv.Get(ctx, internal.KeyDeviceConnected(deviceID.String()))
	return err == nil && found
}
