package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

type scheduleIn struct {
	ID            *uuid.UUID `json:"id"`
	DeviceID      uuid.UUID  `json:"deviceId" binding:"required"`
	RecipeID      uuid.UUID  `json:"recipeId" binding:"required"`
	Type          int32      `json:"type"`
	Interval      *int32     `json:"interval"`
	IntervalValue *int32     `json:"intervalValue"`
	StartTime     time.Time  `json:"startTime" binding:"required"`
	EndTime       *time.Time `json:"endTime"`
	Cycles        int32      `json:"cycles"`
	IsActive      bool       `json:"isActive"`
	WeekDays      []int32    `json:"weekDays"`
}

func (in *scheduleIn) toSchedule() *datamodel.JobSchedule {
	s := &datamodel.JobSchedule{
		DeviceID:  in.DeviceID,
		RecipeID:  in.RecipeID,
		Type:      datamodel.ScheduleType(in.Type),
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Cycles:    in.Cycles,
		IsActive:  in.IsActive,
	}
	if in.ID != nil {
		s.ID = *in.ID
	} else {
		s.ID = uuid.New()
	}
	if in.Interval != nil {
		unit := datamodel.ScheduleInterval(*in.Interval)
		s.Interval = &unit
	}
	s.IntervalValue = in.IntervalValue
	for _, d := range in.WeekDays {
		s.WeekDays = append(s.WeekDays, time.Weekday(d))
	}
	return s
}

// upsertSchedule stores the schedule and (re)arms or disarms its timer.
func (s *Server) upsertSchedule(c *gin.Context) {
	var body scheduleIn
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule := body.toSchedule()
	if schedule.Type == datamodel.ScheduleRepeat && schedule.Interval == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "repeating schedule needs an interval"})
		return
	}

	if err := s.schedules.UpsertSchedule(c.Request.Context(), schedule); err != nil {
		abortWithError(c, err)
		return
	}
	armed := s.armer.Schedule(schedule)
	c.JSON(http.StatusOK, gin.H{"id": schedule.ID.String(), "armed": armed})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.schedules.DeleteSchedule(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	s.armer.Unschedule(id)
	c.Status(http.StatusNoContent)
}
