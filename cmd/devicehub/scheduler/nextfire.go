// Package scheduler arms recurring job schedules and fires them at computed
// times. The time math is pure and separated from the timer plumbing so the
// phase rules stay testable without sleeping.
package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// ComputeNextFire returns the next time the schedule should fire after now,
// and whether it should be armed at all.
//
// Repeat schedules stay phase-aligned to their start time: an interval of
// one hour starting at 08:30 fires at 08:30, 09:30, ... regardless of when
// the hub was last restarted. Weekly schedules fire on the configured
// weekdays at the start time's UTC time of day.
func ComputeNextFire(s *datamodel.JobSchedule, now time.Time) (time.Time, bool) {
	if !s.IsActive || s.Expired(now) {
		return time.Time{}, false
	}

	switch s.Type {
	case datamodel.ScheduleOnce:
		if s.StartTime.After(now) {
			return s.StartTime, true
		}
		// Overdue one-shots fire immediately instead of being dropped.
		return now, true

	case datamodel.ScheduleRepeat:
		if s.Interval == nil {
			zap.S().Warnf("Schedule %s is repeating but has no interval, not arming", s.ID)
			return time.Time{}, false
		}
		if *s.Interval == datamodel.IntervalWeek {
			return nextWeekly(s, now)
		}
		return nextPeriodic(s, now)
	}

	zap.S().Warnf("Schedule %s has unknown type %d, not arming", s.ID, s.Type)
	return time.Time{}, false
}

func nextPeriodic(s *datamodel.JobSchedule, now time.Time) (time.Time, bool) {
	value := int32(1)
	if s.IntervalValue != nil && *s.IntervalValue > 0 {
		value = *s.IntervalValue
	}
	period := s.Interval.Duration(value)
	if period <= 0 {
		zap.S().Warnf("Schedule %s has non-positive period, not arming", s.ID)
		return time.Time{}, false
	}

	next := s.StartTime
	if !next.After(now) {
		// Smallest k with StartTime + k*period > now.
		k := now.Sub(s.StartTime)/period + 1
		next = s.StartTime.Add(k * period)
	}
	if s.EndTime != nil && next.After(*s.EndTime) {
		return time.Time{}, false
	}
	return next, true
}

func nextWeekly(s *datamodel.JobSchedule, now time.Time) (time.Time, bool) {
	if len(s.WeekDays) == 0 {
		zap.S().Warnf("Weekly schedule %s has no weekdays, not arming", s.ID)
		return time.Time{}, false
	}
	if s.IntervalValue != nil && *s.IntervalValue != 1 {
		zap.S().Warnf("Weekly schedule %s has interval value %d, only every-week is supported", s.ID, *s.IntervalValue)
	}

	days := map[time.Weekday]bool{}
	for _, d := range s.WeekDays {
		days[d] = true
	}

	start := s.StartTime.UTC()
	nowUTC := now.UTC()
	base := nowUTC
	if start.After(base) {
		base = start
	}
	for offset := 0; offset <= 7; offset++ {
		day := base.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			start.Hour(), start.Minute(), start.Second(), 0, time.UTC)
		if !days[candidate.Weekday()] || !candidate.After(nowUTC) || candidate.Before(start) {
			continue
		}
		if s.EndTime != nil && candidate.After(*s.EndTime) {
			return time.Time{}, false
		}
		return candidate, true
	}
	return time.Time{}, false
}
