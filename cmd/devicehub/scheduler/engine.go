package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var scheduleFires = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicehub_schedule_fires_total",
	Help: "Schedule fire events, including ones whose job creation failed",
})

// FireFunc is called when a schedule is due. Creating the job, checking the
// device still exists and so on all happen behind this callback.
type FireFunc func(ctx context.Context, schedule *datamodel.JobSchedule) error

// Engine keeps one armed timer per active schedule and re-arms repeating
// schedules after every fire. All exported methods are safe for concurrent
// use.
type Engine struct {
	fire FireFunc
	now  func() time.Time

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool
}

func NewEngine(fire FireFunc) *Engine {
	return &Engine{
		fire:   fire,
		now:    time.Now,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Bootstrap arms every given schedule. One bad schedule never prevents the
// others from arming.
func (e *Engine) Bootstrap(schedules []datamodel.JobSchedule) {
	armed := 0
	for i := range schedules {
		if e.Schedule(&schedules[i]) {
			armed++
		}
	}
	zap.S().Infof("Schedule engine armed %d of %d schedules", armed, len(schedules))
}

// Schedule arms (or re-arms) the schedule and reports whether a timer is now
// pending. Inactive, expired and malformed schedules just unschedule any
// previous timer.
func (e *Engine) Schedule(schedule *datamodel.JobSchedule) bool {
	next, ok := ComputeNextFire(schedule, e.now())
	if !ok {
		e.Unschedule(schedule.ID)
		return false
	}

	// Copy, the caller may mutate its schedule after handing it over.
	s := *schedule

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if old, found := e.timers[s.ID]; found {
		old.Stop()
	}
	e.timers[s.ID] = time.AfterFunc(time.Until(next), func() { e.onFire(&s) })
	zap.S().Debugf("Schedule %s armed for %s", s.ID, next.UTC().Format(time.RFC3339))
	return true
}

// Unschedule stops and forgets the schedule's timer, if any.
func (e *Engine) Unschedule(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, found := e.timers[id]; found {
		timer.Stop()
		delete(e.timers, id)
	}
}

// Shutdown stops every timer. The engine cannot be reused afterwards.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) onFire(schedule *datamodel.JobSchedule) {
	scheduleFires.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.fire(ctx, schedule); err != nil {
		zap.S().Errorf("Schedule %s fire failed: %s", schedule.ID, err)
	}

	if schedule.Type == datamodel.ScheduleOnce {
		e.Unschedule(schedule.ID)
		return
	}
	if !e.Schedule(schedule) {
		zap.S().Infof("Schedule %s ran its last fire, disarming", schedule.ID)
	}
}
