package datamodel

import (
	"time"

	"github.com/google/uuid"
)

// Device is a physical unit that connects to the broker with its access
// token as MQTT username and executes jobs.
type Device struct {
	ID                uuid.UUID
	TemplateID        uuid.UUID
	Name              string
	AccessToken       string
	Mac               string
	Protocol          int32
	SampleRateSeconds *int32
	RetentionDays     *int32
	FirmwareVersion   string
}

// Command is a single protocol instruction a device understands.
type Command struct {
	ID          uuid.UUID
	TemplateID  uuid.UUID
	DisplayName string
	Name        string
	Params      []float64
}

// Recipe is a named, ordered tree of steps owned by a device template.
type Recipe struct {
	ID         uuid.UUID
	TemplateID uuid.UUID
	Name       string
	Steps      []RecipeStep
}

// RecipeStep references either a command or a sub-recipe, never both.
// Cycles is how many times the referenced target repeats, at least 1.
type RecipeStep struct {
	ID          uuid.UUID
	RecipeID    uuid.UUID
	Order       int32
	Cycles      int32
	CommandID   *uuid.UUID
	SubrecipeID *uuid.UUID
}

func (s *RecipeStep) IsCommand() bool   { return s.CommandID != nil }
func (s *RecipeStep) IsSubrecipe() bool { return s.SubrecipeID != nil }

// JobCommand is a frozen copy of a Command taken at job creation time.
// Later recipe or command edits never alter it.
type JobCommand struct {
	ID                uuid.UUID
	JobID             uuid.UUID
	OriginalCommandID uuid.UUID
	Order             int32
	DisplayName       string
	Name              string
	Params            []float64
}

// Job is a flattened, dispatchable instance of a recipe bound to one device.
type Job struct {
	ID           uuid.UUID
	DeviceID     uuid.UUID
	Name         string
	Commands     []JobCommand
	Status       JobStatus
	CurrentStep  int32
	TotalSteps   int32
	CurrentCycle int32
	TotalCycles  int32
	Paused       bool
	IsInfinite   bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Progress returns completion in percent, derived from step and cycle counters.
func (j *Job) Progress() float64 {
	if j.Status == JobSucceeded {
		return 100
	}
	total := int(j.TotalSteps) * int(j.TotalCycles)
	if total == 0 {
		return 0
	}
	done := (int(j.CurrentCycle)-1)*int(j.TotalSteps) + int(j.CurrentStep) - 1
	return float64(done) / float64(total) * 100
}

// CurrentCommandName returns the protocol name of the command the device is on.
func (j *Job) CurrentCommandName() string {
	idx := int(j.CurrentStep) - 1
	if idx < 0 || idx >= len(j.Commands) {
		return ""
	}
	return j.Commands[idx].Name
}

// ScheduleType selects one-shot or recurring execution.
type ScheduleType int32

const (
	ScheduleOnce ScheduleType = iota
	ScheduleRepeat
)

// ScheduleInterval is the unit of a repeat schedule.
type ScheduleInterval int32

const (
	IntervalSecond ScheduleInterval = iota
	IntervalMinute
	IntervalHour
	IntervalDay
	IntervalWeek
)

// Duration converts the interval unit and value into a time.Duration.
// A week interval has no fixed duration here, weekly triggers are cron-like.
func (i ScheduleInterval) Duration(value int32) time.Duration {
	switch i {
	case IntervalSecond:
		return time.Duration(value) * time.Second
	case IntervalMinute:
		return time.Duration(value) * time.Minute
	case IntervalHour:
		return time.Duration(value) * time.Hour
	case IntervalDay:
		return time.Duration(value) * 24 * time.Hour
	}
	return 0
}

// JobSchedule is a declarative rule that creates jobs at computed times.
type JobSchedule struct {
	ID            uuid.UUID
	DeviceID      uuid.UUID
	RecipeID      uuid.UUID
	Type          ScheduleType
	Interval      *ScheduleInterval
	IntervalValue *int32
	StartTime     time.Time
	EndTime       *time.Time
	Cycles        int32
	IsActive      bool
	WeekDays      []time.Weekday
}

// Expired reports whether the schedule's end bound is already behind now.
func (s *JobSchedule) Expired(now time.Time) bool {
	return s.EndTime != nil && !s.EndTime.After(now)
}

// DataPoint is an append-only telemetry fact. It has no primary key and is
// never updated, only deleted by retention.
type DataPoint struct {
	DeviceID  uuid.UUID
	SensorTag string
	Timestamp time.Time
	Value     float64
	Latitude  *float64
	Longitude *float64
	GridX     *int32
	GridY     *int32
}

// EdgeNode is a remote node that syncs telemetry and catalog state with the hub.
type EdgeNode struct {
	ID                uuid.UUID
	Name              string
	Token             string
	OwnerEmail        string
	UpdateRateSeconds int32
}

// Sensor describes one telemetry channel of a device template.
type Sensor struct {
	ID               uuid.UUID
	TemplateID       uuid.UUID
	Tag              string
	Name             string
	Unit             string
	Order            int32
	AccuracyDecimals *int32
	Group            string
}

// DeviceControl is a template-level UI control bound to recipes.
type DeviceControl struct {
	ID          uuid.UUID
	TemplateID  uuid.UUID
	Name        string
	Color       string
	Type        int32
	Cycles      int32
	IsInfinite  bool
	Order       int32
	RecipeID    *uuid.UUID
	RecipeOnID  *uuid.UUID
	RecipeOffID *uuid.UUID
	SensorID    *uuid.UUID
}

// Firmware is metadata of an uploaded firmware binary for a template.
type Firmware struct {
	ID             uuid.UUID
	TemplateID     uuid.UUID
	VersionNumber  string
	IsActive       bool
	OriginalName   string
	StoredFileName string
}

// DeviceTemplate groups the catalog entities an edge node needs to
// operate its devices autonomously between syncs.
type DeviceTemplate struct {
	ID         uuid.UUID
	OwnerEmail string
	Name       string
	DeviceType int32
	Sensors    []Sensor
	Commands   []Command
	Recipes    []Recipe
	Controls   []DeviceControl
	Firmwares  []Firmware
}

// HubSnapshot is the owner-scoped catalog streamed to an edge node.
type HubSnapshot struct {
	Templates []DeviceTemplate
	Devices   []Device
}
