// Package payload holds the compact binary encodings exchanged with devices
// over MQTT. Fields are integer-keyed CBOR so payloads stay small on
// constrained firmware and unknown fields can be added without breaking
// older devices. Encodings must round-trip losslessly, see payload_test.go.
package payload

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// DataPoint is one telemetry sample sent by a device on devices/{token}/data.
type DataPoint struct {
	Tag       string   `cbor:"1,keyasint"`
	Value     float64  `cbor:"2,keyasint"`
	TsUnixMs  *int64   `cbor:"3,keyasint,omitempty"`
	Latitude  *float64 `cbor:"4,keyasint,omitempty"`
	Longitude *float64 `cbor:"5,keyasint,omitempty"`
	GridX     *int32   `cbor:"6,keyasint,omitempty"`
	GridY     *int32   `cbor:"7,keyasint,omitempty"`
}

// Command is one frozen job command inside a Job payload.
type Command struct {
	Name   string    `cbor:"1,keyasint"`
	Params []float64 `cbor:"2,keyasint,omitempty"`
}

// Job is the job snapshot pushed to devices on devices/{token}/job and
// reported back on devices/{token}/job_from_device.
type Job struct {
	JobID            string    `cbor:"1,keyasint"`
	Commands         []Command `cbor:"2,keyasint,omitempty"`
	Status           int32     `cbor:"3,keyasint"`
	Name             string    `cbor:"4,keyasint"`
	CurrentStep      int32     `cbor:"5,keyasint"`
	TotalSteps       int32     `cbor:"6,keyasint"`
	CurrentCycle     int32     `cbor:"7,keyasint"`
	TotalCycles      int32     `cbor:"8,keyasint"`
	Paused           bool      `cbor:"9,keyasint"`
	StartedAtUnixMs  *int64    `cbor:"10,keyasint,omitempty"`
	FinishedAtUnixMs *int64    `cbor:"11,keyasint,omitempty"`
}

// JobControl is a control action pushed on devices/{token}/job/control.
type JobControl struct {
	JobID   string `cbor:"1,keyasint"`
	Control int32  `cbor:"2,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

func EncodeDataPoint(p *DataPoint) ([]byte, error) { return encMode.Marshal(p) }

func DecodeDataPoint(raw []byte) (*DataPoint, error) {
	var p DataPoint
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func EncodeJob(p *Job) ([]byte, error) { return encMode.Marshal(p) }

func DecodeJob(raw []byte) (*Job, error) {
	var p Job
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func EncodeJobControl(p *JobControl) ([]byte, error) { return encMode.Marshal(p) }

func DecodeJobControl(raw []byte) (*JobControl, error) {
	var p JobControl
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FromJob builds the wire snapshot of a job.
func FromJob(job *datamodel.Job) *Job {
	p := &Job{
		JobID:        job.ID.String(),
		Status:       int32(job.Status),
		Name:         job.Name,
		CurrentStep:  job.CurrentStep,
		TotalSteps:   job.TotalSteps,
		CurrentCycle: job.CurrentCycle,
		TotalCycles:  job.TotalCycles,
		Paused:       job.Paused,
	}
	for _, cmd := range job.Commands {
		p.Commands = append(p.Commands, Command{Name: cmd.Name, Params: cmd.Params})
	}
	if job.StartedAt != nil {
		ms := job.StartedAt.UnixMilli()
		p.StartedAtUnixMs = &ms
	}
	if job.FinishedAt != nil {
		ms := job.FinishedAt.UnixMilli()
		p.FinishedAtUnixMs = &ms
	}
	return p
}

// JobID parses the job id of a report, uuid.Nil when malformed.
func (p *Job) ParsedJobID() uuid.UUID {
	id, err := uuid.Parse(p.JobID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// StartedAt returns the started timestamp, nil when absent.
func (p *Job) StartedAt() *time.Time {
	return msToTime(p.StartedAtUnixMs)
}

// FinishedAt returns the finished timestamp, nil when absent.
func (p *Job) FinishedAt() *time.Time {
	return msToTime(p.FinishedAtUnixMs)
}

func msToTime(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
