package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/cmd/devicehub/payload"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

type fakeDevices struct {
	byToken map[string]*datamodel.Device
	lookups int
}

func (f *fakeDevices) GetDeviceByToken(_ context.Context, token string) (*datamodel.Device, error) {
	f.lookups++
	return f.byToken[token], nil
}

type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*datamodel.Job
	queued      map[uuid.UUID]*datamodel.Job // per device
	failedCalls []bool
	applied     []uuid.UUID
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[uuid.UUID]*datamodel.Job{}, queued: map[uuid.UUID]*datamodel.Job{}}
}

func (f *fakeJobs) ApplyStatusReport(_ context.Context, jobID uuid.UUID, report *jobs.StatusReport) (*datamodel.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, found := f.jobs[jobID]
	if !found {
		return nil, datamodel.ErrNotFound
	}
	jobs.Apply(job, report)
	f.applied = append(f.applied, jobID)
	return job, nil
}

func (f *fakeJobs) FailActiveJobs(_ context.Context, _ uuid.UUID, includeQueued bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCalls = append(f.failedCalls, includeQueued)
	return 0, nil
}

func (f *fakeJobs) NextQueuedJob(_ context.Context, deviceID uuid.UUID) (*datamodel.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[deviceID], nil
}

type fakeTelemetry struct {
	mu       sync.Mutex
	ingested []datamodel.DataPoint
	seen     []uuid.UUID
}

func (f *fakeTelemetry) Ingest(_ context.Context, deviceID uuid.UUID, points []datamodel.DataPoint) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range points {
		points[i].DeviceID = deviceID
	}
	f.ingested = append(f.ingested, points...)
	return len(points), 0
}

func (f *fakeTelemetry) MarkSeen(_ context.Context, deviceID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, deviceID)
}

type published struct {
	topic string
	raw   []byte
}

type testHarness struct {
	gw        *Gateway
	devices   *fakeDevices
	jobs      *fakeJobs
	telemetry *fakeTelemetry
	published []published
}

func newHarness() *testHarness {
	h := &testHarness{
		devices:   &fakeDevices{byToken: map[string]*datamodel.Device{}},
		jobs:      newFakeJobs(),
		telemetry: &fakeTelemetry{},
	}
	h.gw = New(internal.NewMemoryKV(), h.devices, h.jobs, h.telemetry, nil)
	h.gw.publish = func(topic string, raw []byte) error {
		h.published = append(h.published, published{topic: topic, raw: raw})
		return nil
	}
	return h
}

func (h *testHarness) addDevice(token string) *datamodel.Device {
	device := &datamodel.Device{ID: uuid.New(), AccessToken: token}
	h.devices.byToken[token] = device
	return device
}

func TestTopicParsing(t *testing.T) {
	t.Run("data topic with shared queue prefix", func(t *testing.T) {
		assert.Equal(t, "tok123", tokenFromDeviceTopic("$queue/devices/tok123/data"))
	})
	t.Run("report topic", func(t *testing.T) {
		assert.Equal(t, "tok123", tokenFromDeviceTopic("devices/tok123/job_from_device"))
	})
	t.Run("presence topic", func(t *testing.T) {
		assert.Equal(t, "tok123", tokenFromPresenceTopic("$SYS/brokers/emqx@node1/clients/tok123/connected"))
	})
	t.Run("malformed", func(t *testing.T) {
		assert.Equal(t, "", tokenFromDeviceTopic("other/topic"))
		assert.Equal(t, "", tokenFromPresenceTopic("$SYS/brokers/x"))
	})
}

func TestResolveDeviceCaches(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")

	id, ok := h.gw.resolveDevice(context.Background(), "tok1")
	assert.True(t, ok)
	assert.Equal(t, device.ID, id)

	// Second resolve comes from the KV cache, no store round trip.
	_, ok = h.gw.resolveDevice(context.Background(), "tok1")
	assert.True(t, ok)
	assert.Equal(t, 1, h.devices.lookups)

	_, ok = h.gw.resolveDevice(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestHandleData(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")

	ts := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC).UnixMilli()
	raw, err := payload.EncodeDataPoint(&payload.DataPoint{Tag: "temp", Value: 21.5, TsUnixMs: &ts})
	assert.NoError(t, err)

	h.gw.handleData("$queue/devices/tok1/data", raw)

	assert.Len(t, h.telemetry.ingested, 1)
	point := h.telemetry.ingested[0]
	assert.Equal(t, device.ID, point.DeviceID)
	assert.Equal(t, "temp", point.SensorTag)
	assert.Equal(t, 21.5, point.Value)
	assert.Equal(t, time.UnixMilli(ts).UTC(), point.Timestamp)
}

func TestHandleDataUnknownTokenDropped(t *testing.T) {
	h := newHarness()
	raw, _ := payload.EncodeDataPoint(&payload.DataPoint{Tag: "temp", Value: 1})
	h.gw.handleData("$queue/devices/ghost/data", raw)
	assert.Empty(t, h.telemetry.ingested)
}

func TestHandleDataMalformedDropped(t *testing.T) {
	h := newHarness()
	h.addDevice("tok1")
	h.gw.handleData("$queue/devices/tok1/data", []byte{0xff, 0x13, 0x37})
	assert.Empty(t, h.telemetry.ingested)
}

func reportPayload(t *testing.T, jobID uuid.UUID, status datamodel.JobStatus, step int32) []byte {
	t.Helper()
	raw, err := payload.EncodeJob(&payload.Job{
		JobID:        jobID.String(),
		Status:       int32(status),
		CurrentStep:  step,
		TotalSteps:   3,
		CurrentCycle: 1,
		TotalCycles:  1,
	})
	assert.NoError(t, err)
	return raw
}

func TestHandleJobReport(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobQueued}
	h.jobs.jobs[job.ID] = job

	h.gw.handleJobReport("devices/tok1/job_from_device", reportPayload(t, job.ID, datamodel.JobInProgress, 1))

	assert.Equal(t, datamodel.JobInProgress, job.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, h.jobs.applied)
	assert.Equal(t, []uuid.UUID{device.ID}, h.telemetry.seen)
	assert.Empty(t, h.published) // not terminal, nothing pushed
}

func TestHandleJobReportDuplicateDropped(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobQueued}
	h.jobs.jobs[job.ID] = job

	raw := reportPayload(t, job.ID, datamodel.JobInProgress, 1)
	h.gw.handleJobReport("devices/tok1/job_from_device", raw)
	h.gw.handleJobReport("devices/tok1/job_from_device", raw)

	assert.Len(t, h.jobs.applied, 1)
}

func TestHandleJobReportTerminalPublishesNextJob(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobInProgress}
	h.jobs.jobs[job.ID] = job
	next := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobQueued, Name: "next"}
	h.jobs.queued[device.ID] = next

	h.gw.handleJobReport("devices/tok1/job_from_device", reportPayload(t, job.ID, datamodel.JobSucceeded, 3))

	assert.Len(t, h.published, 1)
	assert.Equal(t, "devices/tok1/job", h.published[0].topic)
	decoded, err := payload.DecodeJob(h.published[0].raw)
	assert.NoError(t, err)
	assert.Equal(t, next.ID, decoded.ParsedJobID())
}

func TestHandleJobReportMalformedJobID(t *testing.T) {
	h := newHarness()
	h.addDevice("tok1")
	raw, err := payload.EncodeJob(&payload.Job{JobID: "not-a-uuid", Status: 1})
	assert.NoError(t, err)
	h.gw.handleJobReport("devices/tok1/job_from_device", raw)
	assert.Empty(t, h.jobs.applied)
}

func TestHandleConnected(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	queued := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobQueued}
	h.jobs.queued[device.ID] = queued

	h.gw.handlePresence("$SYS/brokers/emqx@node1/clients/tok1/connected", true)

	// Stale non-queued jobs get failed, queued ones survive and are pushed.
	assert.Equal(t, []bool{false}, h.jobs.failedCalls)
	assert.Equal(t, []uuid.UUID{device.ID}, h.telemetry.seen)
	assert.Len(t, h.published, 1)
	assert.Equal(t, "devices/tok1/job", h.published[0].topic)
}

func TestHandleDisconnected(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	kv := h.gw.kv
	_ = kv.Set(context.Background(), internal.KeyDeviceConnected(device.ID.String()), "1", 0)

	h.gw.handlePresence("$SYS/brokers/emqx@node1/clients/tok1/disconnected", false)

	assert.Equal(t, []bool{false}, h.jobs.failedCalls)
	_, found, err := kv.Get(context.Background(), internal.KeyDeviceConnected(device.ID.String()))
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, h.published)
}

func TestPublishJobControl(t *testing.T) {
	h := newHarness()
	jobID := uuid.New()

	assert.NoError(t, h.gw.PublishJobControl("tok1", jobID, datamodel.JobControlPause))
	assert.Len(t, h.published, 1)
	assert.Equal(t, "devices/tok1/job/control", h.published[0].topic)
	decoded, err := payload.DecodeJobControl(h.published[0].raw)
	assert.NoError(t, err)
	assert.Equal(t, jobID.String(), decoded.JobID)
	assert.Equal(t, int32(datamodel.JobControlPause), decoded.Control)
}
