package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// fixture backs every store interface the server needs with in-memory maps.
type fixture struct {
	devices   map[uuid.UUID]*datamodel.Device
	recipes   map[uuid.UUID]*datamodel.Recipe
	commands  map[uuid.UUID]*datamodel.Command
	jobs      map[uuid.UUID]*datamodel.Job
	schedules map[uuid.UUID]*datamodel.JobSchedule
	points    []datamodel.DataPoint

	publishedJobs     []string
	publishedControls []datamodel.JobControl
	armed             []uuid.UUID
	unarmed           []uuid.UUID
}

func newFixture() *fixture {
	return &fixture{
		devices:   map[uuid.UUID]*datamodel.Device{},
		recipes:   map[uuid.UUID]*datamodel.Recipe{},
		commands:  map[uuid.UUID]*datamodel.Command{},
		jobs:      map[uuid.UUID]*datamodel.Job{},
		schedules: map[uuid.UUID]*datamodel.JobSchedule{},
	}
}

func (f *fixture) GetDevice(_ context.Context, id uuid.UUID) (*datamodel.Device, error) {
	return f.devices[id], nil
}

func (f *fixture) GetDeviceByToken(_ context.Context, token string) (*datamodel.Device, error) {
	for _, d := range f.devices {
		if d.AccessToken == token {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fixture) GetRecipe(_ context.Context, id uuid.UUID) (*datamodel.Recipe, error) {
	return f.recipes[id], nil
}

func (f *fixture) GetCommand(_ context.Context, id uuid.UUID) (*datamodel.Command, error) {
	return f.commands[id], nil
}

func (f *fixture) GetJob(_ context.Context, id uuid.UUID) (*datamodel.Job, error) {
	return f.jobs[id], nil
}

func (f *fixture) InsertJob(_ context.Context, job *datamodel.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fixture) UpdateJob(_ context.Context, job *datamodel.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fixture) ListActiveJobs(_ context.Context, deviceID uuid.UUID, includeQueued bool) ([]*datamodel.Job, error) {
	var out []*datamodel.Job
	for _, j := range f.jobs {
		if j.DeviceID != deviceID {
			continue
		}
		if j.Status == datamodel.JobInProgress || j.Status == datamodel.JobPaused ||
			(includeQueued && j.Status == datamodel.JobQueued) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fixture) NextQueuedJob(_ context.Context, deviceID uuid.UUID) (*datamodel.Job, error) {
	var queued []*datamodel.Job
	for _, j := range f.jobs {
		if j.DeviceID == deviceID && j.Status == datamodel.JobQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	return queued[0], nil
}

func (f *fixture) GetSchedule(_ context.Context, id uuid.UUID) (*datamodel.JobSchedule, error) {
	return f.schedules[id], nil
}

func (f *fixture) UpsertSchedule(_ context.Context, s *datamodel.JobSchedule) error {
	f.schedules[s.ID] = s
	return nil
}

func (f *fixture) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	delete(f.schedules, id)
	return nil
}

func (f *fixture) GetLatestDataPoint(_ context.Context, deviceID uuid.UUID, tag string) (*datamodel.DataPoint, error) {
	var latest *datamodel.DataPoint
	for i := range f.points {
		p := &f.points[i]
		if p.DeviceID == deviceID && p.SensorTag == tag && (latest == nil || p.Timestamp.After(latest.Timestamp)) {
			latest = p
		}
	}
	return latest, nil
}

func (f *fixture) GetDataPointsRange(_ context.Context, deviceID uuid.UUID, tag string, from time.Time, to time.Time) ([]datamodel.DataPoint, error) {
	var out []datamodel.DataPoint
	for _, p := range f.points {
		if p.DeviceID == deviceID && p.SensorTag == tag && !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (f *fixture) CountDataPoints(_ context.Context, deviceID uuid.UUID, _ *time.Time, _ *time.Time) (int64, error) {
	var n int64
	for _, p := range f.points {
		if p.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

func (f *fixture) DeleteDataPointsBatch(_ context.Context, deviceID uuid.UUID, from time.Time, to time.Time, limit int64) (int64, error) {
	var deleted int64
	kept := f.points[:0]
	for _, p := range f.points {
		if deleted < limit && p.DeviceID == deviceID && !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			deleted++
			continue
		}
		kept = append(kept, p)
	}
	f.points = kept
	return deleted, nil
}

func (f *fixture) UpdateDeviceSampleRate(_ context.Context, deviceID uuid.UUID, seconds int32) error {
	if d := f.devices[deviceID]; d != nil {
		d.SampleRateSeconds = &seconds
	}
	return nil
}

func (f *fixture) PublishJob(token string, _ *datamodel.Job) error {
	f.publishedJobs = append(f.publishedJobs, token)
	return nil
}

func (f *fixture) PublishJobControl(_ string, _ uuid.UUID, control datamodel.JobControl) error {
	f.publishedControls = append(f.publishedControls, control)
	return nil
}

func (f *fixture) Schedule(s *datamodel.JobSchedule) bool {
	f.armed = append(f.armed, s.ID)
	return s.IsActive
}

func (f *fixture) Unschedule(id uuid.UUID) {
	f.unarmed = append(f.unarmed, id)
}

type harness struct {
	f      *fixture
	kv     internal.KV
	router *gin.Engine
}

func newHarness() *harness {
	f := newFixture()
	kv := internal.NewMemoryKV()
	stream := internal.NewMemoryStream()
	telemetry := ingest.NewService(kv, stream, f, nil)
	jobSvc := jobs.NewService(f, f)
	server := NewServer(kv, f, f, telemetry, jobSvc, f, f, nil)
	return &harness{f: f, kv: kv, router: server.Router()}
}

func (h *harness) addDevice(token string) *datamodel.Device {
	d := &datamodel.Device{ID: uuid.New(), AccessToken: token, Name: "dev"}
	h.f.devices[d.ID] = d
	return d
}

func (h *harness) addRecipe(commandNames ...string) uuid.UUID {
	id := uuid.New()
	r := &datamodel.Recipe{ID: id, Name: "r"}
	for i, name := range commandNames {
		cmdID := uuid.New()
		h.f.commands[cmdID] = &datamodel.Command{ID: cmdID, Name: name, DisplayName: name}
		cid := cmdID
		r.Steps = append(r.Steps, datamodel.RecipeStep{ID: uuid.New(), Order: int32(i), Cycles: 1, CommandID: &cid})
	}
	h.f.recipes[id] = r
	return id
}

func (h *harness) do(method string, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	// The gzip middleware compresses responses, skip it in tests.
	req.Header.Set("Accept-Encoding", "identity")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestPostDeviceData(t *testing.T) {
	h := newHarness()
	h.addDevice("tok1")

	t.Run("accepted", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/devices/tok1/data", []gin.H{
			{"tag": "temp", "value": 21.5},
			{"tag": "hum", "value": 55.0},
		})
		assert.Equal(t, http.StatusAccepted, w.Code)
		var resp struct {
			Accepted int `json:"accepted"`
			Skipped  int `json:"skipped"`
		}
		decodeBody(t, w, &resp)
		assert.Equal(t, 2, resp.Accepted)
		assert.Equal(t, 0, resp.Skipped)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/devices/ghost/data", []gin.H{{"tag": "t", "value": 1.0}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/devices/tok1/data", gin.H{"not": "an array"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetLatestNotFound(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	w := h.do(http.MethodGet, "/api/v1/devices/"+device.ID.String()+"/sensors/none/data/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRangeBucketed(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	from := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{1, 5, 3} {
		h.f.points = append(h.f.points, datamodel.DataPoint{
			DeviceID: device.ID, SensorTag: "temp",
			Timestamp: from.Add(time.Duration(i) * time.Minute), Value: v,
		})
	}

	path := "/api/v1/devices/" + device.ID.String() + "/sensors/temp/data" +
		"?from=" + from.Format(time.RFC3339) +
		"&to=" + from.Add(time.Hour).Format(time.RFC3339) +
		"&bucketSeconds=3600&method=max"
	w := h.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var points []struct {
		Value float64 `json:"value"`
	}
	decodeBody(t, w, &points)
	assert.Len(t, points, 1)
	assert.Equal(t, 5.0, points[0].Value)
}

func TestCreateJob(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	recipeID := h.addRecipe("prime", "dose")

	t.Run("device offline, queued only", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/jobs",
			gin.H{"recipeId": recipeID, "name": "wash", "cycles": 2})
		assert.Equal(t, http.StatusCreated, w.Code)

		var view jobView
		decodeBody(t, w, &view)
		assert.Equal(t, "JOB_QUEUED", view.Status)
		assert.Equal(t, int32(2), view.TotalSteps)
		assert.Empty(t, h.f.publishedJobs)
	})

	t.Run("device online, pushed immediately", func(t *testing.T) {
		_ = h.kv.Set(context.Background(), internal.KeyDeviceConnected(device.ID.String()), "1", 0)
		w := h.do(http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/jobs",
			gin.H{"recipeId": recipeID, "name": "wash2", "cycles": 1})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, []string{"tok1"}, h.f.publishedJobs)
	})

	t.Run("unknown device", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/devices/"+uuid.NewString()+"/jobs",
			gin.H{"recipeId": recipeID})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUpdateJobStatus(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobQueued}
	h.f.jobs[job.ID] = job

	w := h.do(http.MethodPut,
		"/api/v1/devices/"+device.ID.String()+"/jobs/"+job.ID.String()+"/status",
		gin.H{
			"status": int32(datamodel.JobInProgress), "currentStep": 1, "totalSteps": 2,
			"currentCycle": 1, "totalCycles": 1,
			"dataPoints": []gin.H{{"tag": "temp", "value": 20.0}},
		})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datamodel.JobInProgress, job.Status)
}

func TestControlJob(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")

	t.Run("pause accepted", func(t *testing.T) {
		job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobInProgress}
		h.f.jobs[job.ID] = job
		w := h.do(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/pause", nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []datamodel.JobControl{datamodel.JobControlPause}, h.f.publishedControls)
	})

	t.Run("finished job conflicts", func(t *testing.T) {
		job := &datamodel.Job{ID: uuid.New(), DeviceID: device.ID, Status: datamodel.JobSucceeded}
		h.f.jobs[job.ID] = job
		w := h.do(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		w := h.do(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestScheduleLifecycle(t *testing.T) {
	h := newHarness()
	device := h.addDevice("tok1")
	recipeID := h.addRecipe("prime")

	w := h.do(http.MethodPut, "/api/v1/schedules", gin.H{
		"deviceId":      device.ID,
		"recipeId":      recipeID,
		"type":          int32(datamodel.ScheduleRepeat),
		"interval":      int32(datamodel.IntervalHour),
		"intervalValue": 1,
		"startTime":     time.Now().UTC().Format(time.RFC3339),
		"isActive":      true,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID    string `json:"id"`
		Armed bool   `json:"armed"`
	}
	decodeBody(t, w, &resp)
	assert.True(t, resp.Armed)
	assert.Len(t, h.f.schedules, 1)
	assert.Len(t, h.f.armed, 1)

	t.Run("repeat without interval rejected", func(t *testing.T) {
		w := h.do(http.MethodPut, "/api/v1/schedules", gin.H{
			"deviceId":  device.ID,
			"recipeId":  recipeID,
			"type":      int32(datamodel.ScheduleRepeat),
			"startTime": time.Now().UTC().Format(time.RFC3339),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete disarms", func(t *testing.T) {
		w := h.do(http.MethodDelete, "/api/v1/schedules/"+resp.ID, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, h.f.schedules)
		assert.Len(t, h.f.unarmed, 1)
	})
}
