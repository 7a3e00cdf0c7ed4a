package edgesync

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristalhq/base64"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

type fakeStore struct {
	nodes       map[string]*datamodel.EdgeNode
	devices     map[string]*datamodel.Device
	snapshot    *datamodel.HubSnapshot
	firmwares   map[uuid.UUID]*datamodel.Firmware
	nodeLookups int
}

func (f *fakeStore) GetEdgeNodeByToken(_ context.Context, token string) (*datamodel.EdgeNode, error) {
	f.nodeLookups++
	return f.nodes[token], nil
}

func (f *fakeStore) GetDeviceByToken(_ context.Context, accessToken string) (*datamodel.Device, error) {
	return f.devices[accessToken], nil
}

func (f *fakeStore) GetHubSnapshot(_ context.Context, _ string) (*datamodel.HubSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeStore) GetFirmware(_ context.Context, _ uuid.UUID, firmwareID uuid.UUID) (*datamodel.Firmware, error) {
	return f.firmwares[firmwareID], nil
}

// nopIngestStore satisfies the telemetry store without a database.
type nopIngestStore struct{}

func (nopIngestStore) GetLatestDataPoint(context.Context, uuid.UUID, string) (*datamodel.DataPoint, error) {
	return nil, nil
}

func (nopIngestStore) GetDataPointsRange(context.Context, uuid.UUID, string, time.Time, time.Time) ([]datamodel.DataPoint, error) {
	return nil, nil
}

func (nopIngestStore) CountDataPoints(context.Context, uuid.UUID, *time.Time, *time.Time) (int64, error) {
	return 0, nil
}

func (nopIngestStore) DeleteDataPointsBatch(context.Context, uuid.UUID, time.Time, time.Time, int64) (int64, error) {
	return 0, nil
}

func (nopIngestStore) UpdateDeviceSampleRate(context.Context, uuid.UUID, int32) error {
	return nil
}

type harness struct {
	store  *fakeStore
	kv     internal.KV
	stream *internal.MemoryStream
	router *gin.Engine
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &fakeStore{
		nodes:     map[string]*datamodel.EdgeNode{},
		devices:   map[string]*datamodel.Device{},
		firmwares: map[uuid.UUID]*datamodel.Firmware{},
	}
	kv := internal.NewMemoryKV()
	stream := internal.NewMemoryStream()
	telemetry := ingest.NewService(kv, stream, nopIngestStore{}, nil)

	dir := t.TempDir()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewServer(kv, store, telemetry, dir).Register(router)
	return &harness{store: store, kv: kv, stream: stream, router: router, dir: dir}
}

func (h *harness) addNode(token string, rate int32) *datamodel.EdgeNode {
	n := &datamodel.EdgeNode{ID: uuid.New(), Name: "edge", Token: token,
		OwnerEmail: "owner@example.com", UpdateRateSeconds: rate}
	h.store.nodes[token] = n
	return n
}

func (h *harness) do(method string, path string, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(edgeTokenHeader, token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("edge-tok", 0)
	h.store.snapshot = &datamodel.HubSnapshot{}

	t.Run("missing token", func(t *testing.T) {
		w := h.do(http.MethodGet, "/edge/v1/snapshot", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := h.do(http.MethodGet, "/edge/v1/snapshot", "ghost", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token stamps last sync and caches the node", func(t *testing.T) {
		h.store.nodeLookups = 0
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/edge/v1/snapshot", "edge-tok", nil).Code)
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/edge/v1/snapshot", "edge-tok", nil).Code)
		assert.Equal(t, 1, h.store.nodeLookups)

		_, found, err := h.kv.Get(context.Background(),
			internal.KeyEdgeNodeLastSync(node.ID.String()))
		assert.NoError(t, err)
		assert.True(t, found)
	})
}

func TestSyncDataPoints(t *testing.T) {
	h := newHarness(t)
	h.addNode("edge-tok", 0)
	device := &datamodel.Device{ID: uuid.New(), AccessToken: "dev-tok"}
	h.store.devices["dev-tok"] = device

	t.Run("unknown devices are skipped, not fatal", func(t *testing.T) {
		w := h.do(http.MethodPost, "/edge/v1/datapoints", "edge-tok", []gin.H{
			{"deviceToken": "dev-tok", "tag": "temp", "value": 21.5},
			{"deviceToken": "dev-tok", "tag": "hum", "value": 60.0},
			{"deviceToken": "retired", "tag": "temp", "value": 1.0},
		})
		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Accepted        int   `json:"accepted"`
			Skipped         int   `json:"skipped"`
			NextSyncSeconds int32 `json:"nextSyncSeconds"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Accepted)
		assert.Equal(t, 1, resp.Skipped)
		assert.Equal(t, defaultSyncSeconds, resp.NextSyncSeconds)

		assert.Equal(t, 2, h.stream.Len())
	})

	t.Run("configured node rate wins", func(t *testing.T) {
		h.addNode("fast-edge", 30)
		w := h.do(http.MethodPost, "/edge/v1/datapoints", "fast-edge", []gin.H{})
		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			NextSyncSeconds int32 `json:"nextSyncSeconds"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int32(30), resp.NextSyncSeconds)
	})
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.addNode("edge-tok", 0)
	h.store.snapshot = &datamodel.HubSnapshot{
		Templates: []datamodel.DeviceTemplate{{ID: uuid.New(), Name: "washer"}},
		Devices:   []datamodel.Device{{ID: uuid.New(), Name: "w1"}},
	}

	w := h.do(http.MethodGet, "/edge/v1/snapshot", "edge-tok", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var snapshot datamodel.HubSnapshot
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Len(t, snapshot.Templates, 1)
	assert.Equal(t, "washer", snapshot.Templates[0].Name)
	assert.Len(t, snapshot.Devices, 1)
}

func TestStreamFirmware(t *testing.T) {
	h := newHarness(t)
	h.addNode("edge-tok", 0)
	templateID := uuid.New()
	firmwareID := uuid.New()
	h.store.firmwares[firmwareID] = &datamodel.Firmware{
		ID: firmwareID, TemplateID: templateID,
		VersionNumber: "1.2.0", StoredFileName: "fw.bin",
	}

	blob := bytes.Repeat([]byte{0xAB, 0xCD, 0x01}, 50000) // 150000 bytes, 3 chunks
	assert.NoError(t, os.WriteFile(filepath.Join(h.dir, "fw.bin"), blob, 0o600))

	t.Run("chunks reassemble to the original binary", func(t *testing.T) {
		path := "/edge/v1/firmware/" + templateID.String() + "/" + firmwareID.String()
		w := h.do(http.MethodGet, path, "edge-tok", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var assembled []byte
		var chunks []firmwareChunk
		scanner := bufio.NewScanner(w.Body)
		scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
		for scanner.Scan() {
			var chunk firmwareChunk
			assert.NoError(t, json.Unmarshal(scanner.Bytes(), &chunk))
			data, err := base64.StdEncoding.DecodeString(chunk.Data)
			assert.NoError(t, err)
			assembled = append(assembled, data...)
			chunks = append(chunks, chunk)
		}
		assert.NoError(t, scanner.Err())

		assert.Len(t, chunks, 3)
		for i, chunk := range chunks {
			assert.Equal(t, i, chunk.Seq)
			assert.Equal(t, i == len(chunks)-1, chunk.Last)
		}
		assert.Equal(t, blob, assembled)
	})

	t.Run("unknown firmware", func(t *testing.T) {
		path := "/edge/v1/firmware/" + templateID.String() + "/" + uuid.NewString()
		w := h.do(http.MethodGet, path, "edge-tok", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
