// Package livehub pushes telemetry and job updates to browser dashboards
// over websockets. Subscriptions are per device; a connection can watch any
// number of devices. Delivery is fire-and-forget, a slow consumer gets
// disconnected rather than backpressuring the ingest path.
package livehub

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "devicehub_live_connections",
	Help: "Open live-update websocket connections",
})

// Message is the envelope pushed to subscribers.
type Message struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId"`
	Payload  interface{} `json:"payload"`
}

const (
	messageTypeDataPoint = "datapoint"
	messageTypeJob       = "job"
	messageTypePresence  = "presence"
)

// Hub tracks connections and their device subscriptions.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*client]bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[uuid.UUID]map[*client]bool)}
}

func (h *Hub) subscribe(c *client, deviceID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[deviceID] == nil {
		h.subscribers[deviceID] = make(map[*client]bool)
	}
	h.subscribers[deviceID][c] = true
}

func (h *Hub) unsubscribe(c *client, deviceID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[deviceID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscribers, deviceID)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for deviceID, subs := range h.subscribers {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscribers, deviceID)
		}
	}
}

// PushDataPoint fans an accepted telemetry point out to subscribers.
func (h *Hub) PushDataPoint(deviceID uuid.UUID, point *datamodel.DataPoint) {
	h.broadcast(deviceID, &Message{
		Type:     messageTypeDataPoint,
		DeviceID: deviceID.String(),
		Payload: map[string]interface{}{
			"tag":   point.SensorTag,
			"ts":    point.Timestamp.UTC().Format(time.RFC3339Nano),
			"value": point.Value,
		},
	})
}

// PushJob fans a job state change out to subscribers of its device.
func (h *Hub) PushJob(job *datamodel.Job) {
	h.broadcast(job.DeviceID, &Message{
		Type:     messageTypeJob,
		DeviceID: job.DeviceID.String(),
		Payload: map[string]interface{}{
			"jobId":          job.ID.String(),
			"name":           job.Name,
			"status":         job.Status.String(),
			"progress":       job.Progress(),
			"currentStep":    job.CurrentStep,
			"totalSteps":     job.TotalSteps,
			"currentCycle":   job.CurrentCycle,
			"totalCycles":    job.TotalCycles,
			"paused":         job.Paused,
			"currentCommand": job.CurrentCommandName(),
		},
	})
}

// PushPresence fans a connect or disconnect event out to subscribers.
func (h *Hub) PushPresence(deviceID uuid.UUID, connected bool) {
	h.broadcast(deviceID, &Message{
		Type:     messageTypePresence,
		DeviceID: deviceID.String(),
		Payload:  map[string]interface{}{"connected": connected},
	})
}

func (h *Hub) broadcast(deviceID uuid.UUID, msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		zap.S().Errorf("Failed to encode live message for device %s: %s", deviceID, err)
		return
	}

	// Sends happen under the read lock and channel closes under the write
	// lock, after the client left the maps. A later broadcast can therefore
	// never reach a closed channel.
	var slow []*client
	h.mu.RLock()
	for c := range h.subscribers[deviceID] {
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// Slow consumer, disconnect it instead of blocking the pipeline.
		h.drop(c)
		c.closeOnce.Do(func() { close(c.send) })
	}
}

// subscriberCount reports how many connections watch a device, for tests.
func (h *Hub) subscriberCount(deviceID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[deviceID])
}
