// Package edgesync is the HTTP surface edge nodes sync against: batched
// telemetry upload, catalog snapshot download and firmware streaming. Nodes
// authenticate with their sync token and are told when to come back.
package edgesync

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var syncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicehub_edge_sync_requests_total",
	Help: "Authenticated edge sync requests by endpoint",
}, []string{"endpoint"})

const (
	edgeTokenHeader = "X-Edge-Token"
	nodeContextKey  = "edgeNode"

	// defaultSyncSeconds is handed out when a node has no configured rate.
	defaultSyncSeconds = int32(5)
)

// Store is the persistence surface the sync gateway needs.
type Store interface {
	GetEdgeNodeByToken(ctx context.Context, token string) (*datamodel.EdgeNode, error)
	GetDeviceByToken(ctx context.Context, accessToken string) (*datamodel.Device, error)
	GetHubSnapshot(ctx context.Context, ownerEmail string) (*datamodel.HubSnapshot, error)
	GetFirmware(ctx context.Context, templateID uuid.UUID, firmwareID uuid.UUID) (*datamodel.Firmware, error)
}

// Server serves the /edge/v1 route group.
type Server struct {
	kv          internal.KV
	store       Store
	telemetry   *ingest.Service
	firmwareDir string
}

func NewServer(kv internal.KV, store Store, telemetry *ingest.Service, firmwareDir string) *Server {
	return &Server{kv: kv, store: store, telemetry: telemetry, firmwareDir: firmwareDir}
}

// Register attaches the edge sync routes to the router.
func (s *Server) Register(router *gin.Engine) {
	g := router.Group("/edge/v1", s.authenticate)
	g.POST("/datapoints", s.syncDataPoints)
	g.GET("/snapshot", s.getSnapshot)
	g.GET("/firmware/:templateId/:firmwareId", s.streamFirmware)
}

// authenticate resolves the X-Edge-Token header into an edge node, cache
// first, and stamps the node's last-sync key. Anything without a valid
// token never reaches a handler.
func (s *Server) authenticate(c *gin.Context) {
	token := c.GetHeader(edgeTokenHeader)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": datamodel.ErrUnauthenticated.Error()})
		return
	}

	ctx := c.Request.Context()
	node, ok := s.resolveNode(ctx, token)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": datamodel.ErrUnauthenticated.Error()})
		return
	}

	if err := s.kv.Set(ctx, internal.KeyEdgeNodeLastSync(node.ID.String()),
		time.Now().UTC().Format(time.RFC3339), internal.EdgeNodeLastSyncTTL); err != nil {
		zap.S().Warnf("Failed to stamp last sync of edge node %s: %s", node.ID, err)
	}
	syncRequests.WithLabelValues(c.FullPath()).Inc()

	c.Set(nodeContextKey, node)
	c.Next()
}

func (s *Server) resolveNode(ctx context.Context, token string) (*datamodel.EdgeNode, bool) {
	key := internal.KeyEdgeNodeByToken(token)
	if cached, found, err := s.kv.Get(ctx, key); err == nil && found {
		var node datamodel.EdgeNode
		if err := json.Unmarshal([]byte(cached), &node); err == nil {
			return &node, true
		}
	}

	node, err := s.store.GetEdgeNodeByToken(ctx, token)
	if err != nil {
		zap.S().Errorf("Edge node lookup failed: %s", err)
		return nil, false
	}
	if node == nil {
		return nil, false
	}
	if encoded, err := json.Marshal(node); err == nil {
		if err := s.kv.Set(ctx, key, string(encoded), internal.EdgeNodeCacheTTL); err != nil {
			zap.S().Warnf("Failed to cache edge node %s: %s", node.ID, err)
		}
	}
	return node, true
}

func nodeFromContext(c *gin.Context) *datamodel.EdgeNode {
	return c.MustGet(nodeContextKey).(*datamodel.EdgeNode)
}

// edgePointIn is one telemetry point in a batch sync. The edge addresses
// devices by their access token, the hub resolves ids.
type edgePointIn struct {
	DeviceToken string    `json:"deviceToken" binding:"required"`
	Tag         string    `json:"tag" binding:"required"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"ts"`
	Latitude    *float64  `json:"lat"`
	Longitude   *float64  `json:"lon"`
	GridX       *int32    `json:"gridX"`
	GridY       *int32    `json:"gridY"`
}

// syncDataPoints ingests a batch collected by an edge node while offline.
// Points for unknown devices are skipped, not rejected: one retired device
// must not block the rest of the batch.
func (s *Server) syncDataPoints(c *gin.Context) {
	node := nodeFromContext(c)

	var body []edgePointIn
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	batches := make(map[uuid.UUID][]datamodel.DataPoint)
	var order []uuid.UUID
	accepted, skipped := 0, 0
	for i := range body {
		p := &body[i]
		deviceID, ok := s.resolveDevice(ctx, p.DeviceToken)
		if !ok {
			skipped++
			continue
		}
		if _, seen := batches[deviceID]; !seen {
			order = append(order, deviceID)
		}
		batches[deviceID] = append(batches[deviceID], datamodel.DataPoint{
			SensorTag: p.Tag,
			Value:     p.Value,
			Timestamp: p.Timestamp,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			GridX:     p.GridX,
			GridY:     p.GridY,
		})
	}
	for _, deviceID := range order {
		a, sk := s.telemetry.Ingest(ctx, deviceID, batches[deviceID])
		accepted += a
		skipped += sk
	}

	nextSync := node.UpdateRateSeconds
	if nextSync <= 0 {
		nextSync = defaultSyncSeconds
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted":        accepted,
		"skipped":         skipped,
		"nextSyncSeconds": nextSync,
	})
}

// resolveDevice maps an access token to a device id, cache first. Unknown
// tokens are not negatively cached so freshly provisioned devices sync on
// their first batch.
func (s *Server) resolveDevice(ctx context.Context, accessToken string) (uuid.UUID, bool) {
	if accessToken == "" {
		return uuid.Nil, false
	}
	key := internal.KeyDeviceID(accessToken)
	if cached, found, err := s.kv.Get(ctx, key); err == nil && found {
		if id, err := uuid.Parse(cached); err == nil {
			return id, true
		}
	}

	device, err := s.store.GetDeviceByToken(ctx, accessToken)
	if err != nil {
		zap.S().Errorf("Device lookup failed: %s", err)
		return uuid.Nil, false
	}
	if device == nil {
		return uuid.Nil, false
	}
	if err := s.kv.Set(ctx, key, device.ID.String(), internal.DeviceIDCacheTTL); err != nil {
		zap.S().Warnf("Failed to cache device id for token: %s", err)
	}
	return device.ID, true
}

// getSnapshot returns the owner-scoped catalog the node mirrors locally.
func (s *Server) getSnapshot(c *gin.Context) {
	node := nodeFromContext(c)
	snapshot, err := s.store.GetHubSnapshot(c.Request.Context(), node.OwnerEmail)
	if err != nil {
		zap.S().Errorf("Snapshot assembly for edge node %s failed: %s", node.ID, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
