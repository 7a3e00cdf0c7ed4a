package internal

import (
	"fmt"
	"time"
)

// Key layout and TTLs of the shared KV store. Every orchestrator instance
// reads and writes the same keys, so they live here rather than in the
// packages that use them.
const (
	DeviceIDCacheTTL    = time.Hour
	DeviceConnectedTTL  = 30 * time.Minute
	LastValueTTL        = time.Hour
	EdgeNodeCacheTTL    = 5 * time.Minute
	EdgeNodeLastSyncTTL = 7 * 24 * time.Hour

	TelemetryStreamName = "datapoints"
)

func KeyDeviceID(accessToken string) string {
	return fmt.Sprintf("device:%s:id", accessToken)
}

func KeyDeviceConnected(deviceID string) string {
	return fmt.Sprintf("device:%s:connected", deviceID)
}

func KeyDeviceLastSeen(deviceID string) string {
	return fmt.Sprintf("device:%s:lastSeen", deviceID)
}

func KeyLastValue(deviceID string, sensorTag string) string {
	return fmt.Sprintf("device:%s:%s:last", deviceID, sensorTag)
}

func KeyEdgeNodeByToken(token string) string {
	return fmt.Sprintf("edge-node:token:%s", AsXXHash([]byte(token)))
}

func KeyEdgeNodeLastSync(nodeID string) string {
	return fmt.Sprintf("edge-node:%s:last-sync", nodeID)
}
