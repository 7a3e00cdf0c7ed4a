package gateway

import (
	"context"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/cmd/devicehub/payload"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

const handlerTimeout = 30 * time.Second

// tokenFromDeviceTopic extracts the access token from devices/{token}/...
// topics, including the $queue/ shared-subscription prefix.
func tokenFromDeviceTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "devices" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// tokenFromPresenceTopic extracts the client id from
// $SYS/brokers/{node}/clients/{clientid}/connected topics. Devices connect
// with their access token as client id.
func tokenFromPresenceTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 6 || parts[3] != "clients" {
		return ""
	}
	return parts[4]
}

// resolveDevice turns an access token into a device id, cache first. The
// resolved id is cached for an hour; unknown tokens are not negatively
// cached so a freshly provisioned device works immediately.
func (g *Gateway) resolveDevice(ctx context.Context, accessToken string) (uuid.UUID, bool) {
	if accessToken == "" {
		return uuid.Nil, false
	}
	key := internal.KeyDeviceID(accessToken)
	if cached, found, err := g.kv.Get(ctx, key); err == nil && found {
		if id, err := uuid.Parse(cached); err == nil {
			return id, true
		}
	}

	device, err := g.devices.GetDeviceByToken(ctx, accessToken)
	if err != nil {
		zap.S().Errorf("Device lookup failed: %s", err)
		return uuid.Nil, false
	}
	if device == nil {
		return uuid.Nil, false
	}
	if err := g.kv.Set(ctx, key, device.ID.String(), internal.DeviceIDCacheTTL); err != nil {
		zap.S().Warnf("Failed to cache device id for token: %s", err)
	}
	return device.ID, true
}

func (g *Gateway) onDataMessage(_ MQTT.Client, msg MQTT.Message) {
	messagesReceived.WithLabelValues("data").Inc()
	topic, raw := msg.Topic(), msg.Payload()
	go g.handleData(topic, raw)
}

func (g *Gateway) handleData(topic string, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	deviceID, ok := g.resolveDevice(ctx, tokenFromDeviceTopic(topic))
	if !ok {
		messagesDropped.Inc()
		zap.S().Debugf("Dropping data message with unknown token on %s", topic)
		return
	}

	points, err := decodeDataPoints(raw)
	if err != nil {
		messagesDropped.Inc()
		zap.S().Warnf("Malformed data payload from device %s: %s", deviceID, err)
		return
	}
	g.telemetry.Ingest(ctx, deviceID, points)
}

// decodeDataPoints accepts either a CBOR array of points or a single point,
// firmware sends both depending on its batching window.
func decodeDataPoints(raw []byte) ([]datamodel.DataPoint, error) {
	var batch []payload.DataPoint
	if err := cbor.Unmarshal(raw, &batch); err != nil {
		single, err := payload.DecodeDataPoint(raw)
		if err != nil {
			return nil, err
		}
		batch = []payload.DataPoint{*single}
	}

	points := make([]datamodel.DataPoint, 0, len(batch))
	for _, p := range batch {
		point := datamodel.DataPoint{
			SensorTag: p.Tag,
			Value:     p.Value,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			GridX:     p.GridX,
			GridY:     p.GridY,
		}
		if p.TsUnixMs != nil {
			point.Timestamp = time.UnixMilli(*p.TsUnixMs).UTC()
		}
		points = append(points, point)
	}
	return points, nil
}

func (g *Gateway) onJobReport(_ MQTT.Client, msg MQTT.Message) {
	messagesReceived.WithLabelValues("job_report").Inc()
	topic, raw := msg.Topic(), msg.Payload()
	go g.handleJobReport(topic, raw)
}

func (g *Gateway) handleJobReport(topic string, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	accessToken := tokenFromDeviceTopic(topic)
	deviceID, ok := g.resolveDevice(ctx, accessToken)
	if !ok {
		messagesDropped.Inc()
		zap.S().Debugf("Dropping job report with unknown token on %s", topic)
		return
	}

	// The report topic is at-least-once, drop exact duplicates.
	dedupeKey := internal.AsXXHash([]byte(topic), raw)
	if _, duplicate := g.seen.Load(dedupeKey); duplicate {
		messagesDropped.Inc()
		return
	}
	g.seen.Set(dedupeKey, struct{}{})

	report, err := payload.DecodeJob(raw)
	if err != nil {
		messagesDropped.Inc()
		zap.S().Warnf("Malformed job report from device %s: %s", deviceID, err)
		return
	}
	jobID := report.ParsedJobID()
	if jobID == uuid.Nil {
		messagesDropped.Inc()
		zap.S().Warnf("Job report from device %s carries malformed job id %q", deviceID, report.JobID)
		return
	}

	// Reports for the same job apply sequentially.
	if !g.jobLocks.TryLock(jobID) {
		messagesDropped.Inc()
		zap.S().Warnf("Could not acquire lock for job %s, dropping report", jobID)
		return
	}
	defer g.jobLocks.Unlock(jobID)

	job, err := g.jobs.ApplyStatusReport(ctx, jobID, &jobs.StatusReport{
		Status:       datamodel.JobStatus(report.Status),
		CurrentStep:  report.CurrentStep,
		TotalSteps:   report.TotalSteps,
		CurrentCycle: report.CurrentCycle,
		TotalCycles:  report.TotalCycles,
		Paused:       report.Paused,
		StartedAt:    report.StartedAt(),
		FinishedAt:   report.FinishedAt(),
	})
	if err != nil {
		zap.S().Errorf("Failed to apply status report for job %s: %s", jobID, err)
		return
	}
	if job.DeviceID != deviceID {
		zap.S().Warnf("Device %s reported on job %s owned by %s", deviceID, jobID, job.DeviceID)
	}

	g.telemetry.MarkSeen(ctx, deviceID)
	if g.live != nil {
		g.live.PushJob(job)
	}

	// A finished job frees the device, hand it the next queued one.
	if job.Status.IsTerminal() {
		if err := g.PublishNextQueuedJob(ctx, job.DeviceID, accessToken); err != nil {
			zap.S().Errorf("Failed to publish next job for device %s: %s", job.DeviceID, err)
		}
	}
}

func (g *Gateway) onPresence(connected bool) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		kind := "disconnected"
		if connected {
			kind = "connected"
		}
		messagesReceived.WithLabelValues(kind).Inc()
		topic := msg.Topic()
		go g.handlePresence(topic, connected)
	}
}

func (g *Gateway) handlePresence(topic string, connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	accessToken := tokenFromPresenceTopic(topic)
	deviceID, ok := g.resolveDevice(ctx, accessToken)
	if !ok {
		// Dashboards and other non-device clients also appear in $SYS.
		return
	}

	if connected {
		g.handleConnected(ctx, deviceID, accessToken)
	} else {
		g.handleDisconnected(ctx, deviceID)
	}
	if g.live != nil {
		g.live.PushPresence(deviceID, connected)
	}
}

// handleConnected marks the device present, fails whatever was mid-flight
// before the reconnect (the device holds no job state across restarts) and
// hands it the oldest queued job. Queued jobs survive the reconnect.
func (g *Gateway) handleConnected(ctx context.Context, deviceID uuid.UUID, accessToken string) {
	zap.S().Infof("Device %s connected", deviceID)
	g.telemetry.MarkSeen(ctx, deviceID)

	if _, err := g.jobs.FailActiveJobs(ctx, deviceID, false); err != nil {
		zap.S().Errorf("Failed to clean up stale jobs of device %s: %s", deviceID, err)
	}
	if err := g.PublishNextQueuedJob(ctx, deviceID, accessToken); err != nil {
		zap.S().Errorf("Failed to publish queued job to device %s: %s", deviceID, err)
	}
}

// handleDisconnected clears the presence flag and fails jobs the device was
// executing, a dropped device cannot finish them.
func (g *Gateway) handleDisconnected(ctx context.Context, deviceID uuid.UUID) {
	zap.S().Infof("Device %s disconnected", deviceID)
	if err := g.kv.Delete(ctx, internal.KeyDeviceConnected(deviceID.String())); err != nil {
		zap.S().Warnf("Failed to clear presence of device %s: %s", deviceID, err)
	}
	if _, err := g.jobs.FailActiveJobs(ctx, deviceID, false); err != nil {
		zap.S().Errorf("Failed to fail active jobs of device %s: %s", deviceID, err)
	}
}
