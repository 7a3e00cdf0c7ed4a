// Package gateway is the MQTT-facing edge of the hub. Devices authenticate
// against the broker with their access token as username and client id, so
// every topic carries the token, never the device id. The gateway resolves
// tokens, routes inbound messages to the telemetry and job pipelines and
// publishes job snapshots back out.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/cmd/devicehub/payload"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// Topic layout shared with device firmware. The data topic is consumed
// through the broker's shared queue so multiple hub instances split the
// load; presence events come from the broker's $SYS tree.
const (
	topicData         = "$queue/devices/+/data"
	topicJobReport    = "devices/+/job_from_device"
	topicConnected    = "$SYS/brokers/+/clients/+/connected"
	topicDisconnected = "$SYS/brokers/+/clients/+/disconnected"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_gateway_messages_total",
		Help: "Inbound MQTT messages by kind",
	}, []string{"kind"})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_gateway_dropped_total",
		Help: "Inbound MQTT messages dropped (unknown token, malformed payload, duplicate)",
	})
	jobsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_gateway_jobs_published_total",
		Help: "Job snapshots pushed to devices",
	})
	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicehub_gateway_up",
		Help: "Connection with the MQTT broker",
	})
)

// DeviceLookup resolves access tokens against the device catalog.
type DeviceLookup interface {
	GetDeviceByToken(ctx context.Context, accessToken string) (*datamodel.Device, error)
}

// JobService is the job lifecycle surface the gateway drives.
type JobService interface {
	ApplyStatusReport(ctx context.Context, jobID uuid.UUID, report *jobs.StatusReport) (*datamodel.Job, error)
	FailActiveJobs(ctx context.Context, deviceID uuid.UUID, includeQueued bool) (int, error)
	NextQueuedJob(ctx context.Context, deviceID uuid.UUID) (*datamodel.Job, error)
}

// TelemetryHandler accepts validated device telemetry.
type TelemetryHandler interface {
	Ingest(ctx context.Context, deviceID uuid.UUID, points []datamodel.DataPoint) (accepted int, skipped int)
	MarkSeen(ctx context.Context, deviceID uuid.UUID)
}

// LivePusher forwards gateway events to dashboard subscribers. May be nil.
type LivePusher interface {
	PushJob(job *datamodel.Job)
	PushPresence(deviceID uuid.UUID, connected bool)
}

const dedupeTTL = 10 * time.Second

// Gateway owns the broker connection and the routing table.
type Gateway struct {
	client  MQTT.Client
	publish func(topic string, raw []byte) error

	kv        internal.KV
	devices   DeviceLookup
	jobs      JobService
	telemetry TelemetryHandler
	live      LivePusher

	// Duplicate suppression for the at-least-once report topic.
	seen     *expiremap.ExpireMap[string, struct{}]
	jobLocks *mapmutex.Mutex
}

func New(kv internal.KV, devices DeviceLookup, jobSvc JobService, telemetry TelemetryHandler, live LivePusher) *Gateway {
	return &Gateway{
		kv:        kv,
		devices:   devices,
		jobs:      jobSvc,
		telemetry: telemetry,
		live:      live,
		seen:      expiremap.NewEx[string, struct{}](time.Minute, dedupeTTL),
		jobLocks:  mapmutex.NewMapMutex(),
	}
}

// Connect dials the broker, wires the routing table and blocks until the
// initial connection is up or fails.
func (g *Gateway) Connect(brokerURL string, clientID string, username string, password string) error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(g.onConnect)
	opts.SetConnectionLostHandler(g.onConnectionLost)

	g.client = MQTT.NewClient(opts)
	g.publish = func(topic string, raw []byte) error {
		token := g.client.Publish(topic, 1, false, raw)
		token.Wait()
		return token.Error()
	}

	if token := g.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// onConnect (re-)subscribes; required with clean sessions after reconnects.
func (g *Gateway) onConnect(c MQTT.Client) {
	zap.S().Infof("Connected to MQTT broker")
	mqttConnected.Set(1)

	subscriptions := map[string]MQTT.MessageHandler{
		topicData:         g.onDataMessage,
		topicJobReport:    g.onJobReport,
		topicConnected:    g.onPresence(true),
		topicDisconnected: g.onPresence(false),
	}
	for topic, handler := range subscriptions {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			zap.S().Errorf("Failed to subscribe %s: %s", topic, token.Error())
		}
	}
}

func (g *Gateway) onConnectionLost(_ MQTT.Client, err error) {
	zap.S().Warnf("Connection to MQTT broker lost: %s", err)
	mqttConnected.Set(0)
}

// HealthCheck reports broker connectivity for the readiness probe.
func (g *Gateway) HealthCheck() healthcheck.Check {
	return func() error {
		if g.client != nil && g.client.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected to MQTT broker")
	}
}

// Shutdown disconnects from the broker, letting in-flight publishes drain.
func (g *Gateway) Shutdown() {
	if g.client != nil {
		g.client.Disconnect(1000)
	}
}

// PublishJob pushes the job snapshot to its device.
func (g *Gateway) PublishJob(accessToken string, job *datamodel.Job) error {
	raw, err := payload.EncodeJob(payload.FromJob(job))
	if err != nil {
		return err
	}
	if err := g.publish(fmt.Sprintf("devices/%s/job", accessToken), raw); err != nil {
		return err
	}
	jobsPublished.Inc()
	return nil
}

// PublishJobControl pushes a control action (pause, resume, skip, cancel)
// for a running job to its device.
func (g *Gateway) PublishJobControl(accessToken string, jobID uuid.UUID, control datamodel.JobControl) error {
	raw, err := payload.EncodeJobControl(&payload.JobControl{
		JobID:   jobID.String(),
		Control: int32(control),
	})
	if err != nil {
		return err
	}
	return g.publish(fmt.Sprintf("devices/%s/job/control", accessToken), raw)
}

// PublishNextQueuedJob pushes the oldest queued job of a device, if any.
func (g *Gateway) PublishNextQueuedJob(ctx context.Context, deviceID uuid.UUID, accessToken string) error {
	job, err := g.jobs.NextQueuedJob(ctx, deviceID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return g.PublishJob(accessToken, job)
}
