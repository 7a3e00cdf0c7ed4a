// Package ingest is the telemetry write and read path. Writes validate,
// fan out best-effort side effects (stream, presence, last-value cache,
// live push) and never block the device on the database. Reads prefer the
// cache and fall back to the datastore.
package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// SampleRateTag is the reserved sensor tag devices use to report their
// effective sample rate. It updates the device record instead of being
// stored as telemetry.
const SampleRateTag = "samplerate"

var (
	pointsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_datapoints_accepted_total",
		Help: "Telemetry points that passed validation and were queued for storage",
	})
	pointsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_datapoints_skipped_total",
		Help: "Telemetry points dropped during validation",
	})
)

// Store is the datastore surface of the telemetry path.
type Store interface {
	GetLatestDataPoint(ctx context.Context, deviceID uuid.UUID, tag string) (*datamodel.DataPoint, error)
	// GetDataPointsRange returns the series in [from, to], newest first.
	GetDataPointsRange(ctx context.Context, deviceID uuid.UUID, tag string, from time.Time, to time.Time) ([]datamodel.DataPoint, error)
	CountDataPoints(ctx context.Context, deviceID uuid.UUID, from *time.Time, to *time.Time) (int64, error)
	// DeleteDataPointsBatch deletes at most limit matching rows and returns
	// how many went away, so large deletes proceed in bounded chunks.
	DeleteDataPointsBatch(ctx context.Context, deviceID uuid.UUID, from time.Time, to time.Time, limit int64) (int64, error)
	UpdateDeviceSampleRate(ctx context.Context, deviceID uuid.UUID, seconds int32) error
}

// Pusher forwards accepted points to live subscribers. A nil Pusher is valid.
type Pusher interface {
	PushDataPoint(deviceID uuid.UUID, point *datamodel.DataPoint)
}

// Service wires validation to the stream, the KV store and the datastore.
type Service struct {
	kv     internal.KV
	stream internal.Stream
	store  Store
	push   Pusher
	now    func() time.Time
}

func NewService(kv internal.KV, stream internal.Stream, store Store, push Pusher) *Service {
	return &Service{kv: kv, stream: stream, store: store, push: push, now: time.Now}
}

// StreamRecord is the JSON shape of one point inside the telemetry stream,
// shared with the batch persister that drains it.
type StreamRecord struct {
	DeviceID  uuid.UUID `json:"device_id"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
	Latitude  *float64  `json:"lat,omitempty"`
	Longitude *float64  `json:"lon,omitempty"`
	GridX     *int32    `json:"gx,omitempty"`
	GridY     *int32    `json:"gy,omitempty"`
}

// DecodeStreamEntry parses one stream entry back into a record.
func DecodeStreamEntry(values map[string]interface{}) (*StreamRecord, error) {
	raw, ok := values["point"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry has no point field")
	}
	var rec StreamRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Ingest validates and queues the points of one device message. Points with
// a non-finite value are dropped; timestamps before the year 2000 mean the
// device has no clock yet and are replaced with the hub's time. Side effects
// beyond validation are best-effort, a dead cache never rejects telemetry.
func (s *Service) Ingest(ctx context.Context, deviceID uuid.UUID, points []datamodel.DataPoint) (accepted int, skipped int) {
	now := s.now().UTC()
	for i := range points {
		point := &points[i]
		point.DeviceID = deviceID

		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			pointsSkipped.Inc()
			skipped++
			continue
		}
		if point.Timestamp.Year() < 2000 {
			point.Timestamp = now
		}

		if point.SensorTag == SampleRateTag {
			if err := s.store.UpdateDeviceSampleRate(ctx, deviceID, int32(point.Value)); err != nil {
				zap.S().Warnf("Failed to update sample rate of device %s: %s", deviceID, err)
			}
			accepted++
			continue
		}

		s.appendToStream(ctx, point)
		s.cacheLastValue(ctx, point)
		if s.push != nil {
			s.push.PushDataPoint(deviceID, point)
		}
		pointsAccepted.Inc()
		accepted++
	}

	s.MarkSeen(ctx, deviceID)
	return accepted, skipped
}

// MarkSeen refreshes the presence flag and last-seen timestamp of a device.
func (s *Service) MarkSeen(ctx context.Context, deviceID uuid.UUID) {
	id := deviceID.String()
	if err := s.kv.Set(ctx, internal.KeyDeviceConnected(id), "1", internal.DeviceConnectedTTL); err != nil {
		zap.S().Warnf("Failed to refresh presence of device %s: %s", deviceID, err)
	}
	if err := s.kv.Set(ctx, internal.KeyDeviceLastSeen(id), s.now().UTC().Format(time.RFC3339), 0); err != nil {
		zap.S().Warnf("Failed to store last-seen of device %s: %s", deviceID, err)
	}
}

func (s *Service) appendToStream(ctx context.Context, point *datamodel.DataPoint) {
	raw, err := json.Marshal(recordFromPoint(point))
	if err != nil {
		zap.S().Errorf("Failed to encode point of device %s: %s", point.DeviceID, err)
		return
	}
	if err := s.stream.Append(ctx, map[string]interface{}{"point": string(raw)}); err != nil {
		zap.S().Errorf("Failed to queue point of device %s: %s", point.DeviceID, err)
	}
}

func (s *Service) cacheLastValue(ctx context.Context, point *datamodel.DataPoint) {
	raw, err := json.Marshal(recordFromPoint(point))
	if err != nil {
		return
	}
	key := internal.KeyLastValue(point.DeviceID.String(), point.SensorTag)
	if err := s.kv.Set(ctx, key, string(raw), internal.LastValueTTL); err != nil {
		zap.S().Warnf("Failed to cache last value %s of device %s: %s", point.SensorTag, point.DeviceID, err)
	}
}

func recordFromPoint(p *datamodel.DataPoint) *StreamRecord {
	return &StreamRecord{
		DeviceID:  p.DeviceID,
		Tag:       p.SensorTag,
		Timestamp: p.Timestamp.UTC(),
		Value:     p.Value,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		GridX:     p.GridX,
		GridY:     p.GridY,
	}
}

// ToPoint converts a stream record back into the stored datapoint shape.
func (r *StreamRecord) ToPoint() *datamodel.DataPoint {
	return &datamodel.DataPoint{
		DeviceID:  r.DeviceID,
		SensorTag: r.Tag,
		Timestamp: r.Timestamp,
		Value:     r.Value,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		GridX:     r.GridX,
		GridY:     r.GridY,
	}
}

// GetLatest returns the newest point of one sensor, cache first. A miss
// falls through to the datastore and backfills the cache.
func (s *Service) GetLatest(ctx context.Context, deviceID uuid.UUID, tag string) (*datamodel.DataPoint, error) {
	key := internal.KeyLastValue(deviceID.String(), tag)
	if raw, found, err := s.kv.Get(ctx, key); err == nil && found {
		var rec StreamRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			return rec.ToPoint(), nil
		}
		zap.S().Warnf("Corrupt last-value cache entry %s, falling back to store", key)
	}

	point, err := s.store.GetLatestDataPoint(ctx, deviceID, tag)
	if err != nil {
		return nil, err
	}
	if point == nil {
		return nil, fmt.Errorf("no data for device %s sensor %s: %w", deviceID, tag, datamodel.ErrNotFound)
	}
	s.cacheLastValue(ctx, point)
	return point, nil
}

// Count returns how many points a device has stored, optionally bounded in time.
func (s *Service) Count(ctx context.Context, deviceID uuid.UUID, from *time.Time, to *time.Time) (int64, error) {
	return s.store.CountDataPoints(ctx, deviceID, from, to)
}

const deleteBatchSize = 10000

// DeleteRange removes all points of a device in [from, to] in bounded
// batches and returns the total deleted.
func (s *Service) DeleteRange(ctx context.Context, deviceID uuid.UUID, from time.Time, to time.Time) (int64, error) {
	var total int64
	for {
		n, err := s.store.DeleteDataPointsBatch(ctx, deviceID, from, to, deleteBatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < deleteBatchSize {
			return total, nil
		}
	}
}
