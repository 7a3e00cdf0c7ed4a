// Package worker holds the background loops: the stream-to-database batch
// persister and the job timeout sweeper.
package worker

import (
	"context"
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

var (
	pointsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_datapoints_persisted_total",
		Help: "Telemetry points written to the database",
	})
	pointsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicehub_datapoints_requeued_total",
		Help: "Telemetry batches parked on disk after a failed database write",
	})
)

// PointWriter is the database surface the persister needs.
type PointWriter interface {
	InsertDataPoints(ctx context.Context, points []datamodel.DataPoint) (int64, error)
}

const (
	persistBatchSize = 1000
	persistIdleSleep = time.Second
	retryIdleSleep   = 5 * time.Second
	backoffSlot      = 100 * time.Millisecond
	backoffMax       = time.Minute
)

// Persister drains the telemetry stream into the database in batches.
// Failed batches are parked in a disk-backed queue and retried with
// backoff, so a database outage loses nothing and never blocks the stream.
type Persister struct {
	stream   internal.Stream
	writer   PointWriter
	retryQ   *goque.Queue
	consumer string
}

func NewPersister(stream internal.Stream, writer PointWriter, retryDir string, consumer string) (*Persister, error) {
	q, err := goque.OpenQueue(retryDir)
	if err != nil {
		return nil, err
	}
	return &Persister{stream: stream, writer: writer, retryQ: q, consumer: consumer}, nil
}

// Run consumes the stream until the context is canceled.
func (p *Persister) Run(ctx context.Context) {
	go p.retryLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.drainOnce(ctx)
		if err != nil {
			zap.S().Errorf("Stream read failed: %s", err)
			sleepCtx(ctx, retryIdleSleep)
			continue
		}
		if n == 0 {
			sleepCtx(ctx, persistIdleSleep)
		}
	}
}

// drainOnce reads one batch, writes it and acknowledges it. Entries that do
// not parse are acknowledged too, replaying garbage forever helps nobody.
func (p *Persister) drainOnce(ctx context.Context) (int, error) {
	entries, err := p.stream.ReadBatch(ctx, p.consumer, persistBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	points := make([]datamodel.DataPoint, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
		rec, err := ingest.DecodeStreamEntry(entry.Values)
		if err != nil {
			zap.S().Warnf("Dropping unparseable stream entry %s: %s", entry.ID, err)
			continue
		}
		points = append(points, *rec.ToPoint())
	}

	if inserted, err := p.writer.InsertDataPoints(ctx, points); err != nil {
		// Park the batch on disk, acknowledge the stream anyway: the disk
		// queue is now the source of truth for these points.
		zap.S().Errorf("Database write of %d points failed, parking batch: %s", len(points), err)
		p.park(points)
	} else {
		pointsPersisted.Add(float64(inserted))
	}

	if err := p.stream.Ack(ctx, ids...); err != nil {
		zap.S().Errorf("Failed to ack %d stream entries: %s", len(ids), err)
	}
	return len(entries), nil
}

func (p *Persister) park(points []datamodel.DataPoint) {
	raw, err := json.Marshal(points)
	if err != nil {
		zap.S().Errorf("Failed to encode batch for the retry queue, %d points lost: %s", len(points), err)
		return
	}
	if _, err := p.retryQ.Enqueue(raw); err != nil {
		zap.S().Errorf("Failed to park batch on disk, %d points lost: %s", len(points), err)
		return
	}
	pointsRequeued.Inc()
}

// retryLoop replays parked batches once the database is healthy again.
func (p *Persister) retryLoop(ctx context.Context) {
	var retries int64
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.retryQ.Peek()
		if err == goque.ErrEmpty {
			sleepCtx(ctx, retryIdleSleep)
			continue
		}
		if err != nil {
			zap.S().Errorf("Retry queue peek failed: %s", err)
			sleepCtx(ctx, retryIdleSleep)
			continue
		}

		var points []datamodel.DataPoint
		if err := json.Unmarshal(item.Value, &points); err != nil {
			zap.S().Errorf("Dropping corrupt retry batch: %s", err)
			_, _ = p.retryQ.Dequeue()
			continue
		}

		if inserted, err := p.writer.InsertDataPoints(ctx, points); err != nil {
			retries++
			internal.SleepBackedOff(retries, backoffSlot, backoffMax)
			continue
		} else {
			pointsPersisted.Add(float64(inserted))
		}
		retries = 0
		_, _ = p.retryQ.Dequeue()
	}
}

// Close releases the disk queue.
func (p *Persister) Close() {
	if err := p.retryQ.Close(); err != nil {
		zap.S().Warnf("Failed to close retry queue: %s", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
