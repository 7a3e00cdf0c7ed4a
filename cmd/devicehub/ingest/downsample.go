package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// Aggregate selects how values inside a time bucket collapse into one.
type Aggregate string

const (
	AggregateAvg    Aggregate = "avg"
	AggregateMin    Aggregate = "min"
	AggregateMax    Aggregate = "max"
	AggregateSum    Aggregate = "sum"
	AggregateStdDev Aggregate = "stddev"
)

// ParseAggregate maps a query-string value onto an Aggregate. Empty means avg.
func ParseAggregate(s string) (Aggregate, error) {
	switch Aggregate(s) {
	case "":
		return AggregateAvg, nil
	case AggregateAvg, AggregateMin, AggregateMax, AggregateSum, AggregateStdDev:
		return Aggregate(s), nil
	}
	return "", fmt.Errorf("unknown aggregate %q: %w", s, datamodel.ErrValidation)
}

func (a Aggregate) apply(values []float64) float64 {
	switch a {
	case AggregateMin:
		return floats.Min(values)
	case AggregateMax:
		return floats.Max(values)
	case AggregateSum:
		return floats.Sum(values)
	case AggregateStdDev:
		if len(values) < 2 {
			return 0
		}
		return stat.StdDev(values, nil)
	}
	return stat.Mean(values, nil)
}

// GetRange returns the points of one sensor in [from, to], newest first.
// When maxPoints is positive and the raw series is larger, the series is
// downsampled into equal time buckets, one averaged point per non-empty
// bucket. maxPoints 0 returns the raw series.
func (s *Service) GetRange(ctx context.Context, deviceID uuid.UUID, tag string, from time.Time, to time.Time, maxPoints int) ([]datamodel.DataPoint, error) {
	points, err := s.store.GetDataPointsRange(ctx, deviceID, tag, from, to)
	if err != nil {
		return nil, err
	}
	if maxPoints <= 0 || len(points) <= maxPoints {
		return points, nil
	}
	return Downsample(points, from, to, maxPoints, AggregateAvg), nil
}

// GetBucketed aggregates one sensor's series into fixed-width time buckets,
// newest first.
func (s *Service) GetBucketed(ctx context.Context, deviceID uuid.UUID, tag string, from time.Time, to time.Time, bucket time.Duration, agg Aggregate) ([]datamodel.DataPoint, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("bucket width must be positive: %w", datamodel.ErrValidation)
	}
	points, err := s.store.GetDataPointsRange(ctx, deviceID, tag, from, to)
	if err != nil {
		return nil, err
	}
	span := to.Sub(from)
	if span <= 0 {
		return Downsample(points, from, to, 1, agg), nil
	}
	// Round the window up to whole buckets so every bucket has the
	// requested width.
	buckets := int((span + bucket - 1) / bucket)
	return Downsample(points, from, from.Add(time.Duration(buckets)*bucket), buckets, agg), nil
}

// Downsample collapses the series into at most buckets equal time buckets,
// one aggregated point per non-empty bucket. Points are expected sorted by
// time descending, which is how the store returns them, and the buckets
// come back newest first as well. Bucket timestamps are the bucket start.
func Downsample(points []datamodel.DataPoint, from time.Time, to time.Time, buckets int, agg Aggregate) []datamodel.DataPoint {
	if len(points) == 0 || buckets <= 0 {
		return nil
	}
	span := to.Sub(from)
	if span <= 0 {
		// Degenerate window, collapse to one point.
		return []datamodel.DataPoint{aggregateBucket(points, points[0].Timestamp, agg)}
	}
	width := span / time.Duration(buckets)
	if width <= 0 {
		width = time.Nanosecond
	}

	ascending := reversed(points)
	out := make([]datamodel.DataPoint, 0, buckets)
	start := 0
	for i := 0; i < buckets && start < len(ascending); i++ {
		bucketStart := from.Add(time.Duration(i) * width)
		bucketEnd := bucketStart.Add(width)
		if i == buckets-1 {
			bucketEnd = to.Add(time.Nanosecond)
		}

		end := start
		for end < len(ascending) && ascending[end].Timestamp.Before(bucketEnd) {
			end++
		}
		if end > start {
			out = append(out, aggregateBucket(ascending[start:end], bucketStart, agg))
			start = end
		}
	}
	return reversed(out)
}

// reversed returns a flipped copy, converting between the store's newest
// first order and the oldest first order the bucket walk needs.
func reversed(points []datamodel.DataPoint) []datamodel.DataPoint {
	out := make([]datamodel.DataPoint, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return out
}

func aggregateBucket(points []datamodel.DataPoint, ts time.Time, agg Aggregate) datamodel.DataPoint {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return datamodel.DataPoint{
		DeviceID:  points[0].DeviceID,
		SensorTag: points[0].SensorTag,
		Timestamp: ts,
		Value:     agg.apply(values),
	}
}
