package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rung/go-safecast"

	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

// dataPointIn is the JSON shape of one inbound telemetry point.
type dataPointIn struct {
	Tag       string    `json:"tag" binding:"required"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"ts"`
	Latitude  *float64  `json:"lat"`
	Longitude *float64  `json:"lon"`
	GridX     *int32    `json:"gridX"`
	GridY     *int32    `json:"gridY"`
}

func (in *dataPointIn) toPoint() datamodel.DataPoint {
	return datamodel.DataPoint{
		SensorTag: in.Tag,
		Value:     in.Value,
		Timestamp: in.Timestamp,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		GridX:     in.GridX,
		GridY:     in.GridY,
	}
}

type dataPointOut struct {
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"ts"`
}

func toPointsOut(points []datamodel.DataPoint) []dataPointOut {
	out := make([]dataPointOut, len(points))
	for i, p := range points {
		out[i] = dataPointOut{Tag: p.SensorTag, Value: p.Value, Timestamp: p.Timestamp.UTC()}
	}
	return out
}

// postDeviceData ingests a telemetry batch posted by device firmware. The
// :id path segment is the device access token.
func (s *Server) postDeviceData(c *gin.Context) {
	device, err := s.devices.GetDeviceByToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if device == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown access token"})
		return
	}

	var body []dataPointIn
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	points := make([]datamodel.DataPoint, len(body))
	for i := range body {
		points[i] = body[i].toPoint()
	}
	accepted, skipped := s.telemetry.Ingest(c.Request.Context(), device.ID, points)
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "skipped": skipped})
}

func (s *Server) getLatest(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	point, err := s.telemetry.GetLatest(c.Request.Context(), deviceID, c.Param("tag"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataPointOut{Tag: point.SensorTag, Value: point.Value, Timestamp: point.Timestamp.UTC()})
}

func parseTimeRange(c *gin.Context) (from time.Time, to time.Time, ok bool) {
	var err error
	from, err = time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed from"})
		return from, to, false
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed to"})
			return from, to, false
		}
	} else {
		to = time.Now().UTC()
	}
	return from, to, true
}

// getRange serves raw, fixed-count downsampled or time-bucketed series
// depending on the maxPoints / bucketSeconds query params.
func (s *Server) getRange(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}
	tag := c.Param("tag")
	ctx := c.Request.Context()

	if raw := c.Query("bucketSeconds"); raw != "" {
		bucketSeconds, err := safecast.Atoi32(raw)
		if err != nil || bucketSeconds <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed bucketSeconds"})
			return
		}
		agg, err := ingest.ParseAggregate(c.Query("method"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		points, err := s.telemetry.GetBucketed(ctx, deviceID, tag, from, to,
			time.Duration(bucketSeconds)*time.Second, agg)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toPointsOut(points))
		return
	}

	maxPoints := int32(0)
	if raw := c.Query("maxPoints"); raw != "" {
		var err error
		maxPoints, err = safecast.Atoi32(raw)
		if err != nil || maxPoints < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed maxPoints"})
			return
		}
	}
	points, err := s.telemetry.GetRange(ctx, deviceID, tag, from, to, int(maxPoints))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPointsOut(points))
}

func (s *Server) getCount(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var from, to *time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed from"})
			return
		}
		from = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed to"})
			return
		}
		to = &t
	}

	count, err := s.telemetry.Count(c.Request.Context(), deviceID, from, to)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) deleteRange(c *gin.Context) {
	deviceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	from, to, ok := parseTimeRange(c)
	if !ok {
		return
	}
	deleted, err := s.telemetry.DeleteRange(c.Request.Context(), deviceID, from, to)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
