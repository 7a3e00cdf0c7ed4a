package edgesync

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cristalhq/base64"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const firmwareChunkSize = 64 * 1024

// firmwareChunk is one NDJSON line of a firmware download.
type firmwareChunk struct {
	Seq  int    `json:"seq"`
	Data string `json:"data"`
	Last bool   `json:"last"`
}

// streamFirmware sends the firmware binary as newline-delimited base64
// chunks. Edge links are slow and flaky, so each chunk is flushed as soon
// as it is written and the stream stops when the node goes away.
func (s *Server) streamFirmware(c *gin.Context) {
	templateID, err := uuid.Parse(c.Param("templateId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed templateId"})
		return
	}
	firmwareID, err := uuid.Parse(c.Param("firmwareId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed firmwareId"})
		return
	}

	ctx := c.Request.Context()
	firmware, err := s.store.GetFirmware(ctx, templateID, firmwareID)
	if err != nil {
		zap.S().Errorf("Firmware lookup failed: %s", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if firmware == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "firmware not found"})
		return
	}

	f, err := os.Open(filepath.Join(s.firmwareDir, firmware.StoredFileName))
	if err != nil {
		if os.IsNotExist(err) {
			zap.S().Errorf("Firmware %s has no file %s", firmwareID, firmware.StoredFileName)
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "firmware file missing"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)

	size := info.Size()
	buf := make([]byte, firmwareChunkSize)
	var sent int64
	for seq := 0; ; seq++ {
		if ctx.Err() != nil {
			return
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			sent += int64(n)
			chunk := firmwareChunk{
				Seq:  seq,
				Data: base64.StdEncoding.EncodeToString(buf[:n]),
				Last: sent >= size,
			}
			if err := enc.Encode(&chunk); err != nil {
				return
			}
			c.Writer.Flush()
		}
		if readErr != nil {
			if readErr != io.EOF {
				zap.S().Errorf("Firmware stream %s aborted: %s", firmwareID, readErr)
			} else if size == 0 {
				// Empty file still yields a terminating chunk.
				_ = enc.Encode(&firmwareChunk{Seq: 0, Data: "", Last: true})
				c.Writer.Flush()
			}
			return
		}
	}
}
