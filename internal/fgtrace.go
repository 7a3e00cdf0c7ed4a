package internal

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/felixge/fgtrace"
	"go.uber.org/zap"
)

// Initfgtrace exposes /debug/fgtrace on :1337 when DEBUG_ENABLE_FGTRACE is true.
func Initfgtrace() {
	go func() {
		val, set := os.LookupEnv("DEBUG_ENABLE_FGTRACE")
		if !set {
			return
		}
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			zap.S().Errorf("DEBUG_ENABLE_FGTRACE is not a valid boolean: %s", val)
			return
		}
		if !enabled {
			zap.S().Debugf("Debug tracing is disabled. Set DEBUG_ENABLE_FGTRACE to true to enable.")
			return
		}
		zap.S().Warnf("fgtrace is enabled. This might hurt performance! Set DEBUG_ENABLE_FGTRACE to false to disable.")
		http.DefaultServeMux.Handle("/debug/fgtrace", fgtrace.Config{})
		server := &http.Server{
			Addr:              ":1337",
			ReadHeaderTimeout: 3 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			zap.S().Errorf("Failed to start fgtrace: %s", err)
		}
	}()
}
