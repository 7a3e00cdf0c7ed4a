package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/devicehub-io/devicehub/cmd/devicehub/api"
	"github.com/devicehub-io/devicehub/cmd/devicehub/edgesync"
	"github.com/devicehub-io/devicehub/cmd/devicehub/gateway"
	"github.com/devicehub-io/devicehub/cmd/devicehub/ingest"
	"github.com/devicehub-io/devicehub/cmd/devicehub/jobs"
	"github.com/devicehub-io/devicehub/cmd/devicehub/livehub"
	"github.com/devicehub-io/devicehub/cmd/devicehub/scheduler"
	"github.com/devicehub-io/devicehub/cmd/devicehub/storage"
	"github.com/devicehub-io/devicehub/cmd/devicehub/worker"
	"github.com/devicehub-io/devicehub/internal"
	"github.com/devicehub-io/devicehub/pkg/datamodel"
)

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)

	internal.Initfgtrace()
	initPrometheus()

	dryRun, err := env.GetAsBool("DRY_RUN", false, false)
	if err != nil {
		zap.S().Fatalf("Failed to get DRY_RUN from env: %s", err)
	}

	// Shared KV and telemetry stream, redis in production, in-process in
	// DRY_RUN mode.
	var kv internal.KV
	var stream internal.Stream
	if dryRun {
		zap.S().Infof("DRY_RUN is set, using in-memory cache and stream")
		kv = internal.NewMemoryKV()
		stream = internal.NewMemoryStream()
	} else {
		redisURI, err := env.GetAsString("REDIS_URI", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
		}
		redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_PASSWORD from env: %s", err)
		}
		rdb, err := internal.NewRedisClient(redisURI, redisPassword, 0)
		if err != nil {
			zap.S().Fatalf("Failed to connect to redis: %s", err)
		}
		kv = internal.NewRedisKV(rdb)
		stream = internal.NewRedisStream(rdb, internal.TelemetryStreamName)
	}

	db := storage.GetOrInit()

	live := livehub.NewHub()
	telemetry := ingest.NewService(kv, stream, db, live)
	jobSvc := jobs.NewService(db, db)

	gw := gateway.New(kv, db, jobSvc, telemetry, live)
	brokerURL, err := env.GetAsString("MQTT_BROKER_URL", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_BROKER_URL from env: %s", err)
	}
	mqttUser, err := env.GetAsString("MQTT_USERNAME", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_USERNAME from env: %s", err)
	}
	mqttPassword, err := env.GetAsString("MQTT_PASSWORD", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_PASSWORD from env: %s", err)
	}
	podName, err := env.GetAsString("MY_POD_NAME", false, "devicehub")
	if err != nil {
		zap.S().Fatalf("Failed to get MY_POD_NAME from env: %s", err)
	}
	if err := gw.Connect(brokerURL, podName, mqttUser, mqttPassword); err != nil {
		zap.S().Fatalf("Failed to connect to MQTT broker: %s", err)
	}

	initHealthCheck(db, gw)

	engine := scheduler.NewEngine(scheduleFire(db, jobSvc, gw, kv))
	bootstrapSchedules(db, engine)

	ctx, cancel := context.WithCancel(context.Background())

	retryDir, err := env.GetAsString("RETRY_QUEUE_DIR", false, "/data/retry-queue")
	if err != nil {
		zap.S().Fatalf("Failed to get RETRY_QUEUE_DIR from env: %s", err)
	}
	persister, err := worker.NewPersister(stream, db, retryDir, podName)
	if err != nil {
		zap.S().Fatalf("Failed to open retry queue in %s: %s", retryDir, err)
	}
	go persister.Run(ctx)
	go worker.NewSweeper(db, live).Run(ctx)

	firmwareDir, err := env.GetAsString("FIRMWARE_DIR", false, "/data/firmware")
	if err != nil {
		zap.S().Fatalf("Failed to get FIRMWARE_DIR from env: %s", err)
	}
	apiPort, err := env.GetAsString("API_PORT", false, "80")
	if err != nil {
		zap.S().Fatalf("Failed to get API_PORT from env: %s", err)
	}

	router := api.NewServer(kv, db, db, telemetry, jobSvc, gw, engine, live).Router()
	edgesync.NewServer(kv, db, telemetry, firmwareDir).Register(router)
	go func() {
		/* #nosec G114 */
		if err := http.ListenAndServe(":"+apiPort, router); err != nil {
			zap.S().Fatalf("HTTP server failed: %s", err)
		}
	}()

	zap.S().Infof("devicehub is up, serving HTTP on :%s", apiPort)

	shutdown := internal.NewGracefulShutdown(func() error {
		cancel()
		engine.Shutdown()
		gw.Shutdown()
		persister.Close()
		storage.GetOrInit().Shutdown()
		return nil
	})
	shutdown.Wait()
}

func initPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func initHealthCheck(db *storage.Connection, gw *gateway.Gateway) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", db.HealthCheck())
	health.AddLivenessCheck("database", db.HealthCheck())
	health.AddReadinessCheck("mqtt", gw.HealthCheck())
	health.AddLivenessCheck("mqtt", gw.HealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

// scheduleFire builds the callback the schedule engine invokes when a
// schedule is due: re-load it, expand its recipe into a job and push the
// job if the device is online. One-shot schedules are deactivated after
// firing so a restart does not fire them again.
func scheduleFire(db *storage.Connection, jobSvc *jobs.Service, gw *gateway.Gateway, kv internal.KV) scheduler.FireFunc {
	return func(ctx context.Context, stale *datamodel.JobSchedule) error {
		// The schedule may have been edited or deleted since it was armed.
		schedule, err := db.GetSchedule(ctx, stale.ID)
		if err != nil {
			return err
		}
		if schedule == nil || !schedule.IsActive || schedule.Expired(time.Now()) {
			zap.S().Infof("Schedule %s is gone or inactive, skipping fire", stale.ID)
			return nil
		}

		job, err := jobSvc.CreateFromRecipe(ctx, schedule.DeviceID, schedule.RecipeID,
			"scheduled", schedule.Cycles, false)
		if err != nil {
			return err
		}
		zap.S().Infof("Schedule %s created job %s for device %s", schedule.ID, job.ID, schedule.DeviceID)

		if deviceConnected(ctx, kv, schedule.DeviceID) {
			device, err := db.GetDevice(ctx, schedule.DeviceID)
			if err == nil && device != nil {
				if err := gw.PublishJob(device.AccessToken, job); err != nil {
					zap.S().Errorf("Failed to push scheduled job %s: %s", job.ID, err)
				}
			}
		}

		if schedule.Type == datamodel.ScheduleOnce {
			if err := db.DeactivateSchedule(ctx, schedule.ID); err != nil {
				zap.S().Errorf("Failed to deactivate one-shot schedule %s: %s", schedule.ID, err)
			}
		}
		return nil
	}
}

func bootstrapSchedules(db *storage.Connection, engine *scheduler.Engine) {
	ctx, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFunc()
	schedules, err := db.ListActiveSchedules(ctx)
	if err != nil {
		zap.S().Fatalf("Failed to load schedules: %s", err)
	}
	engine.Bootstrap(schedules)
}

func deviceConnected(ctx context.Context, kv internal.KV, deviceID uuid.UUID) bool {
	_, found, err := kv.Get(ctx, internal.KeyDeviceConnected(deviceID.String()))
	return err == nil && found
}
