package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/actions"
	"github.com/mikeyg42/sentrycam/internal/analyzer"
	"github.com/mikeyg42/sentrycam/internal/api"
	"github.com/mikeyg42/sentrycam/internal/camera"
	"github.com/mikeyg42/sentrycam/internal/config"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/eventstore"
	"github.com/mikeyg42/sentrycam/internal/framestream"
	"github.com/mikeyg42/sentrycam/internal/logging"
	"github.com/mikeyg42/sentrycam/internal/metrics"
	"github.com/mikeyg42/sentrycam/internal/notification"
	"github.com/mikeyg42/sentrycam/internal/pipeline"
	"github.com/mikeyg42/sentrycam/internal/storage"
	"github.com/mikeyg42/sentrycam/internal/vision"
)

// Application holds all components
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	source   *camera.Source
	store    *eventstore.Store
	pipeline *pipeline.Pipeline
	producer *framestream.Producer
	server   *api.Server

	// closers run in reverse order on Cleanup
	closers []io.Closer
}

func main() {
	configPath := flag.String("config", os.Getenv("SENTRYCAM_CONFIG"), "path to a YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
		app.Cleanup()
		logger.Sync()
		os.Exit(1)
	}
}

// NewApplication wires every component. Optional backends (Postgres,
// MinIO, webhook) that fail to initialize are logged and skipped; the core
// loop runs without them.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}
	checks := make(map[string]api.HealthCheck)

	fileLog, err := eventstore.OpenFileLog(cfg.Events.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	logs := eventstore.MultiLog{fileLog}

	if cfg.Events.PostgresDSN != "" {
		archive, err := eventstore.NewPostgresLog(ctx, eventstore.PostgresConfig{
			DSN:             cfg.Events.PostgresDSN,
			MaxConnections:  5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			WriteTimeout:    2 * time.Second,
		}, logger)
		if err != nil {
			logger.Warn("Postgres event archive disabled", zap.Error(err))
		} else {
			logs = append(logs, archive)
			checks["postgres"] = archive.HealthCheck
		}
	}
	app.store = eventstore.New(cfg.Events.MaxInMemory, logs, logger)
	app.closers = append(app.closers, app.store)

	var snapshots storage.SnapshotStore
	var snapshotStats func() storage.Stats
	if sc := cfg.SnapshotStore; sc.Enabled() {
		minioStore, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			UseSSL:          sc.UseSSL,
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Prefix:          sc.Prefix,
			MaxUploads:      sc.MaxUploads,
			ConnectTimeout:  sc.ConnectTimeout,
			MaxRetries:      sc.MaxRetries,
			RetryBackoff:    500 * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Warn("Snapshot upload disabled", zap.Error(err))
		} else {
			snapshots = minioStore
			snapshotStats = minioStore.Stats
			checks["minio"] = minioStore.HealthCheck
		}
	}

	var notifier notification.Notifier
	if nc := cfg.Notification; nc.WebhookURL != "" {
		webhook, err := notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:         nc.WebhookURL,
			Username:    nc.Username,
			Timeout:     nc.Timeout,
			MaxAttempts: nc.MaxAttempts,
			RetryDelay:  time.Second,
		}, logger)
		if err != nil {
			logger.Warn("Webhook notifications disabled", zap.Error(err))
		} else {
			notifier = webhook
		}
	}

	encoder := vision.JPEGEncoder{Quality: cfg.Pipeline.JPEGQuality}

	dispatcher := actions.New(actions.Config{
		Policy: actions.Policy{
			TriggerTypes:  cfg.Actions.TriggerTypes,
			MinConfidence: cfg.Actions.MinConfidence,
			Cooldown:      cfg.Actions.Cooldown,
		},
		SnapshotDir: cfg.Actions.SnapshotDir,
		Encoder:     encoder,
		Snapshots:   snapshots,
		Notifier:    notifier,
	}, logger)

	motionAnalyzer, err := vision.NewMotionAnalyzer(cfg.Motion, logger)
	if err == nil {
		app.closers = append(app.closers, motionAnalyzer)
	}
	motion := analyzer.OrNoop(event.ModeMotion, motionAnalyzer, err, logger)

	gestureAnalyzer, err := vision.NewGestureAnalyzer(cfg.Gesture, logger)
	if err == nil {
		app.closers = append(app.closers, gestureAnalyzer)
	}
	gesture := analyzer.OrNoop(event.ModeGesture, gestureAnalyzer, err, logger)

	app.pipeline = pipeline.New(pipeline.Config{DefaultMode: event.Mode(cfg.Pipeline.DefaultMode)},
		analyzer.Set{event.ModeMotion: motion, event.ModeGesture: gesture},
		dispatcher, app.store, logger)

	app.source = camera.NewSource(camera.Settings{
		Index:  cfg.Camera.Index,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	}, vision.OpenDevice, logger)

	publisher := framestream.NewPublisher()
	app.producer = framestream.NewProducer(framestream.ProducerConfig{
		FPSLimit:        cfg.Pipeline.FPSLimit,
		MaxReadFailures: cfg.Camera.MaxReadFailures,
	}, app.source, app.pipeline, encoder, publisher, logger)

	m := metrics.New(metrics.Sources{
		Camera:    app.source.Stats,
		Producer:  app.producer.Stats,
		Pipeline:  app.pipeline.Stats,
		Events:    app.store,
		Actions:   dispatcher.Stats,
		Snapshots: snapshotStats,
	})

	app.server = api.NewServer(cfg.Server, api.Deps{
		Modes:    app.pipeline,
		Events:   app.store,
		Frames:   publisher,
		Producer: app.producer,
		Metrics:  m,
		Checks:   checks,
	}, logger)

	return app, nil
}

// Run starts the producer and the HTTP server and blocks until ctx is done
// or either of them fails.
func (app *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	producerErr := make(chan error, 1)
	go func() {
		producerErr <- app.producer.Run(ctx)
	}()

	serverErr := app.server.StartInBackground()
	app.logger.Info("sentrycam running",
		zap.String("addr", app.config.Server.Addr),
		zap.String("mode", app.pipeline.Mode().String()))

	var runErr error
	producerDone := false
	select {
	case <-ctx.Done():
		app.logger.Info("Shutdown requested")
	case err := <-producerErr:
		producerDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("Producer stopped", zap.Error(err))
			if errors.Is(err, camera.ErrDeviceUnavailable) {
				// keep serving history and the mode API until interrupted
				<-ctx.Done()
			} else {
				runErr = err
			}
		}
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	cancel()

	// analyzers are released in Cleanup, so the loop must be gone first
	if !producerDone {
		<-producerErr
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// Cleanup releases resources. It is safe to call more than once.
func (app *Application) Cleanup() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Warn("Error during cleanup", zap.Error(err))
		}
	}
	app.closers = nil
}
