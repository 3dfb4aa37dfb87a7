// main package for the narration-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-jobs/internal/config"
	"github.com/book-expert/narration-jobs/internal/heartbeat"
	"github.com/book-expert/narration-jobs/internal/jobclient"
	"github.com/book-expert/narration-jobs/internal/objectstore"
	"github.com/book-expert/narration-jobs/internal/worker"
	"github.com/nats-io/nats.go"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "narration-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "narration-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return serve(cfg, finalLog)
}

// serve wires NATS, the backend client and the heartbeat into the worker and
// blocks until SIGINT or SIGTERM.
func serve(cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("narration-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	archive, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open audio archive: %w", err)
	}

	backend := jobclient.NewHTTPClient(cfg.API.BaseURL, cfg.APITimeout()).WithAssetBase(cfg.API.AssetBaseURL)
	beat := heartbeat.New(backend, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout(), log)

	narrationWorker, err := worker.NewNatsWorker(natsConnection, worker.Config{
		RequestSubject:  cfg.NATS.RequestSubject,
		ProgressSubject: cfg.NATS.ProgressSubject,
		QueueGroup:      cfg.NATS.QueueGroup,
		MaxConcurrent:   cfg.NATS.MaxConcurrentJobs,
		Polling:         cfg.PollingOptions(),
	}, backend, beat, archive, log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.System("Narration-Service successfully initialized. Listening for jobs on subject: %s", cfg.NATS.RequestSubject)

	err = narrationWorker.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	log.System("Narration-Service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
