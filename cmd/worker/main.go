// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"worker-dispatch/internal/config"
	"worker-dispatch/internal/domain"
	http_infra "worker-dispatch/internal/infra/http"
	nats_infra "worker-dispatch/internal/infra/nats"
	shell_infra "worker-dispatch/internal/infra/shell"
	"worker-dispatch/internal/tracing"
	"worker-dispatch/internal/worker"

	"github.com/google/uuid"
)

func newProcessor(cfg config.WorkerConfig, logger *slog.Logger) domain.Processor {
	switch cfg.Processor {
	case "http":
		if cfg.URL == "" {
			log.Fatalf("worker.url is required for the http processor")
		}
		return http_infra.NewHttpProcessor(cfg.URL, cfg.ProcessTimeout, cfg.MaxRetries, cfg.RetryBackoff)
	default:
		if cfg.Command == "" {
			log.Fatalf("worker.command is required for the shell processor")
		}
		return shell_infra.NewShellProcessor(cfg.Command, cfg.ProcessTimeout, logger)
	}
}

func main() {
	// 1. Init logger, config, etc.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Worker.Type == "" {
		log.Fatalf("worker.type is required")
	}

	workerID := uuid.New().String()
	logger = logger.With("worker_id", workerID, "worker_type", cfg.Worker.Type)

	tracerShutdown, err := tracing.InitTracer("worker-dispatch-worker", workerID, os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting worker node", "processor", cfg.Worker.Processor, "concurrency", cfg.Worker.Concurrency)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 4. Connect to the bus
	conn, err := nats_infra.Connect(cfg.Nats.URL, "worker-"+cfg.Worker.Type+"-"+workerID, cfg.Nats.Timeout, logger)
	if err != nil {
		log.Fatalf("Failed to connect to nats: %v", err)
	}
	broker := nats_infra.NewBroker(conn, nats_infra.Subjects{
		Requests:     cfg.Subjects.Requests,
		Responses:    cfg.Subjects.Responses,
		Heartbeats:   cfg.Subjects.Heartbeats,
		DeadLetter:   cfg.Subjects.DeadLetter,
		WorkerPrefix: cfg.Subjects.WorkerPrefix,
	}, cfg.Nats.QueueGroup, logger)

	// 5. Instantiate the processor and the server that runs it
	processor := newProcessor(cfg.Worker, logger)
	server := worker.NewServer(processor, broker, cfg.Worker.Concurrency, cfg.Worker.NextContentType, workerID, logger)

	sub, err := broker.ConsumeForwarded(rootCtx, cfg.Worker.Type, server.Handle)
	if err != nil {
		log.Fatalf("Failed to subscribe to %s: %v", broker.WorkerSubject(cfg.Worker.Type), err)
	}

	// 6. Announce capacity until shutdown
	heartbeater := worker.NewHeartbeater(broker, workerID, cfg.Worker.Type, server.Capacity(),
		cfg.Worker.ContentTypes, cfg.Worker.HeartbeatInterval, server.InFlight, logger)
	go heartbeater.Run(rootCtx)

	// 7. Block until shutdown signal
	<-rootCtx.Done()
	logger.Info("shutting down worker node gracefully")

	// Stop taking work, let running requests report, then close the connection.
	// Requests still queued on the subject are re-offered by the dispatcher.
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("failed to unsubscribe from worker subject", "error", err)
	}
	server.Wait()
	if err := broker.Drain(); err != nil {
		logger.Error("failed to drain nats connection", "error", err)
	}

	logger.Info("worker node shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
