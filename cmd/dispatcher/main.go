// cmd/dispatcher/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_api "worker-dispatch/internal/api/grpc"
	http_api "worker-dispatch/internal/api/http"
	"worker-dispatch/internal/config"
	"worker-dispatch/internal/dispatch"
	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/infra/etcd"
	"worker-dispatch/internal/infra/memory"
	mongo_infra "worker-dispatch/internal/infra/mongo"
	nats_infra "worker-dispatch/internal/infra/nats"
	redis_infra "worker-dispatch/internal/infra/redis"
	"worker-dispatch/internal/registry"
	"worker-dispatch/internal/router"
	"worker-dispatch/internal/scheduler"
	"worker-dispatch/internal/tracing"
	"worker-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stores bundles the persistence and coordination backends chosen by store.driver.
type stores struct {
	repo   domain.RequestRepository
	locker domain.Locker
	leader domain.LeaderElectionManager
	close  func()
}

func openStores(ctx context.Context, cfg *config.Config, nodeID string, logger *slog.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store, requests will not survive a restart")
		return &stores{
			repo:   memory.NewRequestRepository(),
			locker: memory.NewLocker(),
			leader: memory.NewLeaderElectionManager(),
			close:  func() {},
		}, nil
	}

	// Coordination always runs on etcd outside of memory mode.
	etcdClient, err := etcd.NewClient(ctx, cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
	if err != nil {
		return nil, err
	}
	s := &stores{
		locker: etcd.NewEtcdLocker(etcdClient),
		leader: etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger),
		close:  func() { etcdClient.Close() },
	}
	logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)

	switch cfg.Store.Driver {
	case "mongo":
		mongoClient, err := mongo_infra.NewClient(ctx, cfg.Mongo.URI)
		if err != nil {
			s.close()
			return nil, err
		}
		repo, err := mongo_infra.NewRequestRepository(ctx, mongoClient.Database(cfg.Mongo.Database), logger)
		if err != nil {
			_ = mongoClient.Disconnect(context.Background())
			s.close()
			return nil, err
		}
		s.repo = repo
		s.close = func() {
			_ = mongoClient.Disconnect(context.Background())
			etcdClient.Close()
		}
		logger.Info("connected to mongo", "database", cfg.Mongo.Database)
	default:
		s.repo = etcd.NewEtcdRequestRepository(etcdClient, logger)
	}
	return s, nil
}

func openDeduplicator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Deduplicator, func(), error) {
	if cfg.Redis.Addr == "" {
		return memory.NewDeduplicator(cfg.DedupTTL), func() {}, nil
	}
	client, err := redis_infra.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	return redis_infra.NewDeduplicator(client, cfg.DedupTTL), func() { _ = client.Close() }, nil
}

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	nodeID := uuid.New().String()

	tracerShutdown, err := tracing.InitTracer("worker-dispatch-dispatcher", nodeID, os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting dispatcher node", "node_id", nodeID)

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Open the request store, coordination and deduplication backends
	st, err := openStores(rootCtx, cfg, nodeID, logger)
	if err != nil {
		log.Fatalf("Failed to open store %q: %v", cfg.Store.Driver, err)
	}
	defer st.close()

	dedup, closeDedup, err := openDeduplicator(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open deduplicator: %v", err)
	}
	defer closeDedup()

	// 6. Connect to the bus
	conn, err := nats_infra.Connect(cfg.Nats.URL, "worker-dispatch-"+nodeID, cfg.Nats.Timeout, logger)
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

	// 7. Instantiate components
	rt := router.New(config.RouteTable(cfg.Routes), logger)
	reg := registry.New(cfg.Timeouts.Heartbeat, logger)
	reg.RegisterTypes(rt.WorkerTypes()...)
	cfg.WatchRoutes(func(table map[string][]string) {
		rt.Reload(table)
		reg.RegisterTypes(rt.WorkerTypes()...)
	}, func(err error) {
		logger.Error("route reload rejected, keeping previous routes", "error", err)
	})

	dispatcher := dispatch.NewDispatcher(rt, reg, broker, st.repo, logger)
	responses := dispatch.NewResponseHandler(st.repo, dispatcher, cfg.Dispatch.ChainResetsCount, logger)
	ingestor := dispatch.NewIngestor(st.repo, dedup, dispatcher, logger)

	// 8. Subscribe to heartbeats first so capacity is known before requests arrive
	if _, err := broker.ConsumeHeartbeats(func(hb domain.Heartbeat) {
		reg.RecordHeartbeat(hb)
	}); err != nil {
		log.Fatalf("Failed to subscribe to heartbeats: %v", err)
	}
	if _, err := broker.ConsumeRequests(rootCtx, func(ctx context.Context, msg domain.InboundMessage) {
		if _, err := ingestor.Ingest(ctx, msg); err != nil {
			logger.Error("failed to ingest request", "error", err)
		}
	}); err != nil {
		log.Fatalf("Failed to subscribe to requests: %v", err)
	}
	if _, err := broker.ConsumeDeadLetters(rootCtx, func(ctx context.Context, msg domain.InboundMessage) {
		if _, err := ingestor.DeadLetter(ctx, msg); err != nil {
			logger.Error("failed to record dead letter", "error", err)
		}
	}); err != nil {
		log.Fatalf("Failed to subscribe to dead letters: %v", err)
	}
	if _, err := broker.ConsumeResponses(rootCtx, func(ctx context.Context, resp *domain.WorkerResponse) {
		if _, err := responses.HandleResponse(ctx, resp); err != nil {
			logger.Error("failed to handle worker response", "request_id", resp.RequestID, "error", err)
		}
	}); err != nil {
		log.Fatalf("Failed to subscribe to responses: %v", err)
	}

	// 9. Retry scanner runs on the elected leader only
	scanner := scheduler.NewRetryScanner(st.repo, dispatcher, st.locker, cfg.Timeouts.RetryBackoff, cfg.Timeouts.Dispatch, logger)
	cronScheduler, err := scheduler.NewCronScheduler(cfg.Scanner.Schedule, scanner, logger)
	if err != nil {
		log.Fatalf("Failed to create scanner schedule: %v", err)
	}
	scannerService := usecase.NewScannerService(st.leader, cronScheduler, nodeID, logger)
	go func() {
		if err := scannerService.Start(rootCtx); err != nil {
			log.Fatalf("ScannerService stopped with error: %v", err)
		}
	}()

	// 10. Register routes and metrics endpoint
	requestService := usecase.NewRequestService(st.repo, reg, logger)
	requestHandler := http_api.NewRequestHandler(requestService, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	requestHandler.RegisterRoutes(mux)

	// 11. Start gRPC health server
	health := grpc_api.NewHealthServer(map[string]grpc_api.Probe{
		"nats": broker.Connected,
	}, 5*time.Second, logger)
	go func() {
		if err := health.Serve(rootCtx, cfg.GrpcListenAddr); err != nil {
			logger.Error("gRPC health server failed", "error", err)
		}
	}()

	// 12. Start HTTP API server with CORS middleware
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 13. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down dispatcher gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := broker.Drain(); err != nil {
		logger.Error("failed to drain nats connection", "error", err)
	}

	logger.Info("dispatcher shut down")
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
