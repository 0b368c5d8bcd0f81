// Package server provides the HTTP/Connect-RPC server for the control plane.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/activity"
	"github.com/circlecloud/circle/internal/config"
	"github.com/circlecloud/circle/internal/dispatcher"
	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/operation"
	"github.com/circlecloud/circle/internal/repository/etcd"
	"github.com/circlecloud/circle/internal/repository/memory"
	"github.com/circlecloud/circle/internal/repository/postgres"
	"github.com/circlecloud/circle/internal/repository/redis"
	"github.com/circlecloud/circle/internal/scheduler"
	"github.com/circlecloud/circle/internal/server/middleware"
	"github.com/circlecloud/circle/internal/services/auth"
	"github.com/circlecloud/circle/internal/services/instance"
	"github.com/circlecloud/circle/internal/services/node"
)

// leaderElection is the etcd election the reconciler runs under.
const leaderElection = "controlplane"

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	// Repository interfaces (abstracted for swappable backends)
	instanceRepo instance.Repository
	nodeRepo     node.Repository
	userRepo     auth.UserRepository
	activityRepo activity.Repository

	// Remote queues
	connPool   *dispatcher.ConnPool
	dispatcher *dispatcher.Dispatcher

	// Activities and operations
	broker *ActivityBroker
	ledger *activity.Ledger
	runner *operation.Runner

	scheduler *scheduler.Scheduler

	// Services
	metricsService  *node.MetricsService
	nodeService     *node.Service
	instanceService *instance.Service
	authService     *auth.Service

	// Leader election (for HA)
	leader *etcd.Leader
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables the shared Redis cache and event bus.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for queue discovery and leader election.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()

	if err := s.initDispatcher(); err != nil {
		return nil, err
	}
	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.instanceRepo = postgres.NewInstanceRepository(s.db, s.logger)
		s.nodeRepo = postgres.NewNodeRepository(s.db, s.logger)
		s.userRepo = postgres.NewUserRepository(s.db, s.logger)
		s.activityRepo = postgres.NewActivityRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.instanceRepo = memory.NewInstanceRepository()
		s.nodeRepo = memory.NewNodeRepository()
		s.userRepo = memory.NewUserRepository()
		s.activityRepo = memory.NewActivityRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initDispatcher wires the remote queue dispatcher and the local worker pool
// asynchronous operation bodies run on.
func (s *Server) initDispatcher() error {
	cfg := s.config.Dispatcher

	var registry dispatcher.QueueRegistry
	if s.etcd != nil {
		registry = etcd.NewQueueRegistry(s.etcd, s.logger)
	} else {
		static, err := dispatcher.NewStaticRegistry(cfg.QueueAddresses())
		if err != nil {
			return fmt.Errorf("invalid dispatcher.static_queues: %w", err)
		}
		registry = static
	}

	s.connPool = dispatcher.NewConnPool(s.logger)
	transport := dispatcher.NewGRPCTransport(registry, s.connPool, s.logger)
	s.dispatcher = dispatcher.NewDispatcher(transport, registry, cfg.DefaultTimeout, s.logger)
	s.dispatcher.AddLocalQueue(dispatcher.NewWorkerPool(cfg.ManagerQueue, cfg.Workers, cfg.QueueDepth, s.logger))

	s.logger.Info("Dispatcher initialized",
		zap.String("manager_queue", cfg.ManagerQueue),
		zap.Int("workers", cfg.Workers),
		zap.Bool("etcd_registry", s.etcd != nil),
	)
	return nil
}

// initServices initializes business logic services.
func (s *Server) initServices() error {
	s.logger.Info("Initializing services")

	// Events reach stream clients directly, or through Redis when several
	// control planes share it.
	s.broker = NewActivityBroker()
	var publisher activity.Publisher = s.broker
	if s.cache != nil {
		publisher = s.cache
	}
	s.ledger = activity.NewLedger(s.activityRepo, s.logger, activity.WithPublisher(metricsPublisher{next: publisher}))
	s.runner = operation.NewRunner(operation.NewRegistry(), s.ledger, s.dispatcher, s.logger)

	var shared node.MetricsCache
	if s.cache != nil {
		shared = s.cache
	}
	s.metricsService = node.NewMetricsService(shared, s.dispatcher, node.MetricsConfig{
		LocalTTL:     s.config.Node.LocalMetricsTTL,
		SharedTTL:    s.config.Node.MetricsTTL,
		OfflineTTL:   s.config.Node.OnlineTTL,
		QueryTimeout: s.config.Node.QueryTimeout,
	}, s.logger)

	schedulerConfig := scheduler.DefaultConfig()
	if s.config.Scheduler.PlacementStrategy != "" {
		schedulerConfig.PlacementStrategy = s.config.Scheduler.PlacementStrategy
	}
	if s.config.Scheduler.OvercommitCPU > 0 {
		schedulerConfig.OvercommitCPU = s.config.Scheduler.OvercommitCPU
	}
	if s.config.Scheduler.OvercommitMemory > 0 {
		schedulerConfig.OvercommitMemory = s.config.Scheduler.OvercommitMemory
	}
	s.scheduler = scheduler.New(s.metricsService, s.instanceRepo, schedulerConfig, s.logger)

	s.nodeService = node.NewService(s.nodeRepo, s.instanceRepo, s.metricsService, s.runner, s.logger)
	if err := s.nodeService.RegisterOperations(); err != nil {
		return fmt.Errorf("failed to register node operations: %w", err)
	}

	dc := s.config.Dispatcher
	ic := s.config.Instance
	s.instanceService = instance.NewService(s.instanceRepo, s.nodeRepo, s.runner, s.dispatcher, s.scheduler, instance.Config{
		VNCPortMin:      ic.VNCPortMin,
		VNCPortMax:      ic.VNCPortMax,
		SuspendInterval: ic.SuspendInterval,
		DeleteInterval:  ic.DeleteInterval,
		DumpDir:         ic.DumpDir,
		AsyncQueue:      dc.ManagerQueue,
		DefaultTimeout:  dc.DefaultTimeout,
		DeployTimeout:   dc.DeployTimeout,
		ShutdownTimeout: dc.ShutdownTimeout,
		SleepTimeout:    dc.SleepTimeout,
		MigrateTimeout:  dc.MigrateTimeout,
	}, s.logger)
	if err := s.instanceService.RegisterOperations(); err != nil {
		return fmt.Errorf("failed to register instance operations: %w", err)
	}

	var sessions auth.SessionStore
	var limiter auth.RateLimiter
	if s.cache != nil {
		sessions = s.cache
		limiter = s.cache
	}
	s.authService = auth.NewService(s.userRepo, sessions, limiter, auth.NewJWTManager(s.config.Auth), s.config.Auth, s.logger)

	s.logger.Info("Services initialized",
		zap.String("scheduler_strategy", schedulerConfig.PlacementStrategy),
		zap.Float64("cpu_overcommit", schedulerConfig.OvercommitCPU),
		zap.Float64("memory_overcommit", schedulerConfig.OvercommitMemory),
	)
	return nil
}

// registerRoutes registers all HTTP routes and Connect-RPC services.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)
	s.mux.HandleFunc("/api/v1/info", s.infoHandler)
	s.mux.Handle(metricsPath, metricsHandler())

	interceptors := connect.WithInterceptors(middleware.NewAuthInterceptor(s.authService, s.logger))

	operations := NewOperationHandler(s.runner, map[domain.SubjectKind]SubjectLoader{
		domain.SubjectInstance: s.instanceService.Subject,
		domain.SubjectNode:     s.nodeService.Subject,
	}, s.logger)

	services := []struct {
		name  string
		procs []procedure
	}{
		{authServiceName, NewAuthHandler(s.authService).procedures()},
		{instanceServiceName, NewInstanceHandler(s.instanceService).procedures()},
		{nodeServiceName, NewNodeHandler(s.nodeService).procedures()},
		{operationServiceName, operations.operationProcedures()},
		{activityServiceName, operations.activityProcedures()},
	}
	for _, svc := range services {
		path := mountService(s.mux, svc.name, svc.procs, s.logger, interceptors)
		s.logger.Info("Registered service", zap.String("path", path))
	}

	s.mux.Handle(activityStreamPath, NewActivityStream(s.broker, s.authService, s.config.CORS.AllowedOrigins, s.logger))
	s.mux.Handle(consolePath, NewConsoleHandler(s.instanceService, s.nodeService, s.authService, s.config.CORS.AllowedOrigins, s.logger))
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		ExposedHeaders:   []string{activityHeader},
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", metricsPath:
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code. Hijack
// is forwarded so websocket upgrades pass through.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "circle-controlplane"})
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	check := func(name string, health func(context.Context) error) {
		if err := health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
		} else {
			details[name] = "healthy"
		}
	}
	if s.db != nil {
		check("postgres", s.db.Health)
	}
	if s.cache != nil {
		check("redis", s.cache.Health)
	}
	if s.etcd != nil {
		check("etcd", s.etcd.Health)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "CIRCLE Control Plane",
		"api_version": "v1",
		"services": []string{
			authServiceName, instanceServiceName, nodeServiceName,
			operationServiceName, activityServiceName,
		},
		"leader": s.leader == nil || s.leader.IsLeader(),
		"infrastructure": map[string]bool{
			"postgres": s.db != nil,
			"redis":    s.cache != nil,
			"etcd":     s.etcd != nil,
		},
	})
}

// Run starts the HTTP server and background loops and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server", zap.String("address", s.config.Server.Address()))

	if s.config.Auth.AdminPassword != "" {
		if err := s.authService.EnsureAdmin(ctx, s.config.Auth.AdminUsername, s.config.Auth.AdminPassword); err != nil {
			return fmt.Errorf("failed to seed admin user: %w", err)
		}
	}

	if s.cache != nil {
		go s.broker.Pump(ctx, s.cache.SubscribeActivities(ctx))
	}

	// Reconciliation is leader-only when several control planes share etcd.
	var elector instance.Elector
	if s.etcd != nil {
		hostname, _ := os.Hostname()
		s.leader = s.etcd.CampaignForLeader(ctx, leaderElection, hostname, func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		elector = s.leader
	}
	if s.config.Reconciler.Enabled {
		reconciler := instance.NewReconciler(s.instanceService, s.config.Reconciler.Interval, s.config.Reconciler.Timeout, elector, s.logger)
		go reconciler.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	// Stream clients hold hijacked connections that Shutdown does not wait for.
	s.broker.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if err := s.dispatcher.Stop(shutdownCtx); err != nil {
		s.logger.Warn("Failed to drain local queues", zap.Error(err))
	}
	if err := s.connPool.Close(); err != nil {
		s.logger.Warn("Failed to close agent connections", zap.Error(err))
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
