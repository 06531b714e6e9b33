package server

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/config"
	"github.com/n3tuk/content-sync-lock/internal/controller"
	"github.com/n3tuk/content-sync-lock/internal/dispatch"
	"github.com/n3tuk/content-sync-lock/internal/flows"
	"github.com/n3tuk/content-sync-lock/internal/handlers"
	"github.com/n3tuk/content-sync-lock/internal/health"
	"github.com/n3tuk/content-sync-lock/internal/metrics"
	"github.com/n3tuk/content-sync-lock/internal/middleware"
	"github.com/n3tuk/content-sync-lock/internal/site"
	"github.com/n3tuk/content-sync-lock/internal/status"
	"github.com/n3tuk/content-sync-lock/internal/storage"
	"github.com/n3tuk/content-sync-lock/internal/store"
	"github.com/n3tuk/content-sync-lock/internal/transport"
)

// olricCollectInterval is how often cluster metrics are sampled.
const olricCollectInterval = 15 * time.Second

// closer releases a resource during shutdown.
type closer struct {
	name  string
	close func(ctx context.Context) error
}

// service is the wired request path: stores, registry, dispatcher and the
// controller behind the HTTP handlers.
type service struct {
	identity site.Static
	registry *flows.Registry
	locks    *handlers.LockHandlers
	ingest   *handlers.IngestHandlers
}

// Server manages the three HTTP servers (API, Probe, Metrics) and the
// resources behind them.
type Server struct {
	cfg           *config.Config
	logger        *zap.Logger
	metrics       *metrics.Metrics
	health        *health.Manager
	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server
	startTime     time.Time
	shutdownChan  chan struct{}

	olricCollector *store.OlricMetricsCollector
	collecting     bool
	tracerProvider *sdktrace.TracerProvider
	closers        []closer
}

// New creates a new Server instance. It starts the embedded Olric member,
// resolves the site identity, loads the flow configuration and connects
// the configured entity store, status store and push transport.
func New(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) (*Server, error) {
	s := newServer(cfg, logger, buildInfo)
	ctx := context.Background()

	if err := s.setupTracing(); err != nil {
		return nil, err
	}

	kv, err := store.NewOlricStore(ctx, cfg.Olric, logger.Named("olric"))
	if err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("failed to start olric store: %w", err)
	}
	s.addCloser("olric", kv.Close)

	olricMetrics := store.NewOlricMetrics(cfg.MetricsNamespace, s.metrics.Registry())
	kv.WithMetrics(olricMetrics)
	s.olricCollector = store.NewOlricMetricsCollector(logger, kv, olricMetrics, olricCollectInterval)

	s.health.RegisterReadinessDependency(store.NewConnectionHealthChecker(logger, kv))
	s.health.RegisterReadinessDependency(store.NewClusterHealthChecker(logger, kv, cfg.Olric.MemberCountQuorum, cfg.Olric.IsSingleNode()))
	s.health.RegisterChecker(store.NewStorageHealthChecker(logger, kv))

	svc, err := s.wire(ctx, kv)
	if err != nil {
		s.closeAll(ctx)
		return nil, err
	}

	s.setupServers(svc)
	return s, nil
}

// newServer creates the server skeleton with its metrics and health manager.
func newServer(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics.NewMetrics(cfg.MetricsNamespace, buildInfo),
		health:       health.NewManager(logger, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout),
		startTime:    time.Now(),
		shutdownChan: make(chan struct{}),
	}

	s.health.RegisterChecker(health.NewServerChecker(logger))
	s.health.RegisterChecker(health.NewReadinessChecker(logger))

	return s
}

// setupTracing installs a stdout span exporter when tracing is enabled.
func (s *Server) setupTracing() error {
	if !s.cfg.TracingEnabled {
		return nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	s.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(s.tracerProvider)
	s.logger.Info("Tracing enabled", zap.String("exporter", "stdout"))
	return nil
}

// wire builds the request path on top of the shared key/value store.
func (s *Server) wire(ctx context.Context, kv store.Store) (*service, error) {
	identity, err := site.Resolve(ctx, kv, s.cfg.SiteID, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve site identity: %w", err)
	}

	registry, err := flows.NewRegistry(s.cfg.FlowsFile, s.logger.Named("flows"))
	if err != nil {
		return nil, fmt.Errorf("failed to load flow configuration: %w", err)
	}
	s.addCloser("flows", func(context.Context) error { return registry.Close() })

	if s.cfg.FlowsWatch {
		if err := registry.Watch(); err != nil {
			return nil, fmt.Errorf("failed to watch flow configuration: %w", err)
		}
	}

	s.health.RegisterReadinessDependency(health.NewFlowRegistryChecker(s.logger, registry))
	s.health.RegisterReadinessDependency(health.NewSiteIdentityChecker(s.logger, identity))

	entities, err := s.entityStore(kv)
	if err != nil {
		return nil, err
	}

	statuses, err := s.statusStore(ctx, kv)
	if err != nil {
		return nil, err
	}

	pusher, err := s.pushTransport()
	if err != nil {
		return nil, err
	}

	policy, err := controller.ParseConflictPolicy(s.cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(
		transport.NewPaced(pusher, s.cfg.PushRate, s.cfg.PushBurst),
		s.metrics,
		s.logger.Named("dispatch"),
	)

	ctrl := controller.New(
		entities,
		status.NewIndex(statuses, s.logger.Named("status")),
		registry,
		dispatcher,
		identity,
		controller.Config{ConflictPolicy: policy},
		s.logger.Named("controller"),
	).WithRecorder(s.metrics)

	s.logger.Info("Lock service wired",
		zap.String("site_id", identity.Current()),
		zap.String("conflict_policy", string(policy)),
		zap.String("entity_driver", s.cfg.EntityDriver),
		zap.String("status_driver", s.cfg.StatusDriver),
		zap.String("push_driver", s.cfg.PushDriver),
	)

	return &service{
		identity: identity,
		registry: registry,
		locks:    handlers.NewLockHandlers(ctrl, s.logger, s.metrics),
		ingest:   handlers.NewIngestHandlers(entities, statuses, s.logger),
	}, nil
}

// entityStore returns the configured entity store.
func (s *Server) entityStore(kv store.Store) (storage.EntityStore, error) {
	switch s.cfg.EntityDriver {
	case config.DriverRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{s.cfg.RedisAddr},
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		s.addCloser("redis", func(context.Context) error { return client.Close() })

		entities := storage.NewRedisEntityStore(client, s.cfg.RedisPrefix, s.logger.Named("redis"))
		s.health.RegisterReadinessDependency(health.NewPingChecker(s.logger, "redis", entities.Ping))
		return entities, nil

	case config.DriverOlric, "":
		return storage.NewKVEntityStore(kv, s.logger.Named("entities")), nil

	default:
		return nil, fmt.Errorf("unknown entity driver: %s", s.cfg.EntityDriver)
	}
}

// statusStore returns the configured status store.
func (s *Server) statusStore(ctx context.Context, kv store.Store) (storage.StatusStore, error) {
	switch s.cfg.StatusDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", s.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		s.addCloser("postgres", func(context.Context) error { return db.Close() })

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		statuses := storage.NewPostgresStatusStore(db, s.logger.Named("postgres"))
		if err := statuses.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.health.RegisterReadinessDependency(health.NewPingChecker(s.logger, "postgres", db.PingContext))
		return statuses, nil

	case config.DriverOlric, "":
		return storage.NewKVStatusStore(kv, s.logger.Named("status")), nil

	default:
		return nil, fmt.Errorf("unknown status driver: %s", s.cfg.StatusDriver)
	}
}

// pushTransport returns the configured push transport.
func (s *Server) pushTransport() (transport.Pusher, error) {
	switch s.cfg.PushDriver {
	case config.DriverNATS:
		conn, err := nats.Connect(s.cfg.PushNATSURL,
			nats.Name("content-sync-lock"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.addCloser("nats", func(context.Context) error { return conn.Drain() })

		s.health.RegisterReadinessDependency(health.NewPingChecker(s.logger, "nats", conn.FlushWithContext))
		return transport.NewNATSTransport(conn, s.cfg.PushNATSSubject, s.cfg.PushTimeout, s.logger.Named("nats")), nil

	case config.DriverHTTP, "":
		return transport.NewHTTPTransport(s.cfg.PushEndpoint, s.cfg.PushTimeout, s.logger.Named("http")), nil

	default:
		return nil, fmt.Errorf("unknown push driver: %s", s.cfg.PushDriver)
	}
}

func (s *Server) addCloser(name string, fn func(ctx context.Context) error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

// closeAll releases resources in reverse order of acquisition and returns
// the first error.
func (s *Server) closeAll(ctx context.Context) error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(ctx); err != nil {
			s.logger.Error("Failed to close resource", zap.String("resource", c.name), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("failed to close %s: %w", c.name, err)
			}
		}
	}
	s.closers = nil

	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil && first == nil {
			first = fmt.Errorf("failed to shut down tracer provider: %w", err)
		}
	}
	return first
}

// setupServers configures the three HTTP servers.
func (s *Server) setupServers(svc *service) {
	// API Server. Lock and unlock handlers lift WriteTimeout per request
	// while dispatch runs.
	s.apiServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:      s.setupAPIRouter(svc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Probe Server
	s.probeServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ProbeHost, s.cfg.ProbePort),
		Handler:      s.setupProbeRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Metrics Server
	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.MetricsHost, s.cfg.MetricsPort),
		Handler:      s.setupMetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// setupAPIRouter creates the API server router with middleware.
func (s *Server) setupAPIRouter(svc *service) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))

	setupAPIRoutes(r, svc.locks, svc.ingest, s.logger)

	return r
}

// setupProbeRouter creates the probe server router.
func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()

	setupProbeRoutes(r, s.health, s.metrics, s.logger)

	return r
}

// setupMetricsRouter creates the metrics server router.
func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start starts all three HTTP servers.
func (s *Server) Start() error {
	errChan := make(chan error, 3)

	serve := func(name string, srv *http.Server, listen func() error) {
		s.logger.Info("Starting "+name+" server", zap.String("addr", srv.Addr))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s server error: %w", name, err)
		}
	}

	go serve("API", s.apiServer, func() error {
		if s.cfg.TLSEnabled {
			return s.apiServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		}
		return s.apiServer.ListenAndServe()
	})
	go serve("probe", s.probeServer, s.probeServer.ListenAndServe)
	go serve("metrics", s.metricsServer, s.metricsServer.ListenAndServe)

	// Wait a bit to see if any server fails to start
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errChan:
		return err
	default:
	}

	if s.olricCollector != nil {
		s.olricCollector.Start()
		s.collecting = true
	}
	s.health.SetServersRunning(true)

	go s.updateUptime()
	return nil
}

// updateUptime updates the uptime and runtime metrics periodically.
func (s *Server) updateUptime() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.metrics.AppUptimeSeconds.Add(1)
			s.metrics.UpdateRuntimeMetrics()
		case <-s.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down all servers, then releases the stores,
// the flow registry watcher and the push transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	s.health.SetShuttingDown(true)

	// Signal the uptime goroutine to stop
	close(s.shutdownChan)

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	for name, srv := range map[string]*http.Server{
		"API":     s.apiServer,
		"metrics": s.metricsServer,
		"probe":   s.probeServer,
	} {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			s.logger.Info("Shutting down " + name + " server")
			if err := srv.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("%s server shutdown error: %w", name, err)
			}
		}(name, srv)
	}

	wg.Wait()
	close(errChan)

	if s.collecting {
		s.olricCollector.Stop()
		s.collecting = false
	}

	var first error
	for err := range errChan {
		if first == nil {
			first = err
		}
	}

	if err := s.closeAll(ctx); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return first
	}

	s.logger.Info("All servers shut down successfully", zap.Duration("uptime", time.Since(s.startTime)))
	return nil
}

// WaitForServers waits for all servers to be ready.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.checkServer(s.apiServer.Addr) &&
			s.checkServer(s.probeServer.Addr) &&
			s.checkServer(s.metricsServer.Addr) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

// checkServer checks if a server is listening on the given address.
func (s *Server) checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
