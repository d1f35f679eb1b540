package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/procurement/pkg/approvals"
	"github.com/platinummonkey/procurement/pkg/audit"
	"github.com/platinummonkey/procurement/pkg/config"
	"github.com/platinummonkey/procurement/pkg/httputil"
	"github.com/platinummonkey/procurement/pkg/middleware"
	"github.com/platinummonkey/procurement/pkg/observability"
	"github.com/platinummonkey/procurement/pkg/rbac"
	"github.com/platinummonkey/procurement/pkg/storage"
	"github.com/platinummonkey/procurement/pkg/storage/postgres"
	"github.com/platinummonkey/procurement/pkg/workflow"
)

// Version is set at build time
var Version = "dev"

const (
	lockNamespace   = "procurement"
	maxRequestBytes = 1 << 20
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel)
	log.WithField("version", Version).Info("Starting procurement engine")

	if err := run(cfg, log); err != nil {
		log.Fatalf("Procurement engine stopped: %v", err)
	}
	log.Info("Procurement engine stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()
	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	conns, err := postgres.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	log.WithField("replicas", len(cfg.Storage.PostgresReplicaURLs)).Info("Connected to PostgreSQL")

	db := conns.Primary()
	migrations := []struct {
		component string
		steps     []storage.Migration
	}{
		{"audit", audit.Migrations()},
		{"rbac", rbac.Migrations()},
		{"workflow", workflow.Migrations()},
		{"approvals", approvals.Migrations()},
	}
	for _, m := range migrations {
		if err := storage.RunMigrations(ctx, db, m.component, m.steps, logger); err != nil {
			conns.Close()
			return err
		}
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			if cfg.Permissions.CacheBackend == config.CacheBackendRedis {
				conns.Close()
				return err
			}
			log.WithError(err).Warn("Redis unavailable, continuing without it")
			redisClient = nil
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		conns.Close()
		return err
	}
	recorder := audit.NewRecorder(auditLogger, logger)

	rbacStore := rbac.NewStore(conns)
	if err := rbacStore.SeedCatalog(ctx, rbac.BuiltInPermissions()); err != nil {
		conns.Close()
		return err
	}

	resolverOpts := []rbac.ResolverOption{rbac.WithLogger(logger), rbac.WithMetrics(metrics)}
	switch cfg.Permissions.CacheBackend {
	case config.CacheBackendMemory:
		resolverOpts = append(resolverOpts, rbac.WithCache(rbac.NewMemoryCache(cfg.Permissions.CacheSize, cfg.Permissions.CacheTTL)))
	case config.CacheBackendRedis:
		resolverOpts = append(resolverOpts, rbac.WithCache(rbac.NewRedisCache(redisClient, cfg.Permissions.CacheTTL)))
	}
	resolver := rbac.NewResolver(rbacStore, resolverOpts...)
	log.WithField("backend", cfg.Permissions.CacheBackend).Info("Permission resolver ready")

	var locker storage.Locker = storage.NoopLocker{}
	if cfg.Storage.AdvisoryLocks {
		locker = storage.NewAdvisoryLocker(lockNamespace)
	}

	workflows := workflow.NewManager(db,
		workflow.WithLocker(locker),
		workflow.WithAudit(recorder),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	driverOpts := []approvals.Option{
		approvals.WithLocker(locker),
		approvals.WithAutoAdvance(cfg.Approvals.AutoAdvance),
		approvals.WithAudit(recorder),
		approvals.WithMetrics(metrics),
		approvals.WithLogger(logger),
	}
	if cfg.Approvals.EnforceLevelRole {
		driverOpts = append(driverOpts, approvals.WithAuthorizer(resolver))
	}
	driver := approvals.NewDriver(db, driverOpts...)

	perms := rbac.NewPermissionMiddleware(resolver, recorder)

	router := mux.NewRouter()
	router.Use(httputil.RecoveryMiddleware(logger), middleware.RequestIDMiddleware(logger), httputil.LoggingMiddleware(logger))
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
		observability.RegisterMetricsEndpoint(router, registry)
	}
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient, Version))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(httputil.MaxBytesMiddleware(maxRequestBytes), middleware.NewIdentityMiddleware(false).Handler)
	rbac.NewHandlers(rbacStore, resolver, rbac.NewAdmin(rbacStore, resolver, recorder), perms, logger).RegisterRoutes(api)
	workflow.NewHandlers(workflows, perms, logger).RegisterRoutes(api)
	approvals.NewHandlers(driver, workflows, resolver, perms, logger).RegisterRoutes(api)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(router, "procurement-engine"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportDBStats(statsCtx, conns, metrics, logger)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return conns.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("db-stats", func(context.Context) error {
		stopStats()
		return nil
	})
	if otelProviders != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		if err := <-serverErr; err != nil {
			log.WithError(err).Error("HTTP server failed")
			cancelWait()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

// reportDBStats copies primary pool statistics into metrics until ctx is done
func reportDBStats(ctx context.Context, conns *postgres.ConnectionManager, metrics *observability.Metrics, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "db stats")

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateDBStats(conns.Stats().Primary)
		}
	}
}
