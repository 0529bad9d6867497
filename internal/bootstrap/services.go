package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/taskd/config"
	"github.com/clipforge/taskd/internal/core"
	"github.com/clipforge/taskd/internal/data"
	"github.com/clipforge/taskd/internal/observability/metrics"
	"github.com/clipforge/taskd/internal/service"
	"github.com/clipforge/taskd/internal/service/handlers"
)

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs         *service.JobService
	Assignments  *service.AssignmentService
	Auth         *service.AuthService
	Registry     *service.HandlerRegistry
	Orchestrator *service.JobOrchestrator
	Pool         *service.WorkerPool
	Reaper       *service.ReaperService
	Metrics      *metrics.Collector

	JobRepo    *data.JobRepo
	TenantRepo *data.TenantRepo
	WorkerRepo *data.WorkerRepo
	CacheRepo  *data.RedisCacheRepo
}

// NewServices constructs every service from configuration and connections.
func NewServices(deps ServiceDeps) (*ServiceContainer, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database connection is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repoCfg := data.RepoConfig{Logger: logger}
	jobRepo := data.NewJobRepo(deps.DB, repoCfg)
	tenantRepo := data.NewTenantRepo(deps.DB, repoCfg)
	workerRepo := data.NewWorkerRepo(deps.DB, repoCfg)

	var cacheRepo *data.RedisCacheRepo
	var cache core.CacheRepository
	if deps.RedisClient != nil && deps.Config.Cache.Enabled {
		cacheRepo = data.NewRedisCacheRepo(deps.RedisClient)
		cache = cacheRepo
	}

	collector := metrics.NewCollector()

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:           jobRepo,
		Cache:          cache,
		Logger:         logger,
		Metrics:        collector,
		StatusCacheTTL: deps.Config.Cache.StatusTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	assignments, err := service.NewAssignmentService(service.AssignmentServiceOptions{
		Repo:    jobRepo,
		Workers: workerRepo,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return nil, fmt.Errorf("create assignment service: %w", err)
	}

	auth, err := service.NewAuthService(service.AuthServiceOptions{
		Workers: workerRepo,
		Tenants: tenantRepo,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}

	registry := service.NewHandlerRegistry()
	if err := registerHandlers(registry, deps.Config, logger, collector); err != nil {
		return nil, err
	}

	jobPolicy := deps.Config.Retry.JobPolicy()
	orchestrator, err := service.NewJobOrchestrator(service.JobOrchestratorOptions{
		Repo:     jobRepo,
		Registry: registry,
		Policy:   &jobPolicy,
		Logger:   logger,
		Metrics:  collector,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	pool, err := service.NewWorkerPool(service.WorkerPoolOptions{
		Repo:         jobRepo,
		Orchestrator: orchestrator,
		Config:       deps.Config.Worker,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:   jobRepo,
		Config: deps.Config.Reaper,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper service: %w", err)
	}

	return &ServiceContainer{
		Jobs:         jobs,
		Assignments:  assignments,
		Auth:         auth,
		Registry:     registry,
		Orchestrator: orchestrator,
		Pool:         pool,
		Reaper:       reaper,
		Metrics:      collector,
		JobRepo:      jobRepo,
		TenantRepo:   tenantRepo,
		WorkerRepo:   workerRepo,
		CacheRepo:    cacheRepo,
	}, nil
}

// registerHandlers binds the built-in job types.
func registerHandlers(registry *service.HandlerRegistry, cfg *config.AppConfig, logger *slog.Logger, collector *metrics.Collector) error {
	apiPolicy := cfg.Retry.APICallPolicy()
	executor := service.NewAPICallExecutor(service.APICallExecutorOptions{
		Policy:  &apiPolicy,
		Logger:  logger,
		Metrics: collector,
	})

	generation, err := handlers.NewGenerationHandler(handlers.GenerationHandlerOptions{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Provider:   cfg.Gateway.Provider,
		Executor:   executor,
		HTTPClient: &http.Client{Timeout: cfg.Gateway.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create generation handler: %w", err)
	}

	handlers.Register(registry, generation)
	return nil
}

// RunOptions configures RunServicesWithShutdown.
type RunOptions struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts every enabled service and blocks until a
// termination signal or a service failure, then shuts down gracefully.
func RunServicesWithShutdown(ctx context.Context, opts RunOptions) error {
	if opts.Config == nil || opts.Services == nil {
		return errors.New("config and services are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	enabled, err := opts.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if enabled[config.ServiceModeHTTP] {
		server = StartHTTPServer(&HTTPServerConfig{
			Config:   opts.Config,
			Services: *opts.Services,
			DB:       opts.DB,
			Logger:   logger,
		})
		g.Go(func() error {
			<-gctx.Done()
			return ShutdownHTTPServer(ShutdownConfig{
				Server: server,
				Grace:  opts.Config.HTTP.ShutdownGrace,
				Logger: logger,
			})
		})
	}
	if enabled[config.ServiceModeWorker] {
		g.Go(func() error { return opts.Services.Pool.Run(gctx) })
	}
	if enabled[config.ServiceModeReaper] {
		g.Go(func() error { return opts.Services.Reaper.Run(gctx) })
	}

	logger.InfoContext(ctx, "services started", "services", GetEnabledServices(opts.Config))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// CloseQuietly closes a resource, logging rather than propagating errors.
// Used during shutdown where a close failure must not mask the real exit
// path.
func CloseQuietly(logger *slog.Logger, name string, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil && logger != nil {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}
