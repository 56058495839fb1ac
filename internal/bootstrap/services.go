package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/adapters/browser"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/adapters/docstore"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/adapters/mq"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/data"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

// JobStore is the repository surface shared by the job service and the reaper.
type JobStore interface {
	core.JobRepository
	core.ReaperRepository
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	JobStore      JobStore
	Cache         *core.ResultCache
	Jobs          *service.JobService
	Executor      *service.Executor
	Batch         *service.BatchCoordinator
	Sessions      *service.SessionManager
	Search        *service.SearchWorkflow
	Observability ObservabilityContainer

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Close releases connections opened while building the container.
func (c *ServiceContainer) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *ServiceContainer) onClose(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB               // Required when the postgres job store is selected
	RedisClient redis.UniversalClient // Required when the redis cache backend is selected
	Logger      *slog.Logger
	Clock       quartz.Clock

	// Optional overrides, mainly for tests.
	Sessions core.SessionProvider
	Store    core.DocumentStore
	Events   core.JobEventPublisher
}

// NewServices wires repositories, adapters and services from configuration.
func NewServices(ctx context.Context, deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	c := &ServiceContainer{Observability: buildObservability(logger, cfg)}
	if sc := c.Observability.StatsdClient; sc != nil {
		c.onClose("statsd", sc.Close)
	}
	sink := c.Observability.Sink

	store, err := buildJobStore(cfg, deps.DB, clock, logger)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.JobStore = store

	cache, err := buildResultCache(cfg, deps.RedisClient, clock, logger)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.Cache = cache

	events := deps.Events
	if events == nil {
		events = buildEventPublisher(ctx, c, cfg.Events, clock, logger)
	}

	c.Jobs, err = service.NewJobService(service.JobServiceOptions{
		Repo:            store,
		Events:          events,
		FailureNotifier: c.Observability.FailureNotifier,
		Clock:           clock,
		Logger:          logger,
		Metrics:         sink,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("job service: %w", err), c.Close())
	}

	c.Executor, err = service.NewExecutor(service.ExecutorOptions{
		Policy:  resiliencePolicy(cfg.Resilience),
		Cache:   cache,
		Clock:   clock,
		Logger:  logger,
		Metrics: sink,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("executor: %w", err), c.Close())
	}

	c.Batch, err = service.NewBatchCoordinator(service.BatchCoordinatorOptions{
		Executor: c.Executor,
		Limit:    cfg.Resilience.BatchConcurrency,
		Logger:   logger,
		Metrics:  sink,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("batch coordinator: %w", err), c.Close())
	}

	provider := deps.Sessions
	if provider == nil {
		provider = browser.NewProvider(browser.ProviderOptions{Config: cfg.Browser, Logger: logger})
	}
	c.Sessions, err = service.NewSessionManager(service.SessionManagerOptions{
		Provider: provider,
		Executor: c.Executor,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("session manager: %w", err), c.Close())
	}

	docs := deps.Store
	if docs == nil && cfg.DocStore.Enabled {
		client, derr := docstore.NewFromConfig(ctx, cfg.DocStore, logger)
		if derr != nil {
			return nil, errors.Join(fmt.Errorf("document store: %w", derr), c.Close())
		}
		docs = client
	}

	c.Search, err = service.NewSearchWorkflow(service.SearchWorkflowOptions{
		Jobs:     c.Jobs,
		Sessions: c.Sessions,
		Batch:    c.Batch,
		Store:    docs,
		CacheTTL: cfg.Cache.DefaultTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("search workflow: %w", err), c.Close())
	}

	return c, nil
}

func buildJobStore(cfg *config.AppConfig, db *sql.DB, clock quartz.Clock, logger *slog.Logger) (JobStore, error) {
	repoCfg := data.RepoConfig{Clock: clock, Logger: logger}
	if cfg.UsesPostgres() {
		if db == nil {
			return nil, errors.New("postgres job store selected without a database connection")
		}
		return data.NewJobRepo(db, repoCfg), nil
	}
	logger.Warn("using in-memory job store; jobs are lost on restart")
	return data.NewMemoryJobRepo(repoCfg), nil
}

func buildResultCache(
	cfg *config.AppConfig,
	client redis.UniversalClient,
	clock quartz.Clock,
	logger *slog.Logger,
) (*core.ResultCache, error) {
	var repo core.CacheRepository
	if cfg.UsesRedis() {
		if client == nil {
			return nil, errors.New("redis cache backend selected without a redis connection")
		}
		repo = data.NewRedisCacheRepo(client)
	} else {
		repo = data.NewMemoryCacheRepo(clock)
	}
	return core.NewResultCache(core.ResultCacheOptions{
		Repo: repo,
		Config: core.ResultCacheConfig{
			KeyPrefix:  cfg.Cache.KeyPrefix,
			DefaultTTL: cfg.Cache.DefaultTTL,
		},
		Logger: logger,
	})
}

// buildEventPublisher connects to the broker when events are enabled. Publication is
// best effort, so a broker outage at startup disables events instead of failing.
//
//nolint:ireturn // a nil interface disables publication in the job service.
func buildEventPublisher(
	ctx context.Context,
	c *ServiceContainer,
	cfg config.EventsConfig,
	clock quartz.Clock,
	logger *slog.Logger,
) core.JobEventPublisher {
	if !cfg.Enabled {
		return nil
	}
	conn, err := mq.Dial(cfg.URL, logger)
	if err != nil {
		logger.ErrorContext(ctx, "job events disabled: connect broker", "error", err)
		return nil
	}
	pub, err := mq.NewPublisher(mq.PublisherOptions{
		Runner:     conn,
		Exchange:   cfg.Exchange,
		RoutingKey: cfg.RoutingKey,
		Clock:      clock,
		Logger:     logger,
	})
	if err == nil {
		err = pub.DeclareTopology(ctx)
	}
	if err != nil {
		logger.ErrorContext(ctx, "job events disabled", "error", errors.Join(err, conn.Close()))
		return nil
	}
	c.onClose("amqp", conn.Close)
	return pub
}

func resiliencePolicy(cfg config.ResilienceConfig) retry.Policy {
	return retry.Policy{
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		MaxRetries:    cfg.MaxRetries,
		JitterCeiling: cfg.JitterCeiling,
	}
}
