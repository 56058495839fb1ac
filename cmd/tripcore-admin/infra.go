package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/bootstrap"
)

// adminServices holds the service container and the connections backing it.
type adminServices struct {
	*bootstrap.ServiceContainer
	db    *sql.DB
	redis redis.UniversalClient
}

// openServices connects the backends the configuration selects and wires the services
// on top of them. Callers must Close the result.
func openServices(ctx context.Context, cmdCtx *commandContext) (*adminServices, error) {
	cfg := &cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      cmdCtx.Logger,
	}
	out := &adminServices{}

	if cfg.UsesPostgres() {
		db, err := bootstrap.ConnectDB(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		out.db = db
	}
	if cfg.UsesRedis() {
		client, err := bootstrap.ConnectRedis(ctx, dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), out.Close())
		}
		out.redis = client
	}

	container, err := bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
		Config:      cfg,
		DB:          out.db,
		RedisClient: out.redis,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init services: %w", err), out.Close())
	}
	out.ServiceContainer = container
	return out, nil
}

// Close releases the services first and the connections after them.
func (s *adminServices) Close() error {
	var errs []error
	if s.ServiceContainer != nil {
		errs = append(errs, s.ServiceContainer.Close())
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withServices runs f against freshly opened services under timeout.
func withServices(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *adminServices) error,
) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, timeout)
	defer cancel()

	svcs, err := openServices(ctx, cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svcs.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close services failed", "error", cerr)
		}
	}()
	return f(ctx, svcs)
}
