package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/migrate"
)

// pingTimeout bounds each health ping of a backing store.
const pingTimeout = 5 * time.Second

// connectBackoff spaces startup pings while Postgres is still accepting connections.
var connectBackoff = retry.Policy{
	BaseDelay:     250 * time.Millisecond,
	MaxDelay:      4 * time.Second,
	MaxRetries:    10,
	JitterCeiling: 100 * time.Millisecond,
}

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

func (c DatabaseConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// postgresDSN renders the connection URL. Credentials are escaped by url.URL.
func postgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

// ConnectDB opens the job store pool and pings it, retrying up to
// DBConfig.ConnectAttempts times.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	dbCfg := cfg.DBConfig
	dbCfg.Sanitize()
	logger := cfg.logger()

	db, err := sql.Open("pgx", postgresDSN(dbCfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)

	ping := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}
	if err := pingUntilReady(ctx, logger, dbCfg.ConnectAttempts, ping); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.InfoContext(ctx, "database connected",
		"host", dbCfg.Host,
		"port", dbCfg.Port,
		"database", dbCfg.Name,
		"max_open_conns", dbCfg.MaxOpenConns,
	)
	return db, nil
}

// pingUntilReady calls ping until it succeeds or attempts run out, sleeping per
// connectBackoff in between.
func pingUntilReady(ctx context.Context, logger *slog.Logger, attempts int, ping func(context.Context) error) error {
	attempts = max(attempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return err
		}
		delay := connectBackoff.Delay(attempt, connectBackoff.Jitter())
		logger.WarnContext(ctx, "database not ready", "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// ConnectRedis establishes a connection to Redis.
//
//nolint:ireturn // redis.NewUniversalClient picks single, sentinel, or cluster clients at runtime.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	cfg.logger().InfoContext(ctx, "redis connected",
		"mode", redisMode(opts),
		"addrs", strings.Join(opts.Addrs, ","),
		"db", opts.DB,
	)
	return client, nil
}

// redisOptions maps RedisConfig onto go-redis universal options. Sentinel wins over
// cluster, and a redis:// URI supplies the address and credentials of either mode when
// no node list is configured.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{Password: cfg.Password, DB: cfg.DB}

	uri := strings.TrimSpace(cfg.URI)
	if isRedisURL(uri) {
		parsed, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addrs = []string{parsed.Addr}
		opts.Username = parsed.Username
		if parsed.Password != "" {
			opts.Password = parsed.Password
		}
		opts.DB = parsed.DB
		opts.TLSConfig = parsed.TLSConfig
	} else if uri != "" {
		opts.Addrs = []string{uri}
	}

	switch {
	case cfg.UseSentinel:
		nodes := trimAll(cfg.SentinelNodes)
		if len(nodes) == 0 {
			return nil, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		opts.Addrs = nodes
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
	case cfg.UseCluster:
		if nodes := trimAll(cfg.ClusterNodes); len(nodes) > 0 {
			opts.Addrs = nodes
		}
		opts.IsClusterMode = true
		opts.DB = 0
	}

	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis configuration requires a URI or node list")
	}
	return opts, nil
}

func redisMode(opts *redis.UniversalOptions) string {
	switch {
	case opts.MasterName != "":
		return "sentinel"
	case opts.IsClusterMode:
		return "cluster"
	default:
		return "direct"
	}
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations applies pending job store migrations and verifies the jobs schema.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	runner, err := migrate.NewRunner(db, logger)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	applied, err := runner.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	}
	return nil
}
