package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"tripcore"`
	Password string `env:"PASSWORD"                envDefault:"tripcore"`
	Name     string `env:"NAME"                    envDefault:"tripcore"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
	// ConnectAttempts bounds the startup pings while Postgres comes up.
	ConnectAttempts int `env:"CONNECT_ATTEMPTS" envDefault:"5"`
}

// Sanitize applies guardrails to pool and connect settings.
func (c *DBConfig) Sanitize() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = min(5, c.MaxOpenConns)
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig controls the result cache.
type CacheConfig struct {
	// Backend is memory or redis.
	Backend string `env:"BACKEND" envDefault:"memory"`
	// KeyPrefix namespaces result entries so Clear never touches unrelated keys.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"tripcore:result:"`
	// DefaultTTL applies when a caller does not pass a TTL.
	DefaultTTL time.Duration `env:"DEFAULT_TTL" envDefault:"15m"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != CacheBackendRedis {
		c.Backend = CacheBackendMemory
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "tripcore:result:"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
}
