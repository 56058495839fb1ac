package config

import (
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - resilience.go: Retry and batch defaults for outbound calls
//   - adapters.go: Browser, document store and event bus configuration
//   - services.go: Service mode, job runner and reaper configuration
//   - observability.go: Metrics and failure notifications
type AppConfig struct {
	// IsDev enables human-readable logs and relaxed defaults.
	IsDev bool `env:"DEV" envDefault:"false"`

	Log LogConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig `envPrefix:"CACHE_"`

	// JobStore selects the job repository backend: postgres or memory.
	JobStore string `env:"JOB_STORE" envDefault:"postgres"`

	Resilience ResilienceConfig `envPrefix:"RESILIENCE_"`

	Browser  BrowserConfig  `envPrefix:"BROWSER_"`
	DocStore DocStoreConfig `envPrefix:"DOCSTORE_"`
	Events   EventsConfig   `envPrefix:"EVENTS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"worker"`

	JobRunner JobRunnerConfig `envPrefix:"JOB_RUNNER_"`
	Reaper    ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	// Format is json or text. Text uses a colorized handler for local development.
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Sanitize normalises log settings.
func (l *LogConfig) Sanitize(isDev bool) {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format != "json" && l.Format != "text" {
		l.Format = "json"
	}
	if isDev && l.Format == "json" && l.Level == "debug" {
		l.Format = "text"
	}
}

// Job store backends.
const (
	JobStorePostgres = "postgres"
	JobStoreMemory   = "memory"
)

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Log.Sanitize(c.IsDev)
	c.Postgres.Sanitize()
	c.Cache.Sanitize()
	c.Resilience.Sanitize()
	c.Browser.Sanitize()
	c.DocStore.Sanitize()
	c.Events.Sanitize()
	c.JobRunner.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.JobStore = strings.ToLower(strings.TrimSpace(c.JobStore))
	if c.JobStore != JobStoreMemory {
		c.JobStore = JobStorePostgres
	}
}

// UsesPostgres reports whether any component needs a database connection.
func (c *AppConfig) UsesPostgres() bool {
	return c.JobStore == JobStorePostgres
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *AppConfig) UsesRedis() bool {
	return c.Cache.Backend == CacheBackendRedis
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the job runner service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

// IsMetricsEnabled returns true if the metrics endpoint service is enabled.
func (c *AppConfig) IsMetricsEnabled() bool {
	return c.serviceEnabled(ServiceModeMetrics)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
