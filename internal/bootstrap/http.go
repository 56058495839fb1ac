package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
)

// MetricsServerConfig contains configuration for the metrics HTTP server.
type MetricsServerConfig struct {
	Addr       string
	Prometheus *metrics.PrometheusSink
	Health     func(context.Context) error
	Logger     *slog.Logger
}

// NewMetricsHandler serves /metrics from the Prometheus registry and /healthz from the
// health check.
func NewMetricsHandler(cfg MetricsServerConfig) http.Handler {
	mux := http.NewServeMux()
	if cfg.Prometheus != nil {
		mux.Handle("GET /metrics", cfg.Prometheus.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartMetricsServer starts the metrics server in the background.
// Returns the server instance for graceful shutdown.
func StartMetricsServer(cfg MetricsServerConfig) *http.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Guard against empty addr to avoid listening on Go default
	addr := cfg.Addr
	if addr == "" {
		addr = ":9090"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           NewMetricsHandler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}

// ShutdownMetricsServer gracefully shuts down the metrics server.
func ShutdownMetricsServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("metrics server stopped")
	}
	return nil
}
