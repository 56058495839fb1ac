package bootstrap

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify/slack"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service/failurenotifier"
)

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Sink fans out to every configured backend; it is never nil.
	Sink            statsd.Sink
	StatsdClient    *statsd.Client
	Prometheus      *metrics.PrometheusSink
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// buildObservability configures metrics and notification adapters. The Prometheus
// registry is only built when the metrics service will serve it.
func buildObservability(logger *slog.Logger, cfg *config.AppConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}
	obs := cfg.Observability

	var statsdClient *statsd.Client
	if obs.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       obs.Metrics.StatsdAddress,
			Prefix:        obs.Metrics.Namespace,
			FlushInterval: obs.Metrics.StatsdFlushInterval,
			MaxPacketSize: obs.Metrics.StatsdMaxPacketSize,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			statsdClient = client
		}
	}

	var promSink *metrics.PrometheusSink
	if cfg.IsMetricsEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		promSink = metrics.NewPrometheusSink(obs.Metrics.Namespace, reg)
	}

	var sinks []statsd.Sink
	if statsdClient != nil {
		sinks = append(sinks, statsdClient)
	}
	if promSink != nil {
		sinks = append(sinks, promSink)
	}

	return ObservabilityContainer{
		Sink:            metrics.NewFanout(sinks...),
		StatsdClient:    statsdClient,
		Prometheus:      promSink,
		MetricsConfig:   obs.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, obs.Notifications),
		NotifierConfig:  obs.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: baseLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 1)
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:  baseLogger,
		Sinks:   sinks,
		Timeout: cfg.Timeout,
	})
}
