package telemetry

import (
	"context"
	"fmt"
	"net/http"
)

// Telemetry bundles the logger, tracer, and metrics for a broker process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics

	config        *Config
	metricsServer *http.Server
}

// New initializes all telemetry components from the given configuration.
func New(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics, err = NewMetrics(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		config:  cfg,
	}, nil
}

// StartMetricsServer starts the metrics HTTP endpoint if metrics are enabled.
// The server runs until Shutdown is called.
func (t *Telemetry) StartMetricsServer() error {
	if t.Metrics == nil {
		return nil
	}
	srv, err := t.Metrics.StartMetricsServer()
	if err != nil {
		return err
	}
	t.metricsServer = srv
	return nil
}

// Shutdown flushes traces and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var firstErr error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	if t.Tracer != nil {
		if err := t.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracer shutdown: %w", err)
		}
	}
	return firstErr
}
