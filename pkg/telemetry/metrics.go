package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the broker core. A nil *Metrics is
// a valid no-op collector, so callers never need to guard their
// instrumentation sites.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsSeeded *prometheus.CounterVec
	entityStates      *prometheus.CounterVec
	entitiesLive      prometheus.Gauge
	checkDuration     prometheus.Histogram

	// Provider metrics
	providerCalls  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec

	// Deferred deletion metrics
	deletionBacklog  *prometheus.GaugeVec
	deletionGiveUps  *prometheus.CounterVec
	sweepDuration    prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsSeeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_seeded_total",
				Help:      "Total number of deployment queues seeded",
			},
			[]string{"purpose"},
		),
		entityStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_terminal_states_total",
				Help:      "Total number of entities reaching a terminal state",
			},
			[]string{"state"},
		),
		entitiesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_live",
				Help:      "Number of entities with a pending operation queue",
			},
		),
		checkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "entity_check_duration_seconds",
				Help:      "Duration of one entity check poll",
				Buckets:   buckets,
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total adapter calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total classified adapter errors",
			},
			[]string{"kind"},
		),

		deletionBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deferred_deletion_backlog",
				Help:      "Deletion records pending per group",
			},
			[]string{"group"},
		),
		deletionGiveUps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_deletion_give_ups_total",
				Help:      "Deletion records dropped after exceeding a retry ceiling",
			},
			[]string{"group"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deletion_sweep_duration_seconds",
				Help:      "Duration of one reconciliation sweep",
				Buckets:   buckets,
			},
		),
	}

	collectors := []prometheus.Collector{
		m.deploymentsSeeded, m.entityStates, m.entitiesLive, m.checkDuration,
		m.providerCalls, m.providerErrors,
		m.deletionBacklog, m.deletionGiveUps, m.sweepDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordDeploymentSeeded counts a seeded deployment queue.
func (m *Metrics) RecordDeploymentSeeded(purpose string) {
	if m.enabled() {
		m.deploymentsSeeded.WithLabelValues(purpose).Inc()
	}
}

// RecordEntityTerminal counts an entity reaching finished or error.
func (m *Metrics) RecordEntityTerminal(state string) {
	if m.enabled() {
		m.entityStates.WithLabelValues(state).Inc()
	}
}

// SetEntitiesLive sets the live-entity gauge.
func (m *Metrics) SetEntitiesLive(n int) {
	if m.enabled() {
		m.entitiesLive.Set(float64(n))
	}
}

// ObserveCheck records the duration of one entity poll.
func (m *Metrics) ObserveCheck(d time.Duration) {
	if m.enabled() {
		m.checkDuration.Observe(d.Seconds())
	}
}

// RecordProviderCall counts one adapter call and its outcome.
func (m *Metrics) RecordProviderCall(op string, err error) {
	if !m.enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(op, outcome).Inc()
}

// RecordProviderError counts one classified adapter error.
func (m *Metrics) RecordProviderError(kind string) {
	if m.enabled() {
		m.providerErrors.WithLabelValues(kind).Inc()
	}
}

// SetDeletionBacklog sets the per-group backlog gauge.
func (m *Metrics) SetDeletionBacklog(group string, n int) {
	if m.enabled() {
		m.deletionBacklog.WithLabelValues(group).Set(float64(n))
	}
}

// RecordDeletionGiveUp counts a record dropped at its retry ceiling.
func (m *Metrics) RecordDeletionGiveUp(group string) {
	if m.enabled() {
		m.deletionGiveUps.WithLabelValues(group).Inc()
	}
}

// ObserveSweep records the duration of one reconciliation sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m.enabled() {
		m.sweepDuration.Observe(d.Seconds())
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server in a goroutine and
// returns it so the caller can shut it down.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv, nil
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
