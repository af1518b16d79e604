package telemetry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the Prometheus collectors of one keel process. A Metrics
// built from a disabled config has no registry and records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lastRunTime  prometheus.Gauge
	lastRunOK    prometheus.Gauge
	activeRuns   prometheus.Gauge
	policyDenied prometheus.Counter

	resourcesTotal   *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	notifications *prometheus.CounterVec
}

// NewMetrics registers the keel collectors, plus the Go runtime and process
// collectors, on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(m.registry)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	m.runsTotal = counter("runs_total", "Finished runs by status", "status", "dry_run")
	m.runDuration = histogram("run_duration_seconds", "Run wall time", "status")
	m.lastRunTime = gauge("last_run_timestamp_seconds", "Unix time the last run finished")
	m.lastRunOK = gauge("last_run_success", "1 if the last run exited 0")
	m.activeRuns = gauge("active_runs", "Runs in progress")
	m.policyDenied = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "policy_violations_total",
		Help:      "Blocking policy violations",
	})

	m.resourcesTotal = counter("resources_total", "Resource outcomes by type", "type", "outcome")
	m.resourceDuration = histogram("resource_duration_seconds", "Resource visit time", "type")

	m.providerCalls = counter("provider_calls_total", "Provider calls", "type", "operation")
	m.providerDuration = histogram("provider_duration_seconds", "Provider call time", "type", "operation")
	m.providerErrors = counter("provider_errors_total", "Failed provider calls by error class", "type", "operation", "class")

	m.notifications = counter("notifications_total", "Fired notifications", "timing")
	return m
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunStarted marks a run in progress.
func (m *Metrics) RunStarted() {
	if m.enabled() {
		m.activeRuns.Inc()
	}
}

// RunFinished records a finished run. Rejected runs never started, so
// started is false for them.
func (m *Metrics) RunFinished(status string, dryRun, success, started bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	if started {
		m.activeRuns.Dec()
	}
	m.runsTotal.WithLabelValues(status, strconv.FormatBool(dryRun)).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.lastRunTime.SetToCurrentTime()

	ok := 0.0
	if success {
		ok = 1
	}
	m.lastRunOK.Set(ok)
}

// RecordResource records one resource outcome.
func (m *Metrics) RecordResource(resourceType, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.resourcesTotal.WithLabelValues(resourceType, outcome).Inc()
	m.resourceDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordProviderCall records a provider call. A non-empty errClass also
// counts it as failed.
func (m *Metrics) RecordProviderCall(resourceType, operation string, duration time.Duration, errClass string) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(resourceType, operation).Inc()
	m.providerDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
	if errClass != "" {
		m.providerErrors.WithLabelValues(resourceType, operation, errClass).Inc()
	}
}

func (m *Metrics) RecordNotification(timing string) {
	if m.enabled() {
		m.notifications.WithLabelValues(timing).Inc()
	}
}

func (m *Metrics) RecordPolicyViolations(n int) {
	if m.enabled() {
		m.policyDenied.Add(float64(n))
	}
}

// Handler serves the registry in the OpenMetrics format, or 404 when
// disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer binds ListenAddress and serves Path until ctx is done.
// A bad address is reported here rather than from the serving goroutine.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	path := cmp.Or(m.config.Path, "/metrics")
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("address", ln.Addr().String()).Str("path", path).Msg("Serving metrics")
	return nil
}

// WriteTextfile dumps the registry for the node_exporter textfile
// collector. Without a configured Textfile it does nothing.
func (m *Metrics) WriteTextfile() error {
	if !m.enabled() || m.config.Textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	return nil
}
