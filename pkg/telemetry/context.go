package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/keelops/keel/pkg/stores"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithWriter is NewTelemetry with logs written to w.
func NewTelemetryWithWriter(cfg *Config, w io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, NewLoggerWithWriter(cfg.Logging, w))
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	events := NewEventPublisher(cfg.Events)
	events.Subscribe(LogSubscriber(logger.Component("events")), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  events,
		Config:  cfg,
	}, nil
}

// AttachJournal appends every published event to the journal.
func (t *Telemetry) AttachJournal(journal stores.Journal) {
	t.Events.Subscribe(JournalSubscriber(journal, t.Logger.Component("journal")), nil)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Component("metrics"))
}

// Shutdown flushes everything buffered and then closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.WriteTextfile(),
		t.Logger.Close(),
	)
}
