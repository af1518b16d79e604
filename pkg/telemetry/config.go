package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry setup of one keel process. The CLI fills it from
// keel.yaml; library users start from DefaultConfig.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the zerolog level, encoding and destination.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path that is appended to.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures OpenTelemetry spans for runs and resources.
// Exporter is one of otlp, stdout or none and is only checked when enabled.
type TracingConfig struct {
	Enabled  bool
	Exporter string

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string
	Insecure bool
	Headers  map[string]string

	SamplingRate  float64 `validate:"gte=0,lte=1"`
	BatchSize     int     `validate:"gte=0"`
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// ListenAddress serves Path over HTTP while watch runs. Empty keeps the
	// registry private; Textfile still works.
	ListenAddress string
	Path          string

	// Textfile is rewritten at shutdown for the node_exporter textfile
	// collector.
	Textfile string

	// Buckets are the latency histogram bounds in seconds.
	Buckets []float64
}

// EventsConfig sizes the asynchronous event queue.
type EventsConfig struct {
	Enabled    bool
	BufferSize int `validate:"required_if=Enabled true,omitempty,gt=0"`
}

// DefaultConfig logs info to stderr in console format, keeps tracing and
// metrics off, and publishes events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "otlp",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRate:  1,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Namespace: "keel",
			Path:      "/metrics",
			// Resource visits range from a stat call to a package install.
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

var configValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		tc := sl.Current().Interface().(TracingConfig)
		if !tc.Enabled {
			return
		}
		switch tc.Exporter {
		case "otlp", "stdout", "none":
		default:
			sl.ReportError(tc.Exporter, "Exporter", "Exporter", "exporter", "")
		}
	}, TracingConfig{})
	return v
}()

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fe := verrs[0]
	switch fe.StructNamespace() {
	case "Config.ServiceName":
		return errors.New("service name is required")
	case "Config.ServiceVersion":
		return errors.New("service version is required")
	case "Config.Logging.Level":
		return fmt.Errorf("invalid log level %q", fe.Value())
	case "Config.Logging.Format":
		return fmt.Errorf("invalid log format %q (want console or json)", fe.Value())
	case "Config.Tracing.Exporter":
		return fmt.Errorf("invalid trace exporter %q", fe.Value())
	case "Config.Tracing.SamplingRate":
		return fmt.Errorf("trace sampling rate must be within [0, 1], got %v", fe.Value())
	case "Config.Events.BufferSize":
		return fmt.Errorf("event buffer size must be positive, got %v", fe.Value())
	}
	return fmt.Errorf("invalid telemetry setting %s: %s", fe.Namespace(), fe.Tag())
}
