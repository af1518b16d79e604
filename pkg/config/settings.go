package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings configure the keel command itself, as opposed to the
// declarations it converges.
type Settings struct {
	Log     LogSettings     `yaml:"log"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`
	Journal JournalSettings `yaml:"journal"`
	Policy  PolicySettings  `yaml:"policy"`
	Run     RunSettings     `yaml:"run"`
}

// LogSettings configure logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsSettings configure Prometheus metrics. Listen serves /metrics while
// the command runs; Textfile writes a node_exporter textfile after each run.
type MetricsSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen" validate:"omitempty,hostname_port"`
	Textfile string `yaml:"textfile"`
}

// TracingSettings configure OpenTelemetry tracing.
type TracingSettings struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter" validate:"oneof=otlp stdout"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// JournalSettings configure the run journal.
type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicySettings configure pre-run policy checks. Disabled names built-in or
// loaded policies to skip.
type PolicySettings struct {
	Enabled  bool     `yaml:"enabled"`
	Paths    []string `yaml:"paths"`
	Disabled []string `yaml:"disabled"`
}

// RunSettings are run defaults that command-line flags override.
type RunSettings struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	FailFast    bool          `yaml:"fail_fast"`
	Root        string        `yaml:"root"`
	TemplateDir string        `yaml:"template_dir"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsSettings{
			Listen: "127.0.0.1:9464",
		},
		Tracing: TracingSettings{
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Journal: JournalSettings{
			Enabled: true,
			Path:    "/var/lib/keel/journal.db",
		},
		Policy: PolicySettings{
			Enabled: true,
		},
		Run: RunSettings{
			Timeout:  5 * time.Minute,
			FailFast: true,
			Root:     "/",
		},
	}
}

// LoadSettings reads settings from path over the defaults, then applies
// KEEL_* environment overrides. An empty path uses the defaults only.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	if err := s.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("KEEL_LOG_LEVEL"); ok && v != "" {
		s.Log.Level = v
	}
	if v, ok := lookup("KEEL_LOG_FORMAT"); ok && v != "" {
		s.Log.Format = v
	}
	if v, ok := lookup("KEEL_JOURNAL"); ok && v != "" {
		switch v {
		case "off", "false", "0":
			s.Journal.Enabled = false
		default:
			s.Journal.Enabled = true
			s.Journal.Path = v
		}
	}
	if v, ok := lookup("KEEL_FAIL_FAST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KEEL_FAIL_FAST %q: %w", v, err)
		}
		s.Run.FailFast = b
	}
	return nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid settings: %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
