package telemetry

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "fatal" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "bad exporter ignored when disabled", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: "sampling rate"},
		{name: "event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	z := logger.Component("engine").With().Str("run_id", "run-1").Logger()
	z.Debug().Str("resource", "file[/etc/motd]").Msg("visited")
	z.Trace().Msg("hidden")

	out := buf.String()
	for _, want := range []string{`"component":"engine"`, `"run_id":"run-1"`, `"resource":"file[/etc/motd]"`, `"message":"visited"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("trace message logged at debug level")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on a writer logger: %v", err)
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.log")
	logger, err := NewLogger(LoggingConfig{Level: "bogus", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	z := logger.Zerolog()
	z.Debug().Msg("below default level")
	z.Info().Msg("written")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "written") || strings.Contains(string(data), "below default level") {
		t.Errorf("unknown level should fall back to info, got %s", data)
	}
}

func TestNewTracer(t *testing.T) {
	disabled, err := NewTracer(TracingConfig{}, "keel", "test")
	if err != nil {
		t.Fatal(err)
	}
	_, span := disabled.StartRunSpan(t.Context(), "r", false, 1)
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer should produce non-recording spans")
	}
	span.End()
	if err := disabled.Shutdown(t.Context()); err != nil {
		t.Error(err)
	}

	var out bytes.Buffer
	tracer, err := newTracer(TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "keel", "test", &out)
	if err != nil {
		t.Fatal(err)
	}
	ctx, span := tracer.StartRunSpan(t.Context(), "run-7", true, 2)
	if TraceID(ctx) == "" {
		t.Error("expected a trace ID in context")
	}
	span.End()
	if err := tracer.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "run-7") {
		t.Error("stdout exporter did not write the run span")
	}

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "keel", "test"); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}
