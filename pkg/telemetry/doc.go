// Package telemetry provides observability for keel runs.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event stream, and feeds all
// of them from engine callbacks through Observer.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//	cfg.Metrics.Textfile = "/var/lib/node_exporter/keel.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(reg, facts,
//	    engine.WithLogger(tel.Logger.Component("engine")),
//	    engine.WithObserver(telemetry.NewObserver(tel)),
//	)
//
// Packages never build their own zerolog logger; they take a component
// child of the process root from their constructor.
//
// # Tracing
//
// A run is one keel.run span with a keel.resource child per visited
// resource. Provider calls and notifications are span events on the
// resource span. Exporters: otlp (gRPC) and stdout.
//
// # Metrics
//
// All metrics live in a private registry under the keel namespace:
//
//	keel_runs_total{status,dry_run}
//	keel_run_duration_seconds{status}
//	keel_last_run_timestamp_seconds
//	keel_last_run_success
//	keel_active_runs
//	keel_resources_total{type,outcome}
//	keel_resource_duration_seconds{type}
//	keel_provider_calls_total{type,operation}
//	keel_provider_duration_seconds{type,operation}
//	keel_provider_errors_total{type,operation,class}
//	keel_notifications_total{timing}
//	keel_policy_violations_total
//
// They are served over HTTP for long-running watch mode, or written to a
// node_exporter textfile on Shutdown for one-shot runs.
//
// # Events
//
// Events are buffered and delivered in order by one goroutine. Subscribers
// log them and, with AttachJournal, append them to the run journal.
package telemetry
