package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelops/keel/pkg/engine"
)

// Observer feeds engine callbacks into traces, metrics and events. It is
// safe to reuse across runs, one run at a time.
type Observer struct {
	tel *Telemetry

	mu        sync.Mutex
	runSpan   trace.Span
	started   bool
	nodeSpans map[engine.Identity]trace.Span
}

var _ engine.RunObserver = (*Observer)(nil)

// NewObserver creates an observer for the given telemetry.
func NewObserver(tel *Telemetry) *Observer {
	return &Observer{
		tel:       tel,
		nodeSpans: make(map[engine.Identity]trace.Span),
	}
}

func (o *Observer) RunStarted(ctx context.Context, runID string, graph *engine.Graph, opts engine.RunOptions) context.Context {
	ctx, span := o.tel.Tracer.StartRunSpan(withRunID(ctx, runID), runID, opts.DryRun, graph.Len())

	o.mu.Lock()
	o.runSpan = span
	o.started = true
	clear(o.nodeSpans)
	o.mu.Unlock()

	o.tel.Metrics.RunStarted()
	o.publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Level:   EventLevelInfo,
		Message: "run started",
		Data: map[string]any{
			"resources": graph.Len(),
			"dry_run":   opts.DryRun,
			"trace_id":  TraceID(ctx),
		},
	})
	return ctx
}

func (o *Observer) NodeStarted(ctx context.Context, _ string, node *engine.Node) context.Context {
	id := node.ID()
	ctx, span := o.tel.Tracer.StartResourceSpan(ctx, id.Type, id.Name, node.Declaration.Action)

	o.mu.Lock()
	o.nodeSpans[id] = span
	o.mu.Unlock()
	return ctx
}

func (o *Observer) ProviderCalled(ctx context.Context, id engine.Identity, operation string, d time.Duration, err error) {
	class := errorClass(err)
	o.tel.Metrics.RecordProviderCall(id.Type, operation, d, class)

	attrs := []attribute.KeyValue{
		AttrProviderOp.String(operation),
		attribute.Int64("duration_ms", d.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, AttrErrorClass.String(class), attribute.String("error", err.Error()))
	}
	trace.SpanFromContext(ctx).AddEvent("provider."+operation, trace.WithAttributes(attrs...))
}

func (o *Observer) NotificationFired(ctx context.Context, from engine.Identity, n engine.FiredNotification) {
	o.tel.Metrics.RecordNotification(string(n.Timing))
	trace.SpanFromContext(ctx).AddEvent("notification", trace.WithAttributes(
		AttrNotifyTarget.String(n.Target.String()),
		AttrNotifyTiming.String(string(n.Timing)),
		AttrAction.String(n.Action),
	))
	o.publish(Event{
		Type:     EventTypeNotificationFired,
		RunID:    runIDFrom(ctx),
		Resource: from.String(),
		Level:    EventLevelInfo,
		Message:  from.String() + " notified " + n.Target.String() + " to " + n.Action,
		Data: map[string]any{
			"target":  n.Target.String(),
			"action":  n.Action,
			"timing":  string(n.Timing),
			"outcome": string(n.Outcome),
		},
	})
}

func (o *Observer) NodeFinished(_ context.Context, runID string, out *engine.Outcome) {
	o.tel.Metrics.RecordResource(out.Identity.Type, string(out.Kind), out.Duration)

	o.mu.Lock()
	span, ok := o.nodeSpans[out.Identity]
	delete(o.nodeSpans, out.Identity)
	o.mu.Unlock()
	if ok {
		span.SetAttributes(AttrOutcome.String(string(out.Kind)))
		if out.Kind == engine.OutcomeFailed {
			RecordError(span, out.Err)
		}
		span.End()
	}

	event := Event{
		RunID:    runID,
		Resource: out.Identity.String(),
		Data: map[string]any{
			"action":   out.Action,
			"outcome":  string(out.Kind),
			"duration": out.Duration.Seconds(),
		},
	}
	switch out.Kind {
	case engine.OutcomeUpdated, engine.OutcomeWouldUpdate:
		event.Type = EventTypeResourceUpdated
		event.Level = EventLevelInfo
		event.Message = out.Identity.String() + " " + string(out.Kind)
		if len(out.Changes) > 0 {
			changes := make([]string, len(out.Changes))
			for i, c := range out.Changes {
				changes[i] = c.String()
			}
			event.Data["changes"] = changes
		}
	case engine.OutcomeFailed:
		event.Type = EventTypeResourceFailed
		event.Level = EventLevelError
		event.Message = out.Identity.String() + " failed: " + out.Error
		event.Data["attempts"] = out.Attempts
	case engine.OutcomeSkipped:
		event.Type = EventTypeResourceSkipped
		event.Level = EventLevelInfo
		event.Message = out.Identity.String() + " skipped: " + out.Reason
	default:
		return
	}
	o.publish(event)
}

func (o *Observer) RunFinished(_ context.Context, report *engine.RunReport) {
	o.mu.Lock()
	span, started := o.runSpan, o.started
	o.runSpan, o.started = nil, false
	o.mu.Unlock()

	if span != nil {
		span.SetAttributes(AttrRunStatus.String(string(report.Status)))
		if err := report.Err(); err != nil {
			RecordError(span, err)
		}
		span.End()
	}

	o.tel.Metrics.RunFinished(string(report.Status), report.DryRun, report.ExitCode() == engine.ExitOK, started, report.Duration)

	event := Event{
		Type:    EventTypeRunFinished,
		RunID:   report.RunID,
		Level:   EventLevelInfo,
		Message: report.Summary.String(),
		Data: map[string]any{
			"status":    string(report.Status),
			"exit_code": report.ExitCode(),
			"duration":  report.Duration.Seconds(),
		},
	}
	if report.StructuralError != nil {
		event.Type = EventTypeRunRejected
		event.Level = EventLevelError
		event.Message = report.StructuralError.Error()
	} else if report.ExitCode() != engine.ExitOK {
		event.Level = EventLevelError
	}
	o.publish(event)
}

// PolicyViolation publishes a policy violation found before a run.
func (o *Observer) PolicyViolation(runID, resource, policy, message, severity string) {
	o.tel.Metrics.RecordPolicyViolations(1)
	o.publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy",
		RunID:    runID,
		Resource: resource,
		Level:    EventLevelError,
		Message:  policy + ": " + message,
		Data: map[string]any{
			"policy":   policy,
			"severity": severity,
		},
	})
}

func (o *Observer) publish(event Event) {
	if event.Source == "" {
		event.Source = "engine"
	}
	if err := o.tel.Events.Publish(event); err != nil {
		o.tel.Logger.root.Warn().Err(err).Str("event", event.Type).Msg("Failed to publish event")
	}
}

// errorClass returns the engine error class of err, "unclassified" for
// other errors and "" for nil.
func errorClass(err error) string {
	if err == nil {
		return ""
	}
	if class, ok := engine.ClassOf(err); ok {
		return string(class)
	}
	return "unclassified"
}

type runIDKey struct{}

func withRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
