package engine

import (
	"context"
	"time"
)

// RunObserver receives run lifecycle callbacks. Telemetry (logs, metrics,
// traces, events) hooks into the engine through this interface.
//
// The Started callbacks may return a derived context; the engine uses it for
// everything below that level, so a tracer can attach spans.
type RunObserver interface {
	// RunStarted is called once after the graph is built.
	RunStarted(ctx context.Context, runID string, graph *Graph, opts RunOptions) context.Context

	// NodeStarted is called before a node's guard is evaluated.
	NodeStarted(ctx context.Context, runID string, node *Node) context.Context

	// ProviderCalled is called after every observe, diff and apply call.
	ProviderCalled(ctx context.Context, id Identity, operation string, duration time.Duration, err error)

	// NotificationFired is called when a node signals another.
	NotificationFired(ctx context.Context, from Identity, n FiredNotification)

	// NodeFinished is called when a node reaches its outcome.
	NodeFinished(ctx context.Context, runID string, outcome *Outcome)

	// RunFinished is called with the final report, including rejected runs.
	RunFinished(ctx context.Context, report *RunReport)
}

// NopObserver ignores all callbacks.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, _ string, _ *Graph, _ RunOptions) context.Context {
	return ctx
}

func (NopObserver) NodeStarted(ctx context.Context, _ string, _ *Node) context.Context {
	return ctx
}

func (NopObserver) ProviderCalled(context.Context, Identity, string, time.Duration, error) {}

func (NopObserver) NotificationFired(context.Context, Identity, FiredNotification) {}

func (NopObserver) NodeFinished(context.Context, string, *Outcome) {}

func (NopObserver) RunFinished(context.Context, *RunReport) {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []RunObserver

func (m MultiObserver) RunStarted(ctx context.Context, runID string, graph *Graph, opts RunOptions) context.Context {
	for _, o := range m {
		ctx = o.RunStarted(ctx, runID, graph, opts)
	}
	return ctx
}

func (m MultiObserver) NodeStarted(ctx context.Context, runID string, node *Node) context.Context {
	for _, o := range m {
		ctx = o.NodeStarted(ctx, runID, node)
	}
	return ctx
}

func (m MultiObserver) ProviderCalled(ctx context.Context, id Identity, operation string, d time.Duration, err error) {
	for _, o := range m {
		o.ProviderCalled(ctx, id, operation, d, err)
	}
}

func (m MultiObserver) NotificationFired(ctx context.Context, from Identity, n FiredNotification) {
	for _, o := range m {
		o.NotificationFired(ctx, from, n)
	}
}

func (m MultiObserver) NodeFinished(ctx context.Context, runID string, outcome *Outcome) {
	for _, o := range m {
		o.NodeFinished(ctx, runID, outcome)
	}
}

func (m MultiObserver) RunFinished(ctx context.Context, report *RunReport) {
	for _, o := range m {
		o.RunFinished(ctx, report)
	}
}
