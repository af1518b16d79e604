// Package engine converges an ordered list of resource declarations against a host.
//
// # Overview
//
// A run goes through four phases:
//
//  1. Build - validate declarations and derive the resource graph (GraphBuilder)
//  2. Guard - evaluate only_if/not_if predicates per resource (GuardEvaluator)
//  3. Converge - observe, diff and apply each resource in order (Engine)
//  4. Report - aggregate one outcome per resource (RunReport)
//
// Any structural problem found while building (duplicate identity, cycle,
// dangling notification target, unknown type or action) rejects the run
// before a single provider call is made.
//
// # Graph
//
// Declarations are nodes, identified by type and name and written as
// type[name]. An explicit notification (notifies on A, or subscribes on B for
// A) produces a notify edge A -> B. Consecutive declarations that take part
// in no notification are chained with order edges, so a plain list converges
// top to bottom. Convergence order is a stable topological order that always
// prefers the lowest declaration index.
//
// # Providers
//
// Providers are registered per resource type:
//
//	type Provider interface {
//	    Metadata() ProviderMetadata
//	    Observe(ctx context.Context, req *Request) (*State, error)
//	    Diff(req *Request, state *State) (*ChangeSet, error)
//	    Apply(ctx context.Context, cs *ChangeSet) (*ApplyResult, error)
//	}
//
// Diff must be pure and return an empty change set when the observed state
// already matches the request. Apply is only called for non-empty change sets
// and never in dry-run mode.
//
// # Notifications
//
// When a resource updates, each notify edge triggers its target with the
// declared action. Immediate notifications run right away and may cascade.
// Delayed notifications are queued, deduplicated by target and action, and
// run once at the end of the run.
//
// # Error Classification
//
// Provider errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires a longer backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//   - Structural: Declaration set rejected before convergence
//
// # Exit Codes
//
// RunReport.ExitCode returns 0 when every resource converged, 1 when any
// resource failed or the run was cancelled, and 2 on a structural error.
//
// # Example Usage
//
//	reg := engine.NewRegistry()
//	providers.RegisterDefaults(reg, deps)
//
//	eng := engine.New(reg, facts, engine.WithLogger(logger))
//	report := eng.Run(ctx, decls, engine.DefaultRunOptions())
//	os.Exit(report.ExitCode())
//
// # Thread Safety
//
// Registry and Graph are read-only once built. An Engine may be shared, but a
// single run converges its resources one at a time.
package engine
