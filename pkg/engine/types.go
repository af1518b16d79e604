package engine

import (
	"fmt"
	"strings"
	"time"
)

// Identity uniquely identifies a resource within a declaration set.
// Its string form is type[name], e.g. service[sshd].
type Identity struct {
	// Type is the resource type tag (e.g., "package", "service").
	Type string `json:"type"`

	// Name is unique within its type and is the idempotence key.
	Name string `json:"name"`
}

// String returns the type[name] form of the identity.
func (id Identity) String() string {
	return id.Type + "[" + id.Name + "]"
}

// IsZero reports whether the identity is empty.
func (id Identity) IsZero() bool {
	return id.Type == "" && id.Name == ""
}

// ParseIdentity parses a type[name] reference.
func ParseIdentity(ref string) (Identity, error) {
	ref = strings.TrimSpace(ref)
	open := strings.Index(ref, "[")
	if open <= 0 || !strings.HasSuffix(ref, "]") || open == len(ref)-2 {
		return Identity{}, fmt.Errorf("invalid resource reference %q: expected type[name]", ref)
	}
	return Identity{Type: ref[:open], Name: ref[open+1 : len(ref)-1]}, nil
}

// Declaration is a single declared unit of desired system state.
// Declarations are created once when a declaration set is loaded and are never mutated.
type Declaration struct {
	// Type is the resource type tag used to look up the provider.
	Type string `json:"type"`

	// Name is unique within Type.
	Name string `json:"name"`

	// Action is the default action verb (e.g., "install", "start", "create").
	// Empty means the provider's default action.
	Action string `json:"action,omitempty"`

	// Attributes are the declared attributes (owner, mode, path, source, ...).
	Attributes map[string]any `json:"attributes,omitempty"`

	// Guard is an optional precondition evaluated before observe.
	Guard *Guard `json:"guard,omitempty"`

	// Notifies lists resources to signal when this resource is updated.
	Notifies []Notification `json:"notifies,omitempty"`

	// Subscribes lists resources whose update should signal this resource.
	Subscribes []Notification `json:"subscribes,omitempty"`

	// ContinueOnError lets the run proceed past a failure of this resource.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Timeout overrides the run-wide per-resource timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retries is the number of additional apply attempts for retryable errors.
	Retries int `json:"retries,omitempty"`

	// RetryDelay is the initial backoff between apply attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// Tags are labels used by the run tag filter.
	Tags []string `json:"tags,omitempty"`
}

// Identity returns the declaration's identity.
func (d *Declaration) Identity() Identity {
	return Identity{Type: d.Type, Name: d.Name}
}

// Notification is an edge that makes one resource's change trigger an action on another.
type Notification struct {
	// Target is the other end of the edge. For Notifies it is the notified resource,
	// for Subscribes it is the resource being watched.
	Target Identity `json:"target"`

	// Action is the verb run on the notified resource (e.g., "restart").
	Action string `json:"action"`

	// Timing selects when the notified action runs.
	Timing NotifyTiming `json:"timing,omitempty"`
}

// Guard gates whether a resource is processed at all.
type Guard struct {
	// OnlyIf predicates must all be true for the resource to proceed.
	OnlyIf []Predicate `json:"only_if,omitempty"`

	// NotIf predicates suppress the resource when any of them is true.
	NotIf []Predicate `json:"not_if,omitempty"`
}

// IsEmpty reports whether the guard has no predicates.
func (g *Guard) IsEmpty() bool {
	return g == nil || (len(g.OnlyIf) == 0 && len(g.NotIf) == 0)
}

// Predicate is a single guard condition over an observable fact.
type Predicate struct {
	// Fact selects the fact vocabulary entry.
	Fact FactKind `json:"fact"`

	// Path is the file checked by file_exists.
	Path string `json:"path,omitempty"`

	// Command and Args are run by command_succeeds.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Attribute is a dotted path into host facts and node attributes for attribute_equals.
	Attribute string `json:"attribute,omitempty"`

	// Value is the expected value for attribute_equals.
	Value string `json:"value,omitempty"`

	// Negate inverts the result.
	Negate bool `json:"negate,omitempty"`
}

// String renders the predicate for logs and skip reasons.
func (p Predicate) String() string {
	if p.Negate {
		q := p
		q.Negate = false
		return "!" + q.String()
	}
	switch p.Fact {
	case FactFileExists:
		return fmt.Sprintf("file_exists(%s)", p.Path)
	case FactCommandSucceeds:
		return fmt.Sprintf("command_succeeds(%s)", strings.TrimSpace(p.Command+" "+strings.Join(p.Args, " ")))
	case FactAttributeEquals:
		return fmt.Sprintf("attribute_equals(%s=%s)", p.Attribute, p.Value)
	default:
		return string(p.Fact)
	}
}

// Node wraps a declaration with derived graph data.
// Nodes are owned by the graph for the duration of one run.
type Node struct {
	// Declaration is the wrapped declaration.
	Declaration *Declaration

	// Index is the declaration position in the source list.
	Index int

	// Dependencies are nodes that must converge first.
	Dependencies []Identity

	// Dependents are nodes that come after this node.
	Dependents []Identity

	// Edges are the outgoing edges of this node, in declaration order.
	Edges []Edge
}

// ID returns the node identity.
func (n *Node) ID() Identity {
	return n.Declaration.Identity()
}

// Edge is a directed edge between two nodes.
type Edge struct {
	From Identity `json:"from"`
	To   Identity `json:"to"`

	// Type is notify for explicit notifications and order for implicit declaration order.
	Type EdgeType `json:"type"`

	// Action and Timing are set for notify edges.
	Action string       `json:"action,omitempty"`
	Timing NotifyTiming `json:"timing,omitempty"`
}

// EdgeType represents the kind of a graph edge.
type EdgeType string

const (
	// EdgeNotify is an explicit notifies/subscribes edge.
	EdgeNotify EdgeType = "notify"

	// EdgeOrder is an implicit declaration-order edge.
	EdgeOrder EdgeType = "order"
)

// Change is a single attribute difference reported by a provider diff.
type Change struct {
	// Path is the attribute path that differs (e.g., "mode", "content").
	Path string `json:"path"`

	// Before is the observed value.
	Before any `json:"before,omitempty"`

	// After is the declared value.
	After any `json:"after,omitempty"`
}

// String renders the change as "path: before -> after".
func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Path, c.Before, c.After)
}

// RunOptions controls a convergence run.
type RunOptions struct {
	// RunID identifies the run in logs, traces and the journal.
	RunID string `json:"run_id,omitempty"`

	// DryRun runs observe and diff only, apply is never invoked.
	DryRun bool `json:"dry_run"`

	// FailFast halts the run on the first failed node. Defaults to true.
	FailFast bool `json:"fail_fast"`

	// Timeout is the per-provider-call budget. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Tags restricts the run to nodes carrying at least one of these tags.
	Tags []string `json:"tags,omitempty"`
}

// DefaultRunOptions returns the default options: fail-fast, no dry run, no timeout.
func DefaultRunOptions() RunOptions {
	return RunOptions{FailFast: true}
}

// Outcome is the result of visiting one node.
// Every node in a run has exactly one outcome.
type Outcome struct {
	// Identity of the node.
	Identity Identity `json:"identity"`

	// Kind is the terminal outcome.
	Kind OutcomeKind `json:"kind"`

	// Action is the action verb the node converged with.
	Action string `json:"action,omitempty"`

	// Reason explains skipped and not_visited outcomes.
	Reason string `json:"reason,omitempty"`

	// Err is the failure for failed outcomes.
	Err error `json:"-"`

	// Error is the rendered Err, kept for JSON output.
	Error string `json:"error,omitempty"`

	// Changes are the differences applied (or that would be applied on a dry run).
	Changes []Change `json:"changes,omitempty"`

	// Diff is an optional unified diff of content changes.
	Diff string `json:"diff,omitempty"`

	// Notifications are the notifications fired (or that would fire) by this node.
	Notifications []FiredNotification `json:"notifications,omitempty"`

	// Attempts is the number of apply attempts.
	Attempts int `json:"attempts,omitempty"`

	// StartedAt is when the node visit started.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Duration is the elapsed time of the visit, notifications included.
	Duration time.Duration `json:"duration"`
}

// FiredNotification records a notification sent by a node.
type FiredNotification struct {
	Target Identity     `json:"target"`
	Action string       `json:"action"`
	Timing NotifyTiming `json:"timing"`

	// Outcome is what the notified action did. Empty on dry runs.
	Outcome OutcomeKind `json:"outcome,omitempty"`
}
