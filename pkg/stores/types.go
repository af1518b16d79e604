package stores

import (
	"context"
	"time"

	"github.com/keelops/keel/pkg/engine"
)

// RunStatus mirrors engine.RunStatus for stored runs. A run that is still
// in progress, or whose process died, stays "running".
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one journaled convergence run.
type Run struct {
	ID          string         `json:"id"`
	Hostname    string         `json:"hostname"`
	Status      RunStatus      `json:"status"`
	DryRun      bool           `json:"dry_run"`
	ExitCode    int            `json:"exit_code"`
	Summary     engine.Summary `json:"summary"`
	SourceFiles []string       `json:"source_files"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// Outcome is one node outcome of a journaled run.
type Outcome struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	Position     int             `json:"position"`
	ResourceType string          `json:"resource_type"`
	ResourceName string          `json:"resource_name"`
	Action       string          `json:"action,omitempty"`
	Kind         string          `json:"kind"`
	Reason       string          `json:"reason,omitempty"`
	Error        string          `json:"error,omitempty"`
	Changes      []engine.Change `json:"changes,omitempty"`
	Diff         string          `json:"diff,omitempty"`
	Attempts     int             `json:"attempts,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

// Identity returns the outcome's resource identity.
func (o *Outcome) Identity() engine.Identity {
	return engine.Identity{Type: o.ResourceType, Name: o.ResourceName}
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// ResourceState is the last known outcome of a resource across runs.
type ResourceState struct {
	ResourceType string    `json:"resource_type"`
	ResourceName string    `json:"resource_name"`
	LastKind     string    `json:"last_kind"`
	LastRunID    string    `json:"last_run_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	// LastChangedAt is the last time the resource was updated by a real run.
	LastChangedAt *time.Time `json:"last_changed_at,omitempty"`
}

// Journal defines the run journal persistence layer.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run, outcomes []*Outcome) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]*Outcome, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// ResourceState operations
	GetResourceState(ctx context.Context, resourceType, resourceName string) (*ResourceState, error)
	ListResourceStates(ctx context.Context, limit, offset int) ([]*ResourceState, error)
}
