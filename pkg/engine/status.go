package engine

import (
	"encoding/json"
	"fmt"
)

// NodeState is the state of a node during a run.
//
//	Pending -> GuardChecked -> {Skipped | Observed -> {Unchanged | Applying -> {Updated | Failed}}}
//
// Dry runs end in WouldUpdate instead of Applying. Nodes never reached end in NotVisited.
type NodeState string

const (
	NodeStatePending      NodeState = "pending"
	NodeStateGuardChecked NodeState = "guard_checked"
	NodeStateObserved     NodeState = "observed"
	NodeStateApplying     NodeState = "applying"
	NodeStateSkipped      NodeState = "skipped"
	NodeStateUnchanged    NodeState = "unchanged"
	NodeStateUpdated      NodeState = "updated"
	NodeStateFailed       NodeState = "failed"
	NodeStateWouldUpdate  NodeState = "would_update"
	NodeStateNotVisited   NodeState = "not_visited"
)

// IsTerminal returns true if no further transition is possible.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateSkipped, NodeStateUnchanged, NodeStateUpdated,
		NodeStateFailed, NodeStateWouldUpdate, NodeStateNotVisited:
		return true
	default:
		return false
	}
}

var nodeTransitions = map[NodeState][]NodeState{
	NodeStatePending:      {NodeStateGuardChecked, NodeStateSkipped, NodeStateNotVisited},
	NodeStateGuardChecked: {NodeStateSkipped, NodeStateObserved, NodeStateFailed},
	NodeStateObserved:     {NodeStateUnchanged, NodeStateApplying, NodeStateWouldUpdate, NodeStateFailed},
	NodeStateApplying:     {NodeStateUpdated, NodeStateFailed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s NodeState) CanTransition(next NodeState) bool {
	for _, allowed := range nodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the node state is valid.
func (s NodeState) Validate() error {
	switch s {
	case NodeStatePending, NodeStateGuardChecked, NodeStateObserved, NodeStateApplying,
		NodeStateSkipped, NodeStateUnchanged, NodeStateUpdated, NodeStateFailed,
		NodeStateWouldUpdate, NodeStateNotVisited:
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", s)
	}
}

// OutcomeKind is the terminal result of a node in a run.
type OutcomeKind string

const (
	// OutcomeUnchanged means the resource already matched its declaration.
	OutcomeUnchanged OutcomeKind = "unchanged"

	// OutcomeUpdated means apply ran and succeeded.
	OutcomeUpdated OutcomeKind = "updated"

	// OutcomeFailed means a provider call failed or timed out.
	OutcomeFailed OutcomeKind = "failed"

	// OutcomeSkipped means a guard or the tag filter suppressed the resource.
	OutcomeSkipped OutcomeKind = "skipped"

	// OutcomeWouldUpdate means a dry run found the resource divergent.
	OutcomeWouldUpdate OutcomeKind = "would_update"

	// OutcomeNotVisited means the run halted or a dependency failed before the node was reached.
	OutcomeNotVisited OutcomeKind = "not_visited"
)

// AllOutcomeKinds lists outcome kinds in report order.
var AllOutcomeKinds = []OutcomeKind{
	OutcomeUpdated, OutcomeUnchanged, OutcomeWouldUpdate,
	OutcomeSkipped, OutcomeFailed, OutcomeNotVisited,
}

// rank orders outcomes for merging a notified action into an existing outcome.
func (k OutcomeKind) rank() int {
	switch k {
	case OutcomeFailed:
		return 5
	case OutcomeUpdated:
		return 4
	case OutcomeWouldUpdate:
		return 3
	case OutcomeUnchanged:
		return 2
	case OutcomeSkipped:
		return 1
	default:
		return 0
	}
}

// Merge returns the stronger of two outcome kinds.
func (k OutcomeKind) Merge(other OutcomeKind) OutcomeKind {
	if other.rank() > k.rank() {
		return other
	}
	return k
}

// Validate checks if the outcome kind is valid.
func (k OutcomeKind) Validate() error {
	switch k {
	case OutcomeUnchanged, OutcomeUpdated, OutcomeFailed,
		OutcomeSkipped, OutcomeWouldUpdate, OutcomeNotVisited:
		return nil
	default:
		return fmt.Errorf("invalid outcome kind: %s", k)
	}
}

// MarshalJSON implements json.Marshaler.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(k))
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *OutcomeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := OutcomeKind(s)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}

// NotifyTiming selects when a notified action runs.
type NotifyTiming string

const (
	// NotifyImmediate runs the notified action right after the notifying node completes.
	NotifyImmediate NotifyTiming = "immediate"

	// NotifyDelayed queues the notified action to run once at the end of the run.
	NotifyDelayed NotifyTiming = "delayed"
)

// Validate checks if the timing is valid. Empty is treated as immediate.
func (t NotifyTiming) Validate() error {
	switch t {
	case "", NotifyImmediate, NotifyDelayed:
		return nil
	default:
		return fmt.Errorf("invalid notification timing: %s", t)
	}
}

// OrDefault returns immediate for an empty timing.
func (t NotifyTiming) OrDefault() NotifyTiming {
	if t == "" {
		return NotifyImmediate
	}
	return t
}

// FactKind is an entry of the fixed guard fact vocabulary.
type FactKind string

const (
	FactFileExists      FactKind = "file_exists"
	FactCommandSucceeds FactKind = "command_succeeds"
	FactAttributeEquals FactKind = "attribute_equals"
)

// Validate checks if the fact kind is part of the vocabulary.
func (f FactKind) Validate() error {
	switch f {
	case FactFileExists, FactCommandSucceeds, FactAttributeEquals:
		return nil
	default:
		return fmt.Errorf("invalid guard fact: %s", f)
	}
}

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusRejected  RunStatus = "rejected"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
