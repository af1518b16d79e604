package policy

import (
	"time"

	"github.com/keelops/keel/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated per declaration.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the type[name] identity of the offending declaration.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against a
// declaration set.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are blocking (error and critical).
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking (info and warning) violations and
	// policies that failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Resource is the declaration being checked.
	Resource ResourceInput `json:"resource"`

	// Host holds host facts.
	Host map[string]any `json:"host,omitempty"`

	// DryRun is true for plan.
	DryRun bool `json:"dry_run"`
}

// ResourceInput is a declaration as presented to Rego.
type ResourceInput struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Name       string                `json:"name"`
	Action     string                `json:"action,omitempty"`
	Attributes map[string]any        `json:"attributes"`
	Guard      *engine.Guard         `json:"guard,omitempty"`
	Notifies   []engine.Notification `json:"notifies,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
}

// NewResourceInput converts a declaration.
func NewResourceInput(decl *engine.Declaration) ResourceInput {
	attrs := decl.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return ResourceInput{
		ID:         decl.Identity().String(),
		Type:       decl.Type,
		Name:       decl.Name,
		Action:     decl.Action,
		Attributes: attrs,
		Guard:      decl.Guard,
		Notifies:   decl.Notifies,
		Tags:       decl.Tags,
	}
}

// Summary counts violations by severity.
type Summary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// Summarize counts every violation and warning in r.
func (r *Result) Summarize() Summary {
	s := Summary{BySeverity: map[Severity]int{}}
	for _, v := range r.Violations {
		s.BySeverity[v.Severity]++
		s.Total++
	}
	for _, v := range r.Warnings {
		s.BySeverity[v.Severity]++
		s.Total++
	}
	return s
}
