package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Exit codes returned by RunReport.ExitCode.
const (
	ExitOK         = 0
	ExitFailed     = 1
	ExitStructural = 2
)

// RunReport aggregates the outcome of every node in a run.
// The engine always returns a report, even when the run failed or was rejected.
type RunReport struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// DryRun is true when apply was never invoked.
	DryRun bool `json:"dry_run"`

	// Outcomes holds one outcome per node in convergence order.
	Outcomes []*Outcome `json:"outcomes"`

	// Summary counts outcomes by kind.
	Summary Summary `json:"summary"`

	// StructuralError is set when the declaration set was rejected before any provider call.
	StructuralError error `json:"-"`

	// Warnings collects non-fatal problems (guard evaluation errors).
	Warnings []string `json:"warnings,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Summary counts outcomes by kind.
type Summary struct {
	Total       int `json:"total"`
	Unchanged   int `json:"unchanged"`
	Updated     int `json:"updated"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	WouldUpdate int `json:"would_update"`
	NotVisited  int `json:"not_visited"`
}

// Count returns the count for a kind.
func (s Summary) Count(kind OutcomeKind) int {
	switch kind {
	case OutcomeUnchanged:
		return s.Unchanged
	case OutcomeUpdated:
		return s.Updated
	case OutcomeFailed:
		return s.Failed
	case OutcomeSkipped:
		return s.Skipped
	case OutcomeWouldUpdate:
		return s.WouldUpdate
	case OutcomeNotVisited:
		return s.NotVisited
	default:
		return 0
	}
}

// String renders non-zero counts, e.g. "3 updated, 5 unchanged, 1 failed".
func (s Summary) String() string {
	var parts []string
	for _, kind := range AllOutcomeKinds {
		if n := s.Count(kind); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(kind), "_", " ")))
		}
	}
	if len(parts) == 0 {
		return "no resources"
	}
	return fmt.Sprintf("%d resources: %s", s.Total, strings.Join(parts, ", "))
}

func newRunReport(opts RunOptions) *RunReport {
	return &RunReport{
		RunID:     opts.RunID,
		DryRun:    opts.DryRun,
		StartedAt: time.Now(),
	}
}

// NewRejectedReport builds the report of a run rejected before any provider
// call, e.g. by a structural error or a policy gate.
func NewRejectedReport(runID string, err error) *RunReport {
	r := newRunReport(RunOptions{RunID: runID})
	r.reject(err)
	return r
}

func (r *RunReport) reject(err error) {
	r.StructuralError = err
	r.Status = RunStatusRejected
	r.finish()
}

func (r *RunReport) finish() {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
	r.Summary = calculateSummary(r.Outcomes)
}

func calculateSummary(outcomes []*Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeUnchanged:
			s.Unchanged++
		case OutcomeUpdated:
			s.Updated++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeWouldUpdate:
			s.WouldUpdate++
		case OutcomeNotVisited:
			s.NotVisited++
		}
	}
	return s
}

// Outcome returns the outcome recorded for id, or nil.
func (r *RunReport) Outcome(id Identity) *Outcome {
	for _, o := range r.Outcomes {
		if o.Identity == id {
			return o
		}
	}
	return nil
}

// FirstFailure returns the first failed outcome in convergence order, or nil.
func (r *RunReport) FirstFailure() *Outcome {
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeFailed {
			return o
		}
	}
	return nil
}

// ExitCode returns 2 for structural errors, 1 when any node failed or the
// run was cancelled, and 0 otherwise.
func (r *RunReport) ExitCode() int {
	switch {
	case r.StructuralError != nil:
		return ExitStructural
	case r.Summary.Failed > 0 || r.Status == RunStatusFailed || r.Status == RunStatusCancelled:
		return ExitFailed
	default:
		return ExitOK
	}
}

// Err returns an error describing why the run did not succeed, or nil.
func (r *RunReport) Err() error {
	switch {
	case r.StructuralError != nil:
		return r.StructuralError
	case r.FirstFailure() != nil:
		f := r.FirstFailure()
		return fmt.Errorf("%s failed: %w", f.Identity, f.Err)
	case r.Status == RunStatusCancelled:
		return fmt.Errorf("run %s cancelled", r.RunID)
	default:
		return nil
	}
}

// WriteText renders the report as one line per resource followed by the summary.
func (r *RunReport) WriteText(w io.Writer) error {
	var sb strings.Builder

	if r.StructuralError != nil {
		fmt.Fprintf(&sb, "run rejected: %v\n", r.StructuralError)
	}

	for _, o := range r.Outcomes {
		fmt.Fprintf(&sb, "  * %-40s %s", o.Identity.String(), strings.ReplaceAll(string(o.Kind), "_", " "))
		if o.Action != "" && (o.Kind == OutcomeUpdated || o.Kind == OutcomeWouldUpdate) {
			fmt.Fprintf(&sb, " (action %s)", o.Action)
		}
		if o.Reason != "" {
			fmt.Fprintf(&sb, " - %s", o.Reason)
		}
		sb.WriteString("\n")
		for _, c := range o.Changes {
			fmt.Fprintf(&sb, "      - %s\n", c)
		}
		if o.Diff != "" {
			for _, line := range strings.Split(strings.TrimRight(o.Diff, "\n"), "\n") {
				fmt.Fprintf(&sb, "      %s\n", line)
			}
		}
		for _, n := range o.Notifications {
			fmt.Fprintf(&sb, "      -> notifies %s to %s (%s)\n", n.Target, n.Action, n.Timing)
		}
		if o.Err != nil {
			fmt.Fprintf(&sb, "      ! %v\n", o.Err)
		}
	}

	for _, warn := range r.Warnings {
		fmt.Fprintf(&sb, "warning: %s\n", warn)
	}

	fmt.Fprintf(&sb, "\n%s in %s", r.Summary, r.Duration.Round(time.Millisecond))
	if r.DryRun {
		sb.WriteString(" (dry run)")
	}
	sb.WriteString("\n")

	if f := r.FirstFailure(); f != nil {
		fmt.Fprintf(&sb, "first failure: %s: %v\n", f.Identity, f.Err)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func (r *RunReport) WriteJSON(w io.Writer) error {
	type jsonReport struct {
		*RunReport
		ExitCode        int    `json:"exit_code"`
		StructuralError string `json:"structural_error,omitempty"`
	}
	out := jsonReport{RunReport: r, ExitCode: r.ExitCode()}
	if r.StructuralError != nil {
		out.StructuralError = r.StructuralError.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
