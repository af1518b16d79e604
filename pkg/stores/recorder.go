package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/engine"
)

// Recorder journals runs as they happen. It is an engine.RunObserver: the run
// row is created with status running when the graph is built, and completed
// with every outcome once the report is final.
//
// Journal failures are logged and never fail the run.
type Recorder struct {
	engine.NopObserver

	journal  Journal
	hostname string
	sources  []string
	logger   zerolog.Logger
}

// NewRecorder creates a recorder for the given host and declaration files.
func NewRecorder(journal Journal, hostname string, sources []string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		journal:  journal,
		hostname: hostname,
		sources:  sources,
		logger:   logger.With().Str("component", "journal").Logger(),
	}
}

// RunStarted inserts the run row.
func (r *Recorder) RunStarted(ctx context.Context, runID string, _ *engine.Graph, opts engine.RunOptions) context.Context {
	run := &Run{
		ID:          runID,
		Hostname:    r.hostname,
		Status:      RunStatusRunning,
		DryRun:      opts.DryRun,
		SourceFiles: r.sources,
		StartedAt:   time.Now(),
	}
	if err := r.journal.CreateRun(ctx, run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to journal run start")
	}
	return ctx
}

// RunFinished stores the final report. It still writes when ctx is cancelled.
func (r *Recorder) RunFinished(ctx context.Context, report *engine.RunReport) {
	run, outcomes := FromReport(report, r.hostname, r.sources)
	if err := r.journal.FinishRun(context.WithoutCancel(ctx), run, outcomes); err != nil {
		r.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to journal run")
		return
	}
	r.logger.Debug().Str("run_id", report.RunID).Int("outcomes", len(outcomes)).Msg("Run journaled")
}

// FromReport converts a run report into journal rows.
func FromReport(report *engine.RunReport, hostname string, sources []string) (*Run, []*Outcome) {
	run := &Run{
		ID:          report.RunID,
		Hostname:    hostname,
		Status:      RunStatus(report.Status),
		DryRun:      report.DryRun,
		ExitCode:    report.ExitCode(),
		Summary:     report.Summary,
		SourceFiles: sources,
		StartedAt:   report.StartedAt,
		Duration:    report.Duration,
	}
	if !report.FinishedAt.IsZero() {
		finished := report.FinishedAt
		run.FinishedAt = &finished
	}
	if err := report.Err(); err != nil {
		msg := err.Error()
		run.Error = &msg
	}

	outcomes := make([]*Outcome, 0, len(report.Outcomes))
	for i, o := range report.Outcomes {
		row := &Outcome{
			RunID:        report.RunID,
			Position:     i,
			ResourceType: o.Identity.Type,
			ResourceName: o.Identity.Name,
			Action:       o.Action,
			Kind:         string(o.Kind),
			Reason:       o.Reason,
			Error:        o.Error,
			Changes:      o.Changes,
			Diff:         o.Diff,
			Attempts:     o.Attempts,
			Duration:     o.Duration,
		}
		if row.Error == "" && o.Err != nil {
			row.Error = o.Err.Error()
		}
		if !o.StartedAt.IsZero() {
			started := o.StartedAt
			row.StartedAt = &started
		}
		outcomes = append(outcomes, row)
	}
	return run, outcomes
}
