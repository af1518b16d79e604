package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/keelops/keel/pkg/stores"
)

func newHistoryCommand(info buildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run journal",
		Long: `History reads the run journal: past runs, their per-resource outcomes
and the events published while they ran.

Run IDs may be abbreviated to any unique prefix.`,
	}

	cmd.AddCommand(newHistoryListCommand(info))
	cmd.AddCommand(newHistoryShowCommand(info))
	cmd.AddCommand(newHistoryEventsCommand(info))
	cmd.AddCommand(newHistoryResourcesCommand(info))
	cmd.AddCommand(newHistoryPruneCommand(info))

	return cmd
}

// withJournal runs fn against the journal and closes everything afterwards.
func withJournal(cmd *cobra.Command, info buildInfo, fn func(j stores.Journal) error) error {
	e, err := newEnv(cmd.Context(), info, envOptions{})
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.requireJournal(cmd.Context())
	if err != nil {
		return err
	}
	return fn(j)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHistoryListCommand(info buildInfo) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Example: `  keel history list
  keel history list --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(cmd, info, func(j stores.Journal) error {
				runs, err := j.ListRuns(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(cmd.OutOrStdout(), runs)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tEXIT\tSUMMARY")
				for _, r := range runs {
					status := string(r.Status)
					if r.DryRun {
						status += " (dry run)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						shortID(r.ID), humanize.Time(r.StartedAt), status, r.ExitCode, r.Summary)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

type runDetail struct {
	*stores.Run
	Outcomes []*stores.Outcome `json:"outcomes"`
}

func newHistoryShowCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its outcomes",
		Example: `  keel history show 3f2a9c1e`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, info, func(j stores.Journal) error {
				ctx := cmd.Context()
				run, err := j.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				outcomes, err := j.ListOutcomes(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(cmd.OutOrStdout(), runDetail{Run: run, Outcomes: outcomes})
				}
				return writeRunText(cmd.OutOrStdout(), run, outcomes)
			})
		},
	}
}

func writeRunText(w io.Writer, run *stores.Run, outcomes []*stores.Outcome) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "run %s on %s\n", run.ID, run.Hostname)
	fmt.Fprintf(&sb, "status:   %s (exit %d)", run.Status, run.ExitCode)
	if run.DryRun {
		sb.WriteString(" dry run")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "started:  %s (%s)\n", run.StartedAt.Format(time.RFC3339), humanize.Time(run.StartedAt))
	fmt.Fprintf(&sb, "duration: %s\n", run.Duration.Round(time.Millisecond))
	if len(run.SourceFiles) > 0 {
		fmt.Fprintf(&sb, "sources:  %s\n", strings.Join(run.SourceFiles, ", "))
	}
	if run.Error != nil {
		fmt.Fprintf(&sb, "error:    %s\n", *run.Error)
	}
	sb.WriteString("\n")

	for _, o := range outcomes {
		fmt.Fprintf(&sb, "  * %-40s %s", o.Identity(), strings.ReplaceAll(o.Kind, "_", " "))
		if o.Reason != "" {
			fmt.Fprintf(&sb, " - %s", o.Reason)
		}
		sb.WriteString("\n")
		for _, c := range o.Changes {
			fmt.Fprintf(&sb, "      - %s\n", c)
		}
		if o.Error != "" {
			fmt.Fprintf(&sb, "      ! %s\n", o.Error)
		}
	}
	fmt.Fprintf(&sb, "\n%s\n", run.Summary)

	_, err := io.WriteString(w, sb.String())
	return err
}

func newHistoryEventsCommand(info buildInfo) *cobra.Command {
	var (
		limit int
		level string
	)

	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "List journaled events",
		Long: `Events lists the events published during runs, oldest first. Without a
run ID, events of all runs are listed, including policy and reload events.`,
		Example: `  keel history events 3f2a9c1e
  keel history events --level error`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, info, func(j stores.Journal) error {
				ctx := cmd.Context()

				var runID *string
				if len(args) == 1 {
					run, err := j.GetRun(ctx, args[0])
					if err != nil {
						return err
					}
					runID = &run.ID
				}
				var lvl *stores.EventLevel
				if level != "" {
					l := stores.EventLevel(level)
					lvl = &l
				}

				events, err := j.GetEvents(ctx, runID, lvl, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(cmd.OutOrStdout(), events)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tRESOURCE\tMESSAGE")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						ev.Timestamp.Local().Format(time.DateTime), ev.Level, ev.Type, ev.Resource, ev.Message)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum number of events")
	cmd.Flags().StringVar(&level, "level", "", "only events at this level (debug, info, warning, error)")
	return cmd
}

func newHistoryResourcesCommand(info buildInfo) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show the last known outcome of each resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(cmd, info, func(j stores.Journal) error {
				states, err := j.ListResourceStates(cmd.Context(), limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(cmd.OutOrStdout(), states)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RESOURCE\tLAST OUTCOME\tSEEN\tCHANGED\tRUN")
				for _, s := range states {
					changed := "never"
					if s.LastChangedAt != nil {
						changed = humanize.Time(*s.LastChangedAt)
					}
					fmt.Fprintf(tw, "%s[%s]\t%s\t%s\t%s\t%s\n",
						s.ResourceType, s.ResourceName, s.LastKind, humanize.Time(s.LastSeenAt), changed, shortID(s.LastRunID))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum number of resources")
	return cmd
}

func newHistoryPruneCommand(info buildInfo) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Example: `  keel history prune --keep 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(cmd, info, func(j stores.Journal) error {
				n, err := j.PruneRuns(cmd.Context(), keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of runs to keep")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
