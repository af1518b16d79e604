package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/keelops/keel/pkg/engine"
)

// runFlags are shared by apply, plan and watch.
type runFlags struct {
	tags        []string
	failFast    bool
	failFastSet bool
	timeout     time.Duration
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.tags, "tag", "t", nil, "only converge resources carrying one of these tags")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", true, "stop at the first failed resource")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per provider call timeout (default from settings)")
}

func (f *runFlags) load(cmd *cobra.Command) {
	f.failFastSet = cmd.Flags().Changed("fail-fast")
}

func newApplyCommand(info buildInfo) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "apply <path>...",
		Short: "Converge the host to the declarations",
		Long: `Apply loads the declaration files, checks them against the policies and
converges every resource in declaration order.

Paths may be files or directories; directories are searched for .yaml, .yml
and .cue files. The exit status is 0 when every resource converged, 1 when a
resource failed and 2 when the declarations were rejected.`,
		Example: `  # Converge from a single file
  keel apply site.yaml

  # Converge only the resources tagged web
  keel apply --tag web ./declarations/

  # Machine-readable report
  keel apply --json site.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.load(cmd)
			return runConverge(cmd, info, args, &flags, false)
		},
	}

	flags.register(cmd)
	return cmd
}

func runConverge(cmd *cobra.Command, info buildInfo, paths []string, flags *runFlags, dryRun bool) error {
	ctx := cmd.Context()

	e, err := newEnv(ctx, info, envOptions{journal: true, metrics: true})
	if err != nil {
		return err
	}
	defer e.Close()

	pe, err := e.newPolicyEngine(ctx)
	if err != nil {
		return &ExitError{Code: engine.ExitStructural, Err: err}
	}

	report := e.converge(ctx, pe, paths, e.runOptions(flags, dryRun))
	if err := writeReport(cmd, report); err != nil {
		return err
	}
	if code := report.ExitCode(); code != engine.ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}

func writeReport(cmd *cobra.Command, report *engine.RunReport) error {
	if jsonOutput {
		return report.WriteJSON(cmd.OutOrStdout())
	}
	return report.WriteText(cmd.OutOrStdout())
}
