package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(info buildInfo) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "plan <path>...",
		Short: "Show what apply would change",
		Long: `Plan is a dry run: every resource is observed and compared with its
declaration, but nothing is changed. Resources that differ are reported as
"would update", together with the notifications they would fire.`,
		Example: `  # Preview changes
  keel plan site.yaml

  # Preview as JSON
  keel plan --json site.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.load(cmd)
			return runConverge(cmd, info, args, &flags, true)
		},
	}

	flags.register(cmd)
	return cmd
}
