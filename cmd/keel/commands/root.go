package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	rootDir    string
)

// ExitError carries a process exit code. Err is nil when the failure was
// already reported (e.g. in the run report).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// buildInfo is the version stamped at build time.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(info buildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "keel - idempotent host convergence",
		Long: `keel converges a host to an ordered list of resource declarations.

Each resource (package, service, template, file, user, ...) is observed,
compared with its declaration and changed only when it differs, so running
keel again on a converged host changes nothing.

Features:
  - YAML and CUE declaration files with variables and node attributes
  - only_if / not_if guards over file, command and attribute facts
  - Immediate and delayed notifications between resources
  - Dry runs that report what would change
  - Policy gate (Rego) before any change is made
  - Run journal, Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (keel.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "host root directory all paths are resolved under")

	rootCmd.AddCommand(newApplyCommand(info))
	rootCmd.AddCommand(newPlanCommand(info))
	rootCmd.AddCommand(newValidateCommand(info))
	rootCmd.AddCommand(newGraphCommand(info))
	rootCmd.AddCommand(newFactsCommand(info))
	rootCmd.AddCommand(newHistoryCommand(info))
	rootCmd.AddCommand(newWatchCommand(info))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
