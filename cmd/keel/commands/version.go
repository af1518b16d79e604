package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if jsonOutput {
				return encodeJSON(out, struct {
					buildInfo
					GoVersion string `json:"go_version"`
					Platform  string `json:"platform"`
				}{info, runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH})
			}
			fmt.Fprintf(out, "keel %s\n", info.Version)
			fmt.Fprintf(out, "  commit:   %s\n", info.Commit)
			fmt.Fprintf(out, "  built:    %s\n", info.BuildDate)
			fmt.Fprintf(out, "  go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
