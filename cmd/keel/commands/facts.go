package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newFactsCommand(info buildInfo) *cobra.Command {
	var flat bool

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the host facts",
		Long: `Facts collects what keel knows about the host:
  - hostname, kernel and architecture
  - OS name, version and family
  - CPU count and memory
  - the detected package manager

Declarations refer to facts as ${host.<key>}, and only_if/not_if guards as
host.<key> attributes.`,
		Example: `  keel facts
  keel facts --flat
  keel facts --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd.Context(), info, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			switch {
			case flat:
				attrs := e.facts.Flatten()
				keys := make([]string, 0, len(attrs))
				for k := range attrs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s=%s\n", k, attrs[k])
				}
				return nil
			case jsonOutput:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(e.facts)
			default:
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(e.facts)
			}
		},
	}

	cmd.Flags().BoolVar(&flat, "flat", false, "print host.<key>=value lines")
	return cmd
}
