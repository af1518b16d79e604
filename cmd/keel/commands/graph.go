package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keelops/keel/pkg/engine"
)

type graphNode struct {
	Identity string   `json:"identity"`
	Action   string   `json:"action"`
	Level    int      `json:"level"`
	Tags     []string `json:"tags,omitempty"`
}

type graphOutput struct {
	Order []string      `json:"order"`
	Nodes []graphNode   `json:"nodes"`
	Edges []engine.Edge `json:"edges"`
}

func newGraphCommand(info buildInfo) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <path>...",
		Short: "Print the resource graph",
		Long: `Graph builds the resource graph from the declaration files and prints it
in convergence order. Order edges come from declaration order; notify edges
come from notifies and subscribes.

Formats:
  text  one line per resource in convergence order (default)
  dot   Graphviz DOT, grouped by level
  json  order, nodes and edges`,
		Example: `  # Render with Graphviz
  keel graph --format dot site.yaml | dot -Tsvg > graph.svg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if jsonOutput {
				format = "json"
			}

			e, err := newEnv(ctx, info, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			set, err := e.loadDeclarations(ctx, args)
			if err != nil {
				return &ExitError{Code: engine.ExitStructural, Err: err}
			}
			eng, _, err := e.newEngine(set)
			if err != nil {
				return err
			}
			graph, err := eng.Build(set.Declarations)
			if err != nil {
				return &ExitError{Code: engine.ExitStructural, Err: err}
			}

			out := cmd.OutOrStdout()
			switch format {
			case "dot":
				_, err = fmt.Fprint(out, graph.ToDOT())
				return err
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(buildGraphOutput(graph))
			case "text", "":
				_, err = fmt.Fprint(out, renderGraphText(graph))
				return err
			default:
				return fmt.Errorf("unknown format %q (want text, dot or json)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, dot, json)")
	return cmd
}

func levelIndex(graph *engine.Graph) map[engine.Identity]int {
	levels := make(map[engine.Identity]int, graph.Len())
	for level, ids := range graph.Levels() {
		for _, id := range ids {
			levels[id] = level
		}
	}
	return levels
}

func buildGraphOutput(graph *engine.Graph) graphOutput {
	levels := levelIndex(graph)
	out := graphOutput{Edges: graph.Edges()}
	for _, id := range graph.Order() {
		node := graph.Node(id)
		out.Order = append(out.Order, id.String())
		out.Nodes = append(out.Nodes, graphNode{
			Identity: id.String(),
			Action:   node.Declaration.Action,
			Level:    levels[id],
			Tags:     node.Declaration.Tags,
		})
	}
	return out
}

func renderGraphText(graph *engine.Graph) string {
	var sb strings.Builder
	for i, id := range graph.Order() {
		node := graph.Node(id)
		fmt.Fprintf(&sb, "%3d. %s", i+1, id)
		if node.Declaration.Action != "" {
			fmt.Fprintf(&sb, " (%s)", node.Declaration.Action)
		}
		sb.WriteString("\n")
		for _, edge := range graph.Edges() {
			if edge.From != id || edge.Type != engine.EdgeNotify {
				continue
			}
			fmt.Fprintf(&sb, "       -> %s %s (%s)\n", edge.To, edge.Action, edge.Timing)
		}
	}
	return sb.String()
}
