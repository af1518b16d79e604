package providers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// CommandProvider runs a shell command or script.
//
// A command always diverges unless the path named by creates exists, so it
// should carry creates or a guard to stay idempotent.
type CommandProvider struct {
	deps Deps
}

// NewCommandProvider creates a command provider.
func NewCommandProvider(deps Deps) *CommandProvider {
	return &CommandProvider{deps: deps.withDefaults()}
}

// Metadata describes the command resource type.
func (p *CommandProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "command",
		Description:   "Shell command or script, optionally as another user",
		Actions:       []string{"run", "nothing"},
		DefaultAction: "run",
	}
}

type commandSpec struct {
	cmd     system.Command
	creates string
	returns []int
}

func (p *CommandProvider) desired(req *engine.Request) (commandSpec, error) {
	a := attrs(req.Attributes)
	spec := commandSpec{creates: a.str("creates"), returns: []int{0}}

	switch {
	case a.has("code"):
		interpreter := a.strOr("interpreter", "bash")
		spec.cmd = system.Command{Name: interpreter, Args: []string{"-e", "-c", a.str("code")}}
	default:
		line := a.strOr("command", req.Identity.Name)
		spec.cmd = system.Command{Name: "sh", Args: []string{"-c", line}}
	}
	spec.cmd.Dir = a.str("cwd")
	spec.cmd.Env = a.strMap("environment")
	spec.cmd.User = a.str("user")

	if a.has("returns") {
		spec.returns = nil
		for _, r := range a.list("returns") {
			code, err := strconv.Atoi(r)
			if err != nil {
				return spec, fmt.Errorf("attribute returns: %q is not an exit code", r)
			}
			spec.returns = append(spec.returns, code)
		}
	}
	return spec, nil
}

// Validate checks the declared attributes.
func (p *CommandProvider) Validate(req *engine.Request) error {
	spec, err := p.desired(req)
	if err != nil {
		return err
	}
	if spec.creates != "" {
		return validatePath(spec.creates)
	}
	return nil
}

// Observe checks the creates path.
func (p *CommandProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	if spec.creates == "" {
		return &engine.State{}, nil
	}
	info, err := p.deps.FS.Lstat(spec.creates)
	if err != nil {
		return nil, err
	}
	return &engine.State{Exists: info != nil, Attributes: map[string]any{"creates": spec.creates}}, nil
}

// Diff diverges unless the creates path exists.
func (p *CommandProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	switch req.Action {
	case "nothing":
		return nil, nil
	case "run":
	default:
		return nil, unsupportedAction(req.Action)
	}

	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	if spec.creates != "" && state.Exists {
		return nil, nil
	}
	return changeSet([]engine.Change{{Path: "command", After: summarize(spec.cmd)}}, "", spec), nil
}

// Apply runs the command and checks its exit code.
func (p *CommandProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	spec, ok := cs.Payload.(commandSpec)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}

	res, err := p.deps.Runner.Run(ctx, spec.cmd)
	if err != nil {
		return nil, engine.NewPermanentError("failed to run command", err)
	}
	if !slices.Contains(spec.returns, res.ExitCode) {
		return nil, engine.NewPermanentError("command failed", res.Err(system.Command{Name: summarize(spec.cmd)}))
	}
	return &engine.ApplyResult{Message: lastLine(res.Stdout)}, nil
}

// summarize renders the first line of the command for reports.
func summarize(cmd system.Command) string {
	line := cmd.Args[len(cmd.Args)-1]
	first, _, multi := strings.Cut(strings.TrimSpace(line), "\n")
	if multi {
		first += " ..."
	}
	if cmd.User != "" {
		first += " (as " + cmd.User + ")"
	}
	return first
}
