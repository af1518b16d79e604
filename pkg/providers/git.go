package providers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

var commitSHA = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GitProvider keeps a working copy at a revision. checkout only clones when
// the destination is missing; sync also moves an existing clone to the
// current remote revision.
type GitProvider struct {
	deps Deps
}

// NewGitProvider creates a git provider.
func NewGitProvider(deps Deps) *GitProvider {
	return &GitProvider{deps: deps.withDefaults()}
}

// Metadata describes the git resource type.
func (p *GitProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "git",
		Description:   "Git working copy",
		Actions:       []string{"sync", "checkout"},
		DefaultAction: "sync",
	}
}

type gitSpec struct {
	destination string
	repository  string
	revision    string
	user        string
	group       string
}

type gitPlan struct {
	spec   gitSpec
	clone  bool
	target string
}

func (p *GitProvider) desired(req *engine.Request) gitSpec {
	a := attrs(req.Attributes)
	return gitSpec{
		destination: a.strOr("destination", req.Identity.Name),
		repository:  a.str("repository"),
		revision:    a.strOr("revision", "HEAD"),
		user:        a.str("user"),
		group:       a.str("group"),
	}
}

// Validate requires a repository and an absolute destination.
func (p *GitProvider) Validate(req *engine.Request) error {
	spec := p.desired(req)
	if spec.repository == "" {
		return fmt.Errorf("repository is required")
	}
	return validatePath(spec.destination)
}

// Observe reads the checked out commit and resolves the remote revision.
func (p *GitProvider) Observe(ctx context.Context, req *engine.Request) (*engine.State, error) {
	spec := p.desired(req)

	info, err := p.deps.FS.Lstat(spec.destination + "/.git")
	if err != nil {
		return nil, err
	}
	state := &engine.State{Exists: info != nil, Attributes: map[string]any{}}

	if state.Exists {
		res, err := p.git(ctx, spec, "-C", p.deps.FS.Resolve(spec.destination), "rev-parse", "HEAD")
		if err != nil {
			return nil, err
		}
		state.Attributes["head"] = strings.TrimSpace(res.Stdout)
	}

	if req.Action == "sync" || !state.Exists {
		remote, err := p.remoteRevision(ctx, spec)
		if err != nil {
			return nil, err
		}
		state.Attributes["remote"] = remote
	}
	return state, nil
}

func (p *GitProvider) remoteRevision(ctx context.Context, spec gitSpec) (string, error) {
	if commitSHA.MatchString(spec.revision) {
		return spec.revision, nil
	}
	res, err := p.git(ctx, spec, "ls-remote", spec.repository, spec.revision)
	if err != nil {
		return "", err
	}
	sha, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\t")
	if !commitSHA.MatchString(sha) {
		return "", fmt.Errorf("revision %s not found in %s", spec.revision, spec.repository)
	}
	return sha, nil
}

// Diff clones a missing destination or moves the clone to the remote commit.
func (p *GitProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec := p.desired(req)
	remote, _ := state.Attributes["remote"].(string)
	head, _ := state.Attributes["head"].(string)

	switch req.Action {
	case "sync", "checkout":
	default:
		return nil, unsupportedAction(req.Action)
	}

	if !state.Exists {
		return changeSet([]engine.Change{{Path: "revision", Before: nil, After: remote}}, "",
			&gitPlan{spec: spec, clone: true, target: remote}), nil
	}
	if req.Action == "checkout" || head == remote {
		return nil, nil
	}
	return changeSet([]engine.Change{{Path: "revision", Before: head, After: remote}}, "",
		&gitPlan{spec: spec, target: remote}), nil
}

// Apply clones or fetches and resets to the target commit.
func (p *GitProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*gitPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	dest := p.deps.FS.Resolve(plan.spec.destination)

	steps := [][]string{
		{"-C", dest, "fetch", "-q", "origin", plan.spec.revision},
		{"-C", dest, "reset", "-q", "--hard", plan.target},
	}
	if plan.clone {
		steps = [][]string{
			{"clone", "-q", plan.spec.repository, dest},
			{"-C", dest, "checkout", "-q", plan.target},
		}
	}

	for _, args := range steps {
		if _, err := p.git(ctx, plan.spec, args...); err != nil {
			return nil, err
		}
	}

	if plan.clone && plan.spec.group != "" && plan.spec.user != "" {
		owner := plan.spec.user + ":" + plan.spec.group
		if _, err := run(ctx, p.deps.Runner, system.Command{Name: "chown", Args: []string{"-R", owner, dest}}); err != nil {
			return nil, err
		}
	}
	return &engine.ApplyResult{Message: "at " + plan.target[:min(12, len(plan.target))]}, nil
}

func (p *GitProvider) git(ctx context.Context, spec gitSpec, args ...string) (*system.CommandResult, error) {
	cmd := system.Command{Name: "git", Args: args, User: spec.user}
	res, err := p.deps.Runner.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewPermanentError("failed to run git", err)
	}
	if !res.Success() {
		// Network failures talking to the remote are worth a retry.
		if strings.Contains(res.Stderr, "Could not resolve host") || strings.Contains(res.Stderr, "Connection timed out") {
			return nil, engine.NewTransientError("git remote unreachable", res.Err(cmd))
		}
		return nil, engine.NewPermanentError("git failed", res.Err(cmd))
	}
	return res, nil
}
