package providers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/keelops/keel/pkg/engine"
)

// LinkProvider manages symbolic links. An existing regular file at the link
// path is replaced; a directory is an error.
type LinkProvider struct {
	deps Deps
}

// NewLinkProvider creates a link provider.
func NewLinkProvider(deps Deps) *LinkProvider {
	return &LinkProvider{deps: deps.withDefaults()}
}

// Metadata describes the link resource type.
func (p *LinkProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "link",
		Description:   "Symbolic link",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

type linkPlan struct {
	path    string
	to      string
	replace bool
	remove  bool
}

func (p *LinkProvider) path(req *engine.Request) string {
	return attrs(req.Attributes).strOr("path", req.Identity.Name)
}

// Validate requires an absolute link path and a target for create.
func (p *LinkProvider) Validate(req *engine.Request) error {
	if err := validatePath(p.path(req)); err != nil {
		return err
	}
	if req.Action == "create" && attrs(req.Attributes).str("to") == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}

// Observe reads the link target.
func (p *LinkProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	return observeFile(p.deps.FS, p.path(req))
}

// Diff compares the link target.
func (p *LinkProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	path := p.path(req)
	kind := stateType(state)
	if kind == "directory" {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	switch req.Action {
	case "create":
		to := attrs(req.Attributes).str("to")
		if kind == "link" {
			have, _ := state.Attributes["target"].(string)
			if filepath.Clean(have) == filepath.Clean(to) {
				return nil, nil
			}
			return changeSet([]engine.Change{{Path: "to", Before: have, After: to}}, "",
				&linkPlan{path: path, to: to, replace: true}), nil
		}
		before := any(nil)
		if kind == "file" {
			before = "(regular file)"
		}
		return changeSet([]engine.Change{{Path: "to", Before: before, After: to}}, "",
			&linkPlan{path: path, to: to, replace: kind == "file"}), nil

	case "delete":
		if kind != "link" {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "exists", Before: true, After: false}}, "",
			&linkPlan{path: path, remove: true}), nil

	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply creates, replaces or removes the link.
func (p *LinkProvider) Apply(_ context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*linkPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}

	if plan.remove || plan.replace {
		if err := p.deps.FS.Remove(plan.path); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", plan.path, err)
		}
	}
	if plan.remove {
		return &engine.ApplyResult{}, nil
	}

	if err := p.deps.FS.MkdirAll(filepath.Dir(plan.path), 0o755); err != nil {
		return nil, err
	}
	if err := p.deps.FS.Symlink(plan.to, plan.path); err != nil {
		return nil, fmt.Errorf("failed to link %s: %w", plan.path, err)
	}
	return &engine.ApplyResult{}, nil
}
