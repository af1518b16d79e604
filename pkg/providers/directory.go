package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keelops/keel/pkg/engine"
)

const defaultDirMode os.FileMode = 0o755

// DirectoryProvider manages directories.
type DirectoryProvider struct {
	deps Deps
}

// NewDirectoryProvider creates a directory provider.
func NewDirectoryProvider(deps Deps) *DirectoryProvider {
	return &DirectoryProvider{deps: deps.withDefaults()}
}

// Metadata describes the directory resource type.
func (p *DirectoryProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "directory",
		Description:   "Directory with mode and ownership, optionally created with parents",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

type dirSpec struct {
	path      string
	mode      os.FileMode
	hasMode   bool
	owner     string
	group     string
	recursive bool
}

type dirPlan struct {
	filePlan
	spec   dirSpec
	create bool
}

func (p *DirectoryProvider) desired(req *engine.Request) (dirSpec, error) {
	a := attrs(req.Attributes)
	spec := dirSpec{
		path:  a.strOr("path", req.Identity.Name),
		owner: a.str("owner"),
		group: a.str("group"),
	}
	if err := validatePath(spec.path); err != nil {
		return spec, err
	}
	var err error
	if spec.mode, spec.hasMode, err = a.mode("mode"); err != nil {
		return spec, err
	}
	if spec.recursive, err = a.boolean("recursive", false); err != nil {
		return spec, err
	}
	return spec, nil
}

// Validate checks the declared attributes.
func (p *DirectoryProvider) Validate(req *engine.Request) error {
	_, err := p.desired(req)
	return err
}

// Observe stats the directory.
func (p *DirectoryProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	return observeFile(p.deps.FS, spec.path)
}

// Diff compares existence, mode and ownership.
func (p *DirectoryProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	kind := stateType(state)
	if kind != "" && kind != "directory" {
		return nil, fmt.Errorf("%s exists and is not a directory", spec.path)
	}

	switch req.Action {
	case "create":
		plan := &dirPlan{spec: spec, filePlan: filePlan{file: managedFile{Path: spec.path}, uid: -1, gid: -1}}
		var changes []engine.Change

		if kind == "" {
			plan.create = true
			changes = append(changes, engine.Change{Path: "exists", Before: false, After: true})
		}

		plan.perm = defaultDirMode
		if kind != "" {
			if m, ok := state.Attributes["mode"].(string); ok {
				plan.perm = parseModeString(m)
			}
		}
		if spec.hasMode {
			if kind != "" && plan.perm != spec.mode {
				plan.chmod = true
				changes = append(changes, engine.Change{Path: "mode", Before: formatMode(plan.perm), After: formatMode(spec.mode)})
			} else if kind == "" {
				plan.chmod = true
				changes = append(changes, engine.Change{Path: "mode", Before: nil, After: formatMode(spec.mode)})
			}
			plan.perm = spec.mode
		}

		ownerChanges, err := diffOwner(p.deps.Accounts, spec.owner, spec.group, state, &plan.filePlan)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ownerChanges...)
		return changeSet(changes, "", plan), nil

	case "delete":
		if kind == "" {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "exists", Before: true, After: false}}, "",
			&dirPlan{spec: spec, filePlan: filePlan{remove: true}}), nil

	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply creates or removes the directory.
func (p *DirectoryProvider) Apply(_ context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*dirPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	fs, path := p.deps.FS, plan.spec.path

	if plan.remove {
		remove := fs.Remove
		if plan.spec.recursive {
			remove = fs.RemoveAll
		}
		if err := remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return &engine.ApplyResult{}, nil
	}

	if plan.create {
		if !plan.spec.recursive {
			parent, err := fs.Lstat(filepath.Dir(path))
			if err != nil {
				return nil, err
			}
			if parent == nil {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("parent of %s does not exist, set recursive to create it", path), nil)
			}
		}
		if err := fs.MkdirAll(path, plan.perm); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	if plan.chmod {
		if err := fs.Chmod(path, plan.perm); err != nil {
			return nil, fmt.Errorf("failed to chmod %s: %w", path, err)
		}
	}
	if plan.chown {
		if err := fs.Chown(path, plan.uid, plan.gid); err != nil {
			return nil, fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}
	return &engine.ApplyResult{}, nil
}
