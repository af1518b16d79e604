package providers

import (
	"context"
	"fmt"

	"github.com/keelops/keel/pkg/engine"
)

// FileProvider manages regular files with inline content.
type FileProvider struct {
	deps Deps
}

// NewFileProvider creates a file provider.
func NewFileProvider(deps Deps) *FileProvider {
	return &FileProvider{deps: deps.withDefaults()}
}

// Metadata describes the file resource type.
func (p *FileProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "file",
		Description:   "Regular file with optional inline content, mode and ownership",
		Actions:       []string{"create", "delete", "touch"},
		DefaultAction: "create",
	}
}

// Validate checks the declared path and attributes.
func (p *FileProvider) Validate(req *engine.Request) error {
	_, err := p.desired(req)
	return err
}

func (p *FileProvider) desired(req *engine.Request) (managedFile, error) {
	a := attrs(req.Attributes)
	path := a.strOr("path", req.Identity.Name)
	if err := validatePath(path); err != nil {
		return managedFile{}, err
	}
	mf, err := fileFromAttrs(path, a)
	if err != nil {
		return mf, err
	}
	if a.has("content") {
		mf.Content = []byte(a.str("content"))
		mf.HasContent = true
	}
	return mf, nil
}

// Observe reads the file.
func (p *FileProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	mf, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	return observeFile(p.deps.FS, mf.Path)
}

// Diff compares content, mode and ownership.
func (p *FileProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	mf, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case "create":
		return diffFile(p.deps.Accounts, mf, state)
	case "delete":
		return diffFileAbsent(mf.Path, state)
	case "touch":
		cs, err := diffFile(p.deps.Accounts, mf, state)
		if err != nil {
			return nil, err
		}
		if cs == nil {
			cs = &engine.ChangeSet{Payload: &filePlan{file: mf, uid: -1, gid: -1}}
		}
		cs.Payload.(*filePlan).touch = true
		cs.Changes = append(cs.Changes, engine.Change{Path: "mtime", After: "now"})
		return cs, nil
	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply writes, removes or touches the file.
func (p *FileProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*filePlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if err := applyFile(ctx, p.deps, plan); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{}, nil
}
