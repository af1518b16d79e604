package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelops/keel/pkg/engine"
)

const sudoersDir = "/etc/sudoers.d"

// SudoersProvider manages drop-in files under /etc/sudoers.d. New content is
// checked with visudo before it replaces the file.
type SudoersProvider struct {
	deps Deps
}

// NewSudoersProvider creates a sudoers provider.
func NewSudoersProvider(deps Deps) *SudoersProvider {
	return &SudoersProvider{deps: deps.withDefaults()}
}

// Metadata describes the sudoers resource type.
func (p *SudoersProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "sudoers",
		Description:   "sudoers.d drop-in file",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

// Validate checks the file name and that a rule can be rendered.
func (p *SudoersProvider) Validate(req *engine.Request) error {
	_, err := p.desired(req)
	return err
}

func (p *SudoersProvider) desired(req *engine.Request) (managedFile, error) {
	name := req.Identity.Name
	// sudo skips drop-ins whose names contain a dot or end in a tilde.
	if name == "" || strings.ContainsAny(name, "./") || strings.HasSuffix(name, "~") {
		return managedFile{}, fmt.Errorf("invalid sudoers file name %q", name)
	}
	mf := managedFile{
		Path:    sudoersDir + "/" + name,
		Mode:    0o440,
		HasMode: true,
		Owner:   "root",
		Group:   "root",
		Verify:  "visudo -cf -",
	}
	if req.Action == "delete" {
		return mf, nil
	}

	content, err := renderSudoers(attrs(req.Attributes))
	if err != nil {
		return mf, err
	}
	mf.Content, mf.HasContent = []byte(content), true
	return mf, nil
}

// renderSudoers returns the raw content attribute or builds one rule per
// user and group.
func renderSudoers(a attrs) (string, error) {
	if a.has("content") {
		content := a.str("content")
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content, nil
	}

	principals := a.list("users")
	for _, g := range a.list("groups") {
		principals = append(principals, "%"+strings.TrimPrefix(g, "%"))
	}
	if len(principals) == 0 {
		return "", fmt.Errorf("one of content, users or groups is required")
	}

	nopasswd, err := a.boolean("nopasswd", false)
	if err != nil {
		return "", err
	}
	commands := a.list("commands")
	if len(commands) == 0 {
		commands = []string{"ALL"}
	}
	host := a.strOr("host", "ALL")
	runas := a.strOr("runas", "ALL")

	var b strings.Builder
	b.WriteString("# Managed by keel\n")
	for _, d := range a.list("defaults") {
		fmt.Fprintf(&b, "Defaults %s\n", d)
	}
	tag := ""
	if nopasswd {
		tag = "NOPASSWD: "
	}
	for _, who := range principals {
		fmt.Fprintf(&b, "%s %s=(%s) %s%s\n", who, host, runas, tag, strings.Join(commands, ", "))
	}
	return b.String(), nil
}

// Observe reads the drop-in.
func (p *SudoersProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	mf, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	return observeFile(p.deps.FS, mf.Path)
}

// Diff compares the rendered rules with the drop-in on disk.
func (p *SudoersProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	mf, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	switch req.Action {
	case "create":
		return diffFile(p.deps.Accounts, mf, state)
	case "delete":
		return diffFileAbsent(mf.Path, state)
	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply verifies and writes, or removes, the drop-in.
func (p *SudoersProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*filePlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if err := applyFile(ctx, p.deps, plan); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{}, nil
}
