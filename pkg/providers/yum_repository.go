package providers

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

const yumReposDir = "/etc/yum.repos.d"

// yumRepoKeys maps declared attributes to .repo keys, in file order.
var yumRepoKeys = []struct{ attr, key string }{
	{"description", "name"},
	{"baseurl", "baseurl"},
	{"mirrorlist", "mirrorlist"},
	{"metalink", "metalink"},
	{"gpgkey", "gpgkey"},
	{"gpgcheck", "gpgcheck"},
	{"enabled", "enabled"},
	{"fastestmirror_enabled", "fastestmirror_enabled"},
	{"priority", "priority"},
	{"exclude", "exclude"},
}

// YumRepositoryProvider manages a repository definition under /etc/yum.repos.d.
type YumRepositoryProvider struct {
	deps Deps
}

// NewYumRepositoryProvider creates a yum_repository provider.
func NewYumRepositoryProvider(deps Deps) *YumRepositoryProvider {
	return &YumRepositoryProvider{deps: deps.withDefaults()}
}

// Metadata describes the yum_repository resource type.
func (p *YumRepositoryProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "yum_repository",
		Description:   "Yum/dnf repository definition",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

type yumRepoPlan struct {
	file      *filePlan
	repo      string
	makeCache bool
}

// Validate requires a baseurl, mirrorlist or metalink.
func (p *YumRepositoryProvider) Validate(req *engine.Request) error {
	a := attrs(req.Attributes)
	if req.Action != "delete" && !a.has("baseurl") && !a.has("mirrorlist") && !a.has("metalink") {
		return fmt.Errorf("one of baseurl, mirrorlist or metalink is required")
	}
	_, err := p.desired(req)
	return err
}

func (p *YumRepositoryProvider) repoName(req *engine.Request) string {
	return attrs(req.Attributes).strOr("repositoryid", req.Identity.Name)
}

func (p *YumRepositoryProvider) desired(req *engine.Request) (managedFile, error) {
	a := attrs(req.Attributes)
	name := p.repoName(req)
	mf := managedFile{
		Path:    fmt.Sprintf("%s/%s.repo", yumReposDir, name),
		Mode:    0o644,
		HasMode: true,
		Owner:   "root",
		Group:   "root",
	}
	content, err := renderRepoFile(name, a)
	if err != nil {
		return mf, err
	}
	mf.Content, mf.HasContent = content, true
	return mf, nil
}

// renderRepoFile writes a single-section .repo file.
func renderRepoFile(name string, a attrs) ([]byte, error) {
	cfg := ini.Empty()
	sec, err := cfg.NewSection(name)
	if err != nil {
		return nil, err
	}
	for _, k := range yumRepoKeys {
		if !a.has(k.attr) {
			continue
		}
		value, err := repoValue(a, k.attr)
		if err != nil {
			return nil, err
		}
		if _, err := sec.NewKey(k.key, value); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", k.attr, err)
		}
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func repoValue(a attrs, key string) (string, error) {
	switch v := a[key].(type) {
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case string:
		return v, nil
	case []any, []string:
		return strings.Join(a.list(key), " "), nil
	}
	n, _, err := a.integer(key)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// Observe reads the .repo file.
func (p *YumRepositoryProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	return observeFile(p.deps.FS, fmt.Sprintf("%s/%s.repo", yumReposDir, p.repoName(req)))
}

// Diff compares the rendered definition with the file on disk.
func (p *YumRepositoryProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	mf, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	makeCache, err := attrs(req.Attributes).boolean("make_cache", true)
	if err != nil {
		return nil, err
	}

	var cs *engine.ChangeSet
	switch req.Action {
	case "create":
		cs, err = diffFile(p.deps.Accounts, mf, state)
	case "delete":
		cs, err = diffFileAbsent(mf.Path, state)
		makeCache = false
	default:
		return nil, unsupportedAction(req.Action)
	}
	if err != nil || cs == nil {
		return nil, err
	}
	cs.Payload = &yumRepoPlan{file: cs.Payload.(*filePlan), repo: p.repoName(req), makeCache: makeCache}
	return cs, nil
}

// Apply writes the definition and refreshes the repository metadata cache.
func (p *YumRepositoryProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*yumRepoPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if err := applyFile(ctx, p.deps, plan.file); err != nil {
		return nil, err
	}
	if !plan.makeCache || !plan.file.write {
		return &engine.ApplyResult{}, nil
	}

	cmd := system.Command{
		Name: "yum",
		Args: []string{"-q", "makecache", "-y", "--disablerepo=*", "--enablerepo=" + plan.repo},
	}
	if _, err := run(ctx, p.deps.Runner, cmd); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{Message: "metadata cache refreshed"}, nil
}
