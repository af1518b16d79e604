package providers

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/keelops/keel/pkg/engine"
)

// AuthorizedKeysProvider manages public keys in a user's authorized_keys file.
// Keys are compared by SHA256 fingerprint, so options and comments on
// existing lines are left alone.
type AuthorizedKeysProvider struct {
	deps Deps
}

// NewAuthorizedKeysProvider creates an authorized_keys provider.
func NewAuthorizedKeysProvider(deps Deps) *AuthorizedKeysProvider {
	return &AuthorizedKeysProvider{deps: deps.withDefaults()}
}

// Metadata describes the authorized_keys resource type.
func (p *AuthorizedKeysProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "authorized_keys",
		Description:   "SSH public keys authorized for a user",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

type authorizedKey struct {
	line        string
	fingerprint string
}

type keysSpec struct {
	user      string
	path      string
	keys      []authorizedKey
	exclusive bool
}

type keysPlan struct {
	file      *filePlan
	dir       string
	createDir bool
	uid, gid  int
}

// Validate parses every declared key.
func (p *AuthorizedKeysProvider) Validate(req *engine.Request) error {
	_, err := p.desired(req)
	return err
}

func (p *AuthorizedKeysProvider) desired(req *engine.Request) (keysSpec, error) {
	a := attrs(req.Attributes)
	spec := keysSpec{
		user: a.strOr("user", req.Identity.Name),
		path: a.str("path"),
	}
	var err error
	if spec.exclusive, err = a.boolean("exclusive", false); err != nil {
		return spec, err
	}
	if spec.path != "" {
		if err := validatePath(spec.path); err != nil {
			return spec, err
		}
	}

	for _, line := range a.list("keys") {
		key, err := parseAuthorizedKey(line)
		if err != nil {
			return spec, err
		}
		spec.keys = append(spec.keys, key)
	}
	if len(spec.keys) == 0 && !spec.exclusive {
		return spec, fmt.Errorf("keys is required")
	}
	return spec, nil
}

func parseAuthorizedKey(line string) (authorizedKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return authorizedKey{}, fmt.Errorf("invalid public key %q: %w", truncate(line, 40), err)
	}
	return authorizedKey{line: strings.TrimSpace(line), fingerprint: ssh.FingerprintSHA256(pub)}, nil
}

// resolve fills in the default path from the user's home directory.
func (p *AuthorizedKeysProvider) resolve(spec keysSpec) (keysSpec, int, int, error) {
	u, err := p.deps.Accounts.LookupUser(spec.user)
	if err != nil {
		return spec, -1, -1, err
	}
	if u == nil {
		return spec, -1, -1, fmt.Errorf("user %s does not exist", spec.user)
	}
	if spec.path == "" {
		spec.path = filepath.Join(u.Home, ".ssh", "authorized_keys")
	}
	return spec, u.UID, u.GID, nil
}

// Observe reads the key file.
func (p *AuthorizedKeysProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	spec, _, _, err = p.resolve(spec)
	if err != nil {
		return nil, err
	}
	return observeFile(p.deps.FS, spec.path)
}

// Diff computes the key file content that keeps unmanaged lines and
// adds or removes the declared keys.
func (p *AuthorizedKeysProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	spec, uid, gid, err := p.resolve(spec)
	if err != nil {
		return nil, err
	}

	have := ""
	if stateType(state) == "file" {
		have, _ = state.Attributes["content"].(string)
	}

	var lines []string
	switch req.Action {
	case "create":
		lines = mergeKeys(have, spec.keys, spec.exclusive)
	case "delete":
		if !state.Exists {
			return nil, nil
		}
		lines = dropKeys(have, spec.keys)
	default:
		return nil, unsupportedAction(req.Action)
	}

	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if state.Exists && content == have && req.Action == "delete" {
		return nil, nil
	}

	mf := managedFile{
		Path:       spec.path,
		Content:    []byte(content),
		HasContent: true,
		Mode:       0o600,
		HasMode:    true,
		Owner:      spec.user,
		Group:      strconv.Itoa(gid),
	}
	cs, err := diffFile(p.deps.Accounts, mf, state)
	if err != nil || cs == nil {
		return nil, err
	}

	dir := filepath.Dir(spec.path)
	info, err := p.deps.FS.Lstat(dir)
	if err != nil {
		return nil, err
	}
	cs.Payload = &keysPlan{file: cs.Payload.(*filePlan), dir: dir, createDir: info == nil, uid: uid, gid: gid}
	return cs, nil
}

// mergeKeys returns the existing lines plus any missing keys. With
// exclusive set, lines holding keys that are not declared are dropped.
func mergeKeys(have string, keys []authorizedKey, exclusive bool) []string {
	declared := make(map[string]bool, len(keys))
	for _, k := range keys {
		declared[k.fingerprint] = true
	}

	present := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(have, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fp := lineFingerprint(line)
		if exclusive && (fp == "" || !declared[fp]) {
			continue
		}
		if fp != "" {
			if present[fp] {
				continue
			}
			present[fp] = true
		}
		out = append(out, line)
	}
	for _, k := range keys {
		if !present[k.fingerprint] {
			present[k.fingerprint] = true
			out = append(out, k.line)
		}
	}
	return out
}

func dropKeys(have string, keys []authorizedKey) []string {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k.fingerprint] = true
	}
	var out []string
	for _, line := range strings.Split(have, "\n") {
		if strings.TrimSpace(line) == "" || drop[lineFingerprint(line)] {
			continue
		}
		out = append(out, line)
	}
	return out
}

// lineFingerprint returns "" for comments and unparsable lines.
func lineFingerprint(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(pub)
}

// Apply creates the .ssh directory when missing and writes the key file.
func (p *AuthorizedKeysProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*keysPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if plan.createDir {
		if err := p.deps.FS.MkdirAll(plan.dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", plan.dir, err)
		}
		if err := p.deps.FS.Chown(plan.dir, plan.uid, plan.gid); err != nil {
			return nil, fmt.Errorf("failed to chown %s: %w", plan.dir, err)
		}
	}
	if err := applyFile(ctx, p.deps, plan.file); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
