package providers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

const defaultFileMode os.FileMode = 0o644

// managedFile is the desired state of a regular file. It backs file,
// template, yum_repository, authorized_keys and sudoers.
type managedFile struct {
	Path       string
	Content    []byte
	HasContent bool
	Mode       os.FileMode
	HasMode    bool
	Owner      string
	Group      string

	// Sensitive hides content from diffs and change values.
	Sensitive bool

	// Verify is a shell command that receives the new content on stdin and
	// must exit 0 before the file is replaced.
	Verify string
}

// filePlan is the payload handed from diff to apply.
type filePlan struct {
	file    managedFile
	write   bool
	chmod   bool
	chown   bool
	remove  bool
	touch   bool
	perm    os.FileMode
	uid     int
	gid     int
	created bool
}

func fileFromAttrs(path string, a attrs) (managedFile, error) {
	mf := managedFile{
		Path:   path,
		Owner:  a.str("owner"),
		Group:  a.str("group"),
		Verify: a.str("verify"),
	}
	mode, ok, err := a.mode("mode")
	if err != nil {
		return mf, err
	}
	mf.Mode, mf.HasMode = mode, ok
	if mf.Sensitive, err = a.boolean("sensitive", false); err != nil {
		return mf, err
	}
	return mf, nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q must be absolute", path)
	}
	return nil
}

// observeFile reads a path. Regular files include their content.
func observeFile(fs system.FileSystem, path string) (*engine.State, error) {
	info, err := fs.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info == nil {
		return &engine.State{Exists: false}, nil
	}

	state := &engine.State{
		Exists: true,
		Attributes: map[string]any{
			"mode": formatMode(info.Mode),
			"uid":  info.UID,
			"gid":  info.GID,
		},
	}

	switch {
	case info.IsDir:
		state.Attributes["type"] = "directory"
	case info.IsSymlink:
		state.Attributes["type"] = "link"
		target, err := fs.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read link %s: %w", path, err)
		}
		state.Attributes["target"] = target
	default:
		state.Attributes["type"] = "file"
		data, err := fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		state.Attributes["content"] = string(data)
	}
	return state, nil
}

func stateType(state *engine.State) string {
	if state == nil || !state.Exists {
		return ""
	}
	t, _ := state.Attributes["type"].(string)
	return t
}

func stateInt(state *engine.State, key string) int {
	if state == nil {
		return -1
	}
	if v, ok := state.Attributes[key].(int); ok {
		return v
	}
	return -1
}

// diffFile compares the desired file with the observed state.
func diffFile(accounts *system.Accounts, mf managedFile, state *engine.State) (*engine.ChangeSet, error) {
	if stateType(state) == "directory" {
		return nil, fmt.Errorf("%s is a directory", mf.Path)
	}

	exists := stateType(state) == "file"
	plan := &filePlan{file: mf, uid: -1, gid: -1, created: !exists}
	var changes []engine.Change
	var diff string

	have := ""
	if exists {
		have, _ = state.Attributes["content"].(string)
	}

	if !exists {
		plan.write = true
		changes = append(changes, engine.Change{Path: "exists", Before: false, After: true})
	}
	if mf.HasContent && (!exists || have != string(mf.Content)) {
		plan.write = true
		if mf.Sensitive {
			changes = append(changes, engine.Change{Path: "content", Before: "(sensitive)", After: "(sensitive)"})
		} else {
			changes = append(changes, engine.Change{Path: "content", Before: checksum([]byte(have), exists), After: checksum(mf.Content, true)})
			diff = unifiedDiff(mf.Path, []byte(have), mf.Content)
		}
	}
	if !mf.HasContent && exists {
		mf.Content = []byte(have)
		plan.file.Content = mf.Content
	}

	plan.perm = defaultFileMode
	if exists {
		if m, ok := state.Attributes["mode"].(string); ok {
			plan.perm = parseModeString(m)
		}
	}
	if mf.HasMode {
		if exists && plan.perm != mf.Mode {
			plan.chmod = true
			changes = append(changes, engine.Change{Path: "mode", Before: formatMode(plan.perm), After: formatMode(mf.Mode)})
		} else if !exists {
			changes = append(changes, engine.Change{Path: "mode", Before: nil, After: formatMode(mf.Mode)})
		}
		plan.perm = mf.Mode
	}

	ownerChanges, err := diffOwner(accounts, mf.Owner, mf.Group, state, plan)
	if err != nil {
		return nil, err
	}
	changes = append(changes, ownerChanges...)

	return changeSet(changes, diff, plan), nil
}

// diffOwner resolves owner and group and records ownership changes on plan.
func diffOwner(accounts *system.Accounts, owner, group string, state *engine.State, plan *filePlan) ([]engine.Change, error) {
	if owner == "" && group == "" {
		return nil, nil
	}
	uid, gid, err := accounts.ResolveOwner(owner, group)
	if err != nil {
		return nil, err
	}
	plan.uid, plan.gid = uid, gid

	var changes []engine.Change
	haveUID, haveGID := stateInt(state, "uid"), stateInt(state, "gid")
	if owner != "" && (!state.Exists || haveUID != uid) {
		plan.chown = true
		changes = append(changes, engine.Change{Path: "owner", Before: ownerBefore(state, haveUID), After: owner})
	}
	if group != "" && (!state.Exists || haveGID != gid) {
		plan.chown = true
		changes = append(changes, engine.Change{Path: "group", Before: ownerBefore(state, haveGID), After: group})
	}
	return changes, nil
}

func ownerBefore(state *engine.State, id int) any {
	if !state.Exists {
		return nil
	}
	return id
}

// diffFileAbsent removes a regular file or link.
func diffFileAbsent(path string, state *engine.State) (*engine.ChangeSet, error) {
	switch stateType(state) {
	case "":
		return nil, nil
	case "directory":
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return changeSet([]engine.Change{{Path: "exists", Before: true, After: false}}, "",
		&filePlan{file: managedFile{Path: path}, remove: true}), nil
}

// applyFile performs a filePlan.
func applyFile(ctx context.Context, deps Deps, plan *filePlan) error {
	path := plan.file.Path

	if plan.remove {
		if err := deps.FS.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}

	if plan.write {
		if plan.file.Verify != "" {
			if err := verifyContent(ctx, deps.Runner, plan.file); err != nil {
				return err
			}
		}
		if err := deps.FS.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", path, err)
		}
		if err := deps.FS.WriteFile(path, plan.file.Content, plan.perm); err != nil {
			return err
		}
	} else if plan.chmod {
		if err := deps.FS.Chmod(path, plan.perm); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", path, err)
		}
	}

	if plan.chown {
		if err := deps.FS.Chown(path, plan.uid, plan.gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}

	if plan.touch {
		now := time.Now()
		if err := deps.FS.Chtimes(path, now, now); err != nil {
			return fmt.Errorf("failed to touch %s: %w", path, err)
		}
	}
	return nil
}

func verifyContent(ctx context.Context, runner system.CommandRunner, mf managedFile) error {
	cmd := system.Command{Name: "sh", Args: []string{"-c", mf.Verify}, Stdin: mf.Content}
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", mf.Path, err)
	}
	if !res.Success() {
		return engine.NewPermanentError(fmt.Sprintf("verification of %s failed", mf.Path), res.Err(cmd)).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func checksum(data []byte, exists bool) string {
	if !exists {
		return "(absent)"
	}
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))[:19]
}

func unifiedDiff(path string, before, after []byte) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path + " (current)",
		ToFile:   path + " (desired)",
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return strings.TrimRight(out, "\n")
}

func parseModeString(s string) os.FileMode {
	m, _, err := attrs{"mode": s}.mode("mode")
	if err != nil {
		return defaultFileMode
	}
	return m
}
