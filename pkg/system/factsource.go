package system

import (
	"context"
	"fmt"
	"sort"

	"github.com/keelops/keel/pkg/engine"
)

// Facts answers guard predicates against the host.
type Facts struct {
	fs     FileSystem
	runner CommandRunner
	attrs  map[string]string
}

// NewFacts creates a fact source. attrs holds dotted attribute paths, usually
// HostFacts.Flatten merged with node attributes from the declaration source.
func NewFacts(fs FileSystem, runner CommandRunner, attrs map[string]string) *Facts {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return &Facts{fs: fs, runner: runner, attrs: copied}
}

// FileExists reports whether path exists. Dangling symlinks count as existing.
func (f *Facts) FileExists(_ context.Context, path string) (bool, error) {
	info, err := f.fs.Lstat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info != nil, nil
}

// CommandSucceeds runs the command and reports whether it exited with 0.
func (f *Facts) CommandSucceeds(ctx context.Context, name string, args []string) (bool, error) {
	res, err := f.runner.Run(ctx, Command{Name: name, Args: args})
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// Attribute resolves a dotted attribute path.
func (f *Facts) Attribute(_ context.Context, path string) (string, bool, error) {
	v, ok := f.attrs[path]
	return v, ok, nil
}

// Attributes returns the known attribute paths, sorted.
func (f *Facts) Attributes() []string {
	keys := make([]string, 0, len(f.attrs))
	for k := range f.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ensure Facts implements engine.FactSource.
var _ engine.FactSource = (*Facts)(nil)
