package providers_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/providers"
	"github.com/keelops/keel/pkg/system/systemtest"
)

func TestDirectoryProvider_Create(t *testing.T) {
	f := newFixture(t)
	p := providers.NewDirectoryProvider(f.deps)

	req := request("directory", "/home/deploy/.ssh", "create", map[string]any{
		"mode":      "0700",
		"owner":     systemtest.DeployUser,
		"group":     systemtest.DeployUser,
		"recursive": true,
	})

	cs := converge(t, p, req)
	require.NotNil(t, cs)
	assert.Equal(t, []string{"exists", "mode", "owner", "group"}, changePaths(cs))
	assert.DirExists(t, f.path("/home/deploy/.ssh"))
	assert.Equal(t, os.FileMode(0o700), f.perm(t, "/home/deploy/.ssh"))
	assert.Nil(t, plan(t, p, req))
}

func TestDirectoryProvider_MissingParent(t *testing.T) {
	f := newFixture(t)
	p := providers.NewDirectoryProvider(f.deps)

	cs := plan(t, p, request("directory", "/opt/app/releases", "create", nil))
	require.NotNil(t, cs)

	_, err := p.Apply(context.Background(), cs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set recursive to create it")
	assert.False(t, engine.IsRetryable(err))
}

func TestDirectoryProvider_ModeDrift(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.path("/srv/www"), 0o755))
	p := providers.NewDirectoryProvider(f.deps)

	cs := converge(t, p, request("directory", "/srv/www", "create", map[string]any{"mode": "0750"}))
	require.NotNil(t, cs)
	assert.Equal(t, engine.Change{Path: "mode", Before: "0755", After: "0750"}, cs.Changes[0])
	assert.Equal(t, os.FileMode(0o750), f.perm(t, "/srv/www"))
}

func TestDirectoryProvider_Delete(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/srv/cache/a/b", "x")
	p := providers.NewDirectoryProvider(f.deps)

	// Non-recursive delete of a non-empty directory fails.
	cs := plan(t, p, request("directory", "/srv/cache", "delete", nil))
	require.NotNil(t, cs)
	_, err := p.Apply(context.Background(), cs)
	assert.Error(t, err)

	req := request("directory", "/srv/cache", "delete", map[string]any{"recursive": true})
	require.NotNil(t, converge(t, p, req))
	assert.NoDirExists(t, f.path("/srv/cache"))
	assert.Nil(t, plan(t, p, req))
}

func TestDirectoryProvider_NotADirectory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/srv/file", "x")
	p := providers.NewDirectoryProvider(f.deps)

	req := request("directory", "/srv/file", "create", nil)
	state, err := p.Observe(context.Background(), req)
	require.NoError(t, err)
	_, err = p.Diff(req, state)
	assert.EqualError(t, err, "/srv/file exists and is not a directory")
}
