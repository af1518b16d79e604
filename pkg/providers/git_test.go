package providers_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/providers"
	"github.com/keelops/keel/pkg/system"
)

const (
	repoURL = "https://github.com/example/app.git"
	shaOld  = "1111111111111111111111111111111111111111"
	shaNew  = "2222222222222222222222222222222222222222"
)

func TestGitProvider_Clone(t *testing.T) {
	f := newFixture(t)
	dest := f.path("/srv/app")
	f.runner.AddExit("git ls-remote "+repoURL+" main", 0, shaNew+"\trefs/heads/main\n")
	f.runner.AddExit("git clone -q "+repoURL+" "+dest, 0, "")
	f.runner.AddExit("git -C "+dest+" checkout -q "+shaNew, 0, "")
	p := providers.NewGitProvider(f.deps)

	cs := converge(t, p, request("git", "/srv/app", "sync", map[string]any{
		"repository": repoURL,
		"revision":   "main",
	}))
	require.NotNil(t, cs)
	assert.Equal(t, engine.Change{Path: "revision", Before: nil, After: shaNew}, cs.Changes[0])
	assert.True(t, f.runner.Called("git -C "+dest+" checkout -q "+shaNew))
}

func TestGitProvider_Sync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("/srv/app/.git", 0o755))
	dest := f.path("/srv/app")

	head := shaOld
	f.runner.Handle("git -C "+dest+" rev-parse HEAD", func(system.Command) system.CommandResult {
		return system.CommandResult{Stdout: head + "\n"}
	})
	f.runner.AddExit("git ls-remote "+repoURL+" HEAD", 0, shaNew+"\tHEAD\n")
	f.runner.AddExit("git -C "+dest+" fetch -q origin HEAD", 0, "")
	f.runner.Handle("git -C "+dest+" reset -q --hard", func(cmd system.Command) system.CommandResult {
		head = cmd.Args[len(cmd.Args)-1]
		return system.CommandResult{}
	})
	p := providers.NewGitProvider(f.deps)
	req := request("git", "/srv/app", "sync", map[string]any{"repository": repoURL})

	cs := converge(t, p, req)
	require.NotNil(t, cs)
	assert.Equal(t, engine.Change{Path: "revision", Before: shaOld, After: shaNew}, cs.Changes[0])
	assert.Equal(t, shaNew, head)

	assert.Nil(t, plan(t, p, req))
}

func TestGitProvider_CheckoutLeavesExistingClone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("/srv/app/.git", 0o755))
	f.runner.AddExit("git -C "+f.path("/srv/app")+" rev-parse HEAD", 0, shaOld)
	p := providers.NewGitProvider(f.deps)

	assert.Nil(t, plan(t, p, request("git", "/srv/app", "checkout", map[string]any{"repository": repoURL})))
	for _, call := range f.runner.Calls() {
		assert.False(t, strings.Contains(call, "ls-remote"), call)
	}
}

func TestGitProvider_PinnedRevisionSkipsRemote(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.MkdirAll("/srv/app/.git", 0o755))
	f.runner.AddExit("git -C "+f.path("/srv/app")+" rev-parse HEAD", 0, shaOld)
	p := providers.NewGitProvider(f.deps)

	assert.Nil(t, plan(t, p, request("git", "/srv/app", "sync", map[string]any{
		"repository": repoURL,
		"revision":   shaOld,
	})))
	assert.Len(t, f.runner.Calls(), 1)
}

func TestGitProvider_Errors(t *testing.T) {
	f := newFixture(t)
	f.runner.AddResult("git ls-remote "+repoURL+" main", system.CommandResult{
		ExitCode: 128,
		Stderr:   "fatal: unable to access: Could not resolve host: github.com",
	})
	f.runner.AddExit("git ls-remote "+repoURL+" missing", 0, "")
	f.runner.AddError("git ls-remote "+repoURL+" broken", errors.New("exec: \"git\": executable file not found"))
	p := providers.NewGitProvider(f.deps)
	ctx := context.Background()

	_, err := p.Observe(ctx, request("git", "/srv/app", "sync", map[string]any{"repository": repoURL, "revision": "main"}))
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	_, err = p.Observe(ctx, request("git", "/srv/app", "sync", map[string]any{"repository": repoURL, "revision": "missing"}))
	assert.EqualError(t, err, "revision missing not found in "+repoURL)

	_, err = p.Observe(ctx, request("git", "/srv/app", "sync", map[string]any{"repository": repoURL, "revision": "broken"}))
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))

	assert.EqualError(t, p.Validate(request("git", "/srv/app", "sync", nil)), "repository is required")
}
