package providers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/providers"
)

func TestGroupProvider_Create(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit("groupadd -g 2000 developers", 0, "")
	f.runner.AddExit("gpasswd -M deploy developers", 0, "")
	p := providers.NewGroupProvider(f.deps)

	require.NotNil(t, converge(t, p, request("group", "developers", "create", map[string]any{
		"gid":     2000,
		"members": []any{"deploy"},
	})))
	assert.Equal(t, []string{"groupadd -g 2000 developers", "gpasswd -M deploy developers"}, f.runner.Calls())
}

func TestGroupProvider_Members(t *testing.T) {
	f := newFixture(t)
	p := providers.NewGroupProvider(f.deps)

	// wheel already holds deploy.
	assert.Nil(t, plan(t, p, request("group", "wheel", "create", map[string]any{"members": []any{"deploy"}})))
	assert.Nil(t, plan(t, p, request("group", "wheel", "modify", map[string]any{"members": "deploy", "append": true})))

	f.runner.AddExit("gpasswd -a root wheel", 0, "")
	cs := converge(t, p, request("group", "wheel", "modify", map[string]any{
		"members": []any{"deploy", "root"},
		"append":  true,
	}))
	require.NotNil(t, cs)
	assert.Equal(t, []string{"deploy", "root"}, cs.Changes[0].After)
	assert.Equal(t, []string{"gpasswd -a root wheel"}, f.runner.Calls())
}

func TestGroupProvider_Remove(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit("groupdel wheel", 0, "")
	p := providers.NewGroupProvider(f.deps)

	require.NotNil(t, converge(t, p, request("group", "wheel", "remove", nil)))
	assert.True(t, f.runner.Called("groupdel wheel"))
	assert.Nil(t, plan(t, p, request("group", "ghosts", "remove", nil)))
}

func TestGroupProvider_ModifyMissing(t *testing.T) {
	p := providers.NewGroupProvider(newFixture(t).deps)

	req := request("group", "ghosts", "modify", map[string]any{"gid": 3000})
	state, err := p.Observe(t.Context(), req)
	require.NoError(t, err)
	_, err = p.Diff(req, state)
	assert.EqualError(t, err, "group ghosts does not exist")
}
