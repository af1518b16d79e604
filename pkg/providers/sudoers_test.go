package providers_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/providers"
)

const visudo = "sh -c visudo -cf -"

func TestSudoersProvider_Rules(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(visudo, 0, "stdin: parsed OK")
	p := providers.NewSudoersProvider(f.deps)

	req := request("sudoers", "deploy", "create", map[string]any{
		"users":    []any{"deploy"},
		"groups":   []any{"wheel"},
		"commands": []any{"/usr/bin/systemctl restart php-fpm", "/usr/bin/systemctl reload nginx"},
		"nopasswd": true,
	})

	require.NotNil(t, converge(t, p, req))
	assert.Equal(t, "# Managed by keel\n"+
		"deploy ALL=(ALL) NOPASSWD: /usr/bin/systemctl restart php-fpm, /usr/bin/systemctl reload nginx\n"+
		"%wheel ALL=(ALL) NOPASSWD: /usr/bin/systemctl restart php-fpm, /usr/bin/systemctl reload nginx\n",
		f.read(t, "/etc/sudoers.d/deploy"))
	assert.Equal(t, os.FileMode(0o440), f.perm(t, "/etc/sudoers.d/deploy"))

	cmds := f.runner.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, f.read(t, "/etc/sudoers.d/deploy"), string(cmds[0].Stdin))

	assert.Nil(t, plan(t, p, req))
}

func TestSudoersProvider_RejectedByVisudo(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/etc/sudoers.d/ops", "%ops ALL=(ALL) ALL\n")
	f.runner.AddExit(visudo, 1, "")
	p := providers.NewSudoersProvider(f.deps)

	cs := plan(t, p, request("sudoers", "ops", "create", map[string]any{"content": "%ops ALL=(ALL ALL"}))
	require.NotNil(t, cs)
	_, err := p.Apply(context.Background(), cs)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.Equal(t, "%ops ALL=(ALL) ALL\n", f.read(t, "/etc/sudoers.d/ops"))
}

func TestSudoersProvider_Validate(t *testing.T) {
	p := providers.NewSudoersProvider(newFixture(t).deps)

	assert.Error(t, p.Validate(request("sudoers", "deploy.conf", "create", map[string]any{"users": "deploy"})))
	assert.Error(t, p.Validate(request("sudoers", "deploy~", "create", map[string]any{"users": "deploy"})))
	assert.EqualError(t, p.Validate(request("sudoers", "deploy", "create", nil)),
		"one of content, users or groups is required")
	assert.NoError(t, p.Validate(request("sudoers", "deploy", "delete", nil)))
}
