package providers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/providers"
	"github.com/keelops/keel/pkg/system"
)

const rpmQuery = "rpm -q --queryformat %{VERSION}-%{RELEASE} "

func TestPackageProvider_Install(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(rpmQuery+"nginx", 1, "package nginx is not installed")
	f.runner.AddExit("dnf -y install nginx", 0, "Complete!\n")
	p := providers.NewPackageProvider(f.deps)

	cs := converge(t, p, request("package", "nginx", "install", nil))
	require.NotNil(t, cs)
	assert.Equal(t, engine.Change{Path: "version", Before: nil, After: "installed"}, cs.Changes[0])
	assert.True(t, f.runner.Called("dnf -y install nginx"))
}

func TestPackageProvider_InstalledIsConverged(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(rpmQuery+"git", 0, "2.43.5-1.el9")
	p := providers.NewPackageProvider(f.deps)

	assert.Nil(t, plan(t, p, request("package", "git", "install", nil)))
	assert.Nil(t, plan(t, p, request("package", "git", "install", map[string]any{"version": "2.43.5"})))

	cs := plan(t, p, request("package", "git", "install", map[string]any{"version": "2.44.0"}))
	require.NotNil(t, cs)
	assert.Equal(t, engine.Change{Path: "version", Before: "2.43.5-1.el9", After: "2.44.0"}, cs.Changes[0])
}

func TestPackageProvider_VersionMatch(t *testing.T) {
	tests := []struct {
		name      string
		installed string
		want      string
		converged bool
	}{
		{"exact", "2.39.2", "2.39.2", true},
		{"release suffix", "2.39.2-1", "2.39.2", true},
		{"epoch stripped", "1:2.39.2-1", "2.39.2", true},
		{"epoch in both", "1:2.39.2-1", "1:2.39.2", true},
		{"other epoch", "2:2.39.2-1", "1:2.39.2", false},
		{"shorter version is not a prefix match", "1.2.9-1", "1.2", false},
		{"release is not a version", "2.39.2-1", "2.39", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deps.PackageManager = "apt"
			f.runner.AddExit("dpkg-query -W -f=${Status} ${Version} git", 0, "install ok installed "+tt.installed)
			p := providers.NewPackageProvider(f.deps)

			cs := plan(t, p, request("package", "git", "install", map[string]any{"version": tt.want}))
			if tt.converged {
				assert.Nil(t, cs)
			} else {
				require.NotNil(t, cs)
				assert.Equal(t, "version", cs.Changes[0].Path)
			}
		})
	}
}

func TestPackageProvider_Upgrade(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(rpmQuery+"openssl", 0, "3.0.7-27.el9")
	f.runner.AddExit("dnf -q check-update openssl", 100, "openssl.x86_64  1:3.2.2-6.el9  baseos")
	f.runner.AddExit("dnf -y upgrade openssl", 0, "")
	p := providers.NewPackageProvider(f.deps)

	require.NotNil(t, converge(t, p, request("package", "openssl", "upgrade", nil)))
	assert.True(t, f.runner.Called("dnf -y upgrade openssl"))

	f.runner.AddExit("dnf -q check-update openssl", 0, "")
	assert.Nil(t, plan(t, p, request("package", "openssl", "upgrade", nil)))
}

func TestPackageProvider_Remove(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(rpmQuery+"telnet", 0, "0.17-85.el9")
	f.runner.AddExit("dnf -y remove telnet", 0, "")
	p := providers.NewPackageProvider(f.deps)

	require.NotNil(t, converge(t, p, request("package", "telnet", "remove", nil)))
	assert.True(t, f.runner.Called("dnf -y remove telnet"))
}

func TestPackageProvider_Apt(t *testing.T) {
	f := newFixture(t)
	f.deps.PackageManager = "apt"
	f.runner.AddExit("dpkg-query -W -f=${Status} ${Version} curl", 1, "")
	f.runner.AddExit("apt-get -y -q install curl=8.5.0-2", 0, "")
	p := providers.NewPackageProvider(f.deps)

	require.NotNil(t, converge(t, p, request("package", "curl", "install", map[string]any{"version": "8.5.0-2"})))

	cmds := f.runner.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, "apt-get -y -q install curl=8.5.0-2", last.String())
	assert.Equal(t, map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, last.Env)
}

func TestPackageProvider_LockIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.runner.AddExit(rpmQuery+"vim", 1, "")
	f.runner.AddResult("dnf -y install vim", system.CommandResult{
		ExitCode: 1,
		Stderr:   "Waiting for process with pid 4242 to finish.",
	})
	p := providers.NewPackageProvider(f.deps)

	cs := plan(t, p, request("package", "vim", "install", nil))
	require.NotNil(t, cs)
	_, err := p.Apply(context.Background(), cs)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.True(t, engine.IsRetryable(err))
}

func TestPackageProvider_Validate(t *testing.T) {
	f := newFixture(t)
	p := providers.NewPackageProvider(f.deps)

	assert.NoError(t, p.Validate(request("package", "git", "install", nil)))
	assert.Error(t, p.Validate(request("package", "git lfs", "install", nil)))
	assert.EqualError(t, p.Validate(request("package", "git", "install", map[string]any{"manager": "pacman"})),
		"unsupported package manager: pacman")
}
