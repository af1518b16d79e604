package system_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelops/keel/pkg/system"
	"github.com/keelops/keel/pkg/system/systemtest"
)

const rockyRelease = `NAME="Rocky Linux"
VERSION="9.4 (Blue Onyx)"
ID="rocky"
ID_LIKE="rhel centos fedora"
VERSION_ID="9.4"
`

func TestFactsCollector_Collect(t *testing.T) {
	fs := systemtest.NewRoot(t)
	root := fs.Root()
	systemtest.WriteFile(t, root, "/etc/os-release", rockyRelease)
	systemtest.WriteFile(t, root, "/etc/hostname", "web01\n")
	systemtest.WriteFile(t, root, "/proc/cpuinfo", "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Xeon\n\nprocessor\t: 1\n")
	systemtest.WriteFile(t, root, "/proc/meminfo", "MemTotal:        4028440 kB\nMemAvailable:    2014220 kB\nSwapTotal:       1048572 kB\n")
	systemtest.WriteFile(t, root, "/usr/bin/dnf", "")

	runner := systemtest.NewRunner()
	runner.AddExit("uname -r", 0, "5.14.0-427.el9.x86_64\n")
	runner.AddExit("uname -m", 0, "x86_64\n")

	facts, err := system.NewFactsCollector(fs, runner, zerolog.Nop()).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "web01", facts.Hostname)
	assert.Equal(t, system.OSFacts{Name: "Rocky Linux", ID: "rocky", Family: "rhel", Version: "9.4"}, facts.OS)
	assert.Equal(t, "5.14.0-427.el9.x86_64", facts.Kernel)
	assert.Equal(t, "x86_64", facts.Arch)
	assert.Equal(t, 2, facts.CPU.Count)
	assert.Equal(t, "Xeon", facts.CPU.Model)
	assert.Equal(t, int64(3934), facts.Memory.TotalMB)
	assert.Equal(t, "dnf", facts.PackageManager)

	flat := facts.Flatten()
	assert.Equal(t, "rhel", flat["host.os.family"])
	assert.Equal(t, "2", flat["host.cpu.count"])
	assert.Equal(t, "dnf", flat["host.package_manager"])

	m := facts.Map()
	assert.Equal(t, "rhel", m["os"].(map[string]any)["family"])
	assert.Equal(t, "web01", m["hostname"])
}

func TestFactsCollector_PartialFailure(t *testing.T) {
	fs := system.NewOSFileSystem(t.TempDir())
	runner := systemtest.NewRunner()
	runner.AddError("uname -r", errors.New("exec: not found"))
	runner.AddError("uname -m", errors.New("exec: not found"))
	runner.AddExit("hostname", 0, "bare\n")

	facts, err := system.NewFactsCollector(fs, runner, zerolog.Nop()).Collect(context.Background())
	require.NoError(t, err, "failed collectors are logged, not returned")
	assert.Equal(t, "bare", facts.Hostname)
	assert.Empty(t, facts.OS.ID)
	assert.Empty(t, facts.PackageManager)
}

func TestParseOSRelease(t *testing.T) {
	release := system.ParseOSRelease("# comment\nID=debian\nPRETTY_NAME='Debian 12'\nbogus\n")
	assert.Equal(t, map[string]string{"ID": "debian", "PRETTY_NAME": "Debian 12"}, release)
}
