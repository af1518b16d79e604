package systemtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/keelops/keel/pkg/system"
)

// DeployUser is the account seeded by NewRoot next to root.
const DeployUser = "deploy"

// NewRoot creates a temporary root filesystem with /etc/passwd and
// /etc/group seeded with root and DeployUser. Both accounts map to the uid
// and gid of the test process so ownership changes succeed without
// privileges.
func NewRoot(t testing.TB) *system.OSFileSystem {
	t.Helper()

	root := t.TempDir()
	uid, gid := os.Getuid(), os.Getgid()

	WriteFile(t, root, "/etc/passwd", fmt.Sprintf(
		"root:x:%d:%d:root:/root:/bin/bash\n%s:x:%d:%d:Deploy:/home/%s:/bin/bash\n",
		uid, gid, DeployUser, uid, gid, DeployUser))
	WriteFile(t, root, "/etc/group", fmt.Sprintf(
		"root:x:%d:\nwheel:x:10:%s\n%s:x:%d:\n",
		gid, DeployUser, DeployUser, gid))

	return system.NewOSFileSystem(root)
}

// WriteFile writes content below root, creating parent directories.
func WriteFile(t testing.TB, root, path, content string) {
	t.Helper()

	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
