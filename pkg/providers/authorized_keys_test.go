package providers_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/keelops/keel/pkg/providers"
	"github.com/keelops/keel/pkg/system/systemtest"
)

func newAuthorizedKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	return line + " " + comment
}

const keysFile = "/home/deploy/.ssh/authorized_keys"

func TestAuthorizedKeysProvider_Create(t *testing.T) {
	f := newFixture(t)
	p := providers.NewAuthorizedKeysProvider(f.deps)
	alice := newAuthorizedKey(t, "alice@laptop")

	req := request("authorized_keys", systemtest.DeployUser, "create", map[string]any{"keys": []any{alice}})
	require.NotNil(t, converge(t, p, req))

	assert.Equal(t, alice+"\n", f.read(t, keysFile))
	assert.Equal(t, os.FileMode(0o600), f.perm(t, keysFile))
	assert.Equal(t, os.FileMode(0o700), f.perm(t, "/home/deploy/.ssh"))
	assert.Nil(t, plan(t, p, req))
}

func TestAuthorizedKeysProvider_KeepsUnmanagedLines(t *testing.T) {
	f := newFixture(t)
	alice, bob := newAuthorizedKey(t, "alice"), newAuthorizedKey(t, "bob")
	f.write(t, keysFile, "# team keys\n"+bob+"\n")
	p := providers.NewAuthorizedKeysProvider(f.deps)

	// The same key with a different comment is already present.
	fields := strings.Fields(bob)
	bobRenamed := fields[0] + " " + fields[1] + " bob@desktop"

	cs := converge(t, p, request("authorized_keys", "deploy keys", "create", map[string]any{
		"user": systemtest.DeployUser,
		"keys": []any{bobRenamed, alice},
	}))
	require.NotNil(t, cs)
	assert.Equal(t, "# team keys\n"+bob+"\n"+alice+"\n", f.read(t, keysFile))
}

func TestAuthorizedKeysProvider_Exclusive(t *testing.T) {
	f := newFixture(t)
	alice, mallory := newAuthorizedKey(t, "alice"), newAuthorizedKey(t, "mallory")
	f.write(t, keysFile, "# comment\n"+mallory+"\n"+alice+"\n")
	p := providers.NewAuthorizedKeysProvider(f.deps)

	require.NotNil(t, converge(t, p, request("authorized_keys", systemtest.DeployUser, "create", map[string]any{
		"keys":      alice,
		"exclusive": true,
	})))
	assert.Equal(t, alice+"\n", f.read(t, keysFile))
}

func TestAuthorizedKeysProvider_Delete(t *testing.T) {
	f := newFixture(t)
	alice, bob := newAuthorizedKey(t, "alice"), newAuthorizedKey(t, "bob")
	f.write(t, keysFile, alice+"\n"+bob+"\n")
	require.NoError(t, os.Chmod(f.path(keysFile), 0o600))
	p := providers.NewAuthorizedKeysProvider(f.deps)
	req := request("authorized_keys", systemtest.DeployUser, "delete", map[string]any{"keys": []any{bob}})

	require.NotNil(t, converge(t, p, req))
	assert.Equal(t, alice+"\n", f.read(t, keysFile))
	assert.Nil(t, plan(t, p, req))
}

func TestAuthorizedKeysProvider_Validate(t *testing.T) {
	p := providers.NewAuthorizedKeysProvider(newFixture(t).deps)

	err := p.Validate(request("authorized_keys", "deploy", "create", map[string]any{"keys": "ssh-rsa not-a-key"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid public key")

	assert.EqualError(t, p.Validate(request("authorized_keys", "deploy", "create", nil)), "keys is required")
}

func TestAuthorizedKeysProvider_UnknownUser(t *testing.T) {
	p := providers.NewAuthorizedKeysProvider(newFixture(t).deps)

	_, err := p.Observe(t.Context(), request("authorized_keys", "ghost", "create", map[string]any{"keys": newAuthorizedKey(t, "x")}))
	assert.EqualError(t, err, "user ghost does not exist")
}
