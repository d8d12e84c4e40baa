package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgrid-io/dgrid/pkg/gitgw"
)

func writeTrustedKeysFile(t *testing.T, keys ...ed25519.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trusted_keys")
	var content string
	content += "# trusted task signers\n"
	for _, k := range keys {
		content += hex.EncodeToString(k) + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testRepo(t *testing.T) *gitgw.Repo {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "verify@example.com")
	run("config", "user.name", "verify")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tasks", "queue"), 0o755))
	return gitgw.New(dir, "", "", "main")
}

func TestLoadVerifierRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_keys")
	require.NoError(t, os.WriteFile(path, []byte("# nothing here\n"), 0o644))

	_, err := LoadVerifier(path)
	require.Error(t, err)
}

func TestLoadVerifierRejectsBadHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_keys")
	require.NoError(t, os.WriteFile(path, []byte("not-hex\n"), 0o644))

	_, err := LoadVerifier(path)
	require.Error(t, err)
}

func TestLoadVerifierRejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_keys")
	require.NoError(t, os.WriteFile(path, []byte("aabbcc\n"), 0o644))

	_, err := LoadVerifier(path)
	require.Error(t, err)
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keysPath := writeTrustedKeysFile(t, pub)
	v, err := LoadVerifier(keysPath)
	require.NoError(t, err)

	repo := testRepo(t)
	body := []byte(`{"task_id":"t1","script":"print(1)","timeout_seconds":30}`)
	require.NoError(t, repo.StageWrite(context.Background(), "tasks/queue/t1", body))

	sig := ed25519.Sign(priv, body)
	require.NoError(t, repo.StageWrite(context.Background(), "tasks/queue/t1.sig", []byte(hex.EncodeToString(sig))))

	require.NoError(t, v.Verify(repo, "tasks/queue", "t1"))
}

func TestVerifyRejectsSignatureFromUntrustedKey(t *testing.T) {
	trustedPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, untrustedPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keysPath := writeTrustedKeysFile(t, trustedPub)
	v, err := LoadVerifier(keysPath)
	require.NoError(t, err)

	repo := testRepo(t)
	body := []byte(`{"task_id":"t1","script":"print(1)","timeout_seconds":30}`)
	require.NoError(t, repo.StageWrite(context.Background(), "tasks/queue/t1", body))

	sig := ed25519.Sign(untrustedPriv, body)
	require.NoError(t, repo.StageWrite(context.Background(), "tasks/queue/t1.sig", []byte(hex.EncodeToString(sig))))

	require.Error(t, v.Verify(repo, "tasks/queue", "t1"))
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keysPath := writeTrustedKeysFile(t, pub)
	v, err := LoadVerifier(keysPath)
	require.NoError(t, err)

	repo := testRepo(t)
	require.NoError(t, repo.StageWrite(context.Background(), "tasks/queue/t1", []byte("{}")))

	require.Error(t, v.Verify(repo, "tasks/queue", "t1"))
}
