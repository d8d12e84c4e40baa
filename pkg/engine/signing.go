package engine

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/dgrid-io/dgrid/pkg/gitgw"
)

// Verifier checks a task's detached signature against an allowlist of
// trusted ed25519 public keys (spec supplement: ENABLE_TASK_SIGNING).
// A queue entry `tasks/queue/<task-id>` is expected to carry a sibling
// `tasks/queue/<task-id>.sig` containing the hex-encoded signature of
// the task file's raw bytes.
type Verifier struct {
	trustedKeys []ed25519.PublicKey
}

// LoadVerifier reads a trusted-keys file: one hex-encoded ed25519
// public key per line, blank lines and '#' comments ignored.
func LoadVerifier(path string) (*Verifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trusted keys file: %w", err)
	}
	defer f.Close()

	var keys []ed25519.PublicKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("decode trusted key %q: %w", line, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %q has wrong length %d, want %d", line, len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trusted keys file: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("trusted keys file %s contains no keys", path)
	}
	return &Verifier{trustedKeys: keys}, nil
}

// Verify checks that dir/name has a sibling dir/name+".sig" containing
// a valid signature over dir/name's contents from one of the trusted
// keys. A missing or invalid signature is treated as a task-level
// validation failure, same as a malformed task body.
func (v *Verifier) Verify(repo *gitgw.Repo, dir, name string) error {
	body, err := repo.ReadFile(dir, name)
	if err != nil {
		return fmt.Errorf("read task body: %w", err)
	}
	sigHex, err := repo.ReadFile(dir, name+".sig")
	if err != nil {
		return fmt.Errorf("read detached signature: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	for _, key := range v.trustedKeys {
		if ed25519.Verify(key, body, sig) {
			return nil
		}
	}
	return fmt.Errorf("signature not valid for any trusted key")
}
