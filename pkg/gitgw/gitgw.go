// Package gitgw is the Repo Gateway: every interaction D-GRID has with
// the coordination substrate goes through here. It shells out to the
// git binary rather than a library, because the one operation that
// actually matters — a fast-forward-only push either winning or losing
// the race to claim a task — is exactly the behavior the CLI gives you
// for free and a library would have to reimplement.
package gitgw

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/metrics"
)

// pushRetry mirrors spec §4.1/§7: 2s initial delay, factor 2, 5 attempts.
var pushRetry = struct {
	initial    time.Duration
	multiplier float64
	maxTries   uint
}{initial: 2 * time.Second, multiplier: 2, maxTries: 5}

// transientPatterns are stderr substrings from a failed git invocation
// that indicate a retryable condition rather than a real conflict.
var transientPatterns = []string{
	"index.lock",
	"cannot lock ref",
	"index file open failed",
	"could not read from remote repository",
	"early eof",
	"the remote end hung up unexpectedly",
	"connection timed out",
	"temporary failure in name resolution",
}

// rejectedPatterns are stderr substrings that mean a push was refused
// because the remote moved ahead of us — the CAS-failure case, not an
// infrastructure problem. The caller resolves by pulling and retrying.
var rejectedPatterns = []string{
	"[rejected]",
	"fetch first",
	"non-fast-forward",
}

func isTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRejected reports whether err came from a non-fast-forward push
// rejection — the signal that another node won the claim race.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, p := range rejectedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Repo wraps a local working copy of the grid's coordination repository.
type Repo struct {
	dir    string
	url    string
	token  string
	branch string
}

// New returns a Repo bound to dir; it touches neither the filesystem nor
// the remote until Open is called. remoteURL and token come from config; token may be empty when the
// remote authenticates via SSH key instead.
func New(dir, remoteURL, token, branch string) *Repo {
	if branch == "" {
		branch = "main"
	}
	return &Repo{dir: dir, url: remoteURL, token: token, branch: branch}
}

// run executes a git subcommand against the repo working directory,
// retrying transient failures with exponential backoff. cwd overrides
// the working directory for commands run before dir exists (clone).
func (r *Repo) run(ctx context.Context, cwd string, args ...string) (string, error) {
	delay := 200 * time.Millisecond
	const maxAttempts = 6
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		if cwd != "" {
			cmd.Dir = cwd
		}
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		msg := redactURL(strings.TrimSpace(string(out)), r.token)
		lastErr = fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
		if !isTransient(msg) || attempt == maxAttempts-1 {
			return "", lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
	}
	return "", lastErr
}

// redactURL strips an embedded credential token from a git error message
// so it never reaches logs.
func redactURL(msg, token string) string {
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "***")
	}
	return redactBasicAuth(msg)
}

// redactBasicAuth masks user:pass@ components of any URL found in msg.
func redactBasicAuth(msg string) string {
	fields := strings.Fields(msg)
	for _, f := range fields {
		u, err := url.Parse(f)
		if err != nil || u.User == nil {
			continue
		}
		u.User = url.UserPassword("***", "***")
		msg = strings.ReplaceAll(msg, f, u.String())
	}
	return msg
}

// authedURL returns r.url with the token embedded as basic-auth userinfo,
// for the https+token authentication mode (spec §6, GIT_TOKEN).
func (r *Repo) authedURL() (string, error) {
	if r.token == "" {
		return r.url, nil
	}
	u, err := url.Parse(r.url)
	if err != nil {
		return "", fmt.Errorf("parse repo url: %w", err)
	}
	u.User = url.User(r.token)
	return u.String(), nil
}

// Open clones the repo into dir if it does not exist, or hard-resets an
// existing checkout to origin/<branch>. The existing checkout's remote
// URL is not compared with the configured one.
func (r *Repo) Open(ctx context.Context, shallow bool) error {
	log := dgridlog.WithComponent("gitgw")

	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git binary not found: %w", err)
	}

	if dirExists(filepath.Join(r.dir, ".git")) {
		log.Debug().Str("dir", r.dir).Msg("repo already checked out")
		return r.ResetToRemote(ctx)
	}

	authed, err := r.authedURL()
	if err != nil {
		return err
	}

	args := []string{"clone", "--branch", r.branch}
	if shallow {
		args = append(args, "--depth", "1")
	}
	args = append(args, authed, r.dir)

	log.Info().Str("dir", r.dir).Bool("shallow", shallow).Msg("cloning coordination repo")
	if _, err := r.run(ctx, "", args...); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return nil
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// writeFile writes content to path, creating parent directories as needed.
func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// Fetch updates the remote-tracking refs without touching the working
// tree. Returns true if new commits arrived.
func (r *Repo) Fetch(ctx context.Context) (bool, error) {
	before, err := r.run(ctx, r.dir, "rev-parse", "origin/"+r.branch)
	if err != nil {
		// No remote-tracking ref yet (first fetch) — treat as "has updates".
		before = ""
	}
	if _, err := r.run(ctx, r.dir, "fetch", "origin", r.branch); err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}
	after, err := r.run(ctx, r.dir, "rev-parse", "origin/"+r.branch)
	if err != nil {
		return false, fmt.Errorf("rev-parse after fetch: %w", err)
	}
	return before != after, nil
}

// PullRebase fetches and rebases the local branch onto the remote,
// discarding local commits and hard-resetting on conflict (spec §4.1:
// a local-state conflict is a recoverable-logical error, not a task
// failure — the engine abandons the in-flight claim and retries clean).
func (r *Repo) PullRebase(ctx context.Context) error {
	_, err := r.pullRebase(ctx)
	return err
}

// pullRebase is PullRebase's implementation, additionally reporting
// whether the rebase itself failed and fell back to a hard reset —
// the signal CommitAndPush needs to know whether a commit carrying a
// staged change survived (rebase succeeded) or was discarded (reset).
func (r *Repo) pullRebase(ctx context.Context) (reset bool, err error) {
	if _, err := r.run(ctx, r.dir, "fetch", "origin", r.branch); err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}
	_, _ = r.run(ctx, r.dir, "rebase", "--abort")

	if _, err := r.run(ctx, r.dir, "rebase", "origin/"+r.branch); err != nil {
		_, _ = r.run(ctx, r.dir, "rebase", "--abort")
		if _, resetErr := r.run(ctx, r.dir, "reset", "--hard", "origin/"+r.branch); resetErr != nil {
			return false, fmt.Errorf("rebase failed (%v) and reset also failed: %w", err, resetErr)
		}
		return true, nil
	}
	return false, nil
}

// ResetToRemote discards any local commits or working-tree changes and
// hard-resets to origin/<branch>. Used to recover from an abandoned
// claim attempt or a corrupted local checkout.
func (r *Repo) ResetToRemote(ctx context.Context) error {
	if _, err := r.run(ctx, r.dir, "fetch", "origin", r.branch); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if _, err := r.run(ctx, r.dir, "checkout", r.branch); err != nil {
		return fmt.Errorf("checkout %s: %w", r.branch, err)
	}
	if _, err := r.run(ctx, r.dir, "reset", "--hard", "origin/"+r.branch); err != nil {
		return fmt.Errorf("reset --hard: %w", err)
	}
	if _, err := r.run(ctx, r.dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// StageRename moves a file (e.g. queue/<task-id> -> in_progress/<name>)
// in a single staged operation. git mv fails if dest already exists,
// which is exactly the semantics the claim protocol wants: two nodes
// racing to claim the same task must not both succeed locally.
func (r *Repo) StageRename(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(filepath.Dir(filepath.Join(r.dir, to)), 0o755); err != nil {
		return fmt.Errorf("stage rename %s -> %s: create parent: %w", from, to, err)
	}
	if _, err := r.run(ctx, r.dir, "mv", from, to); err != nil {
		return fmt.Errorf("stage rename %s -> %s: %w", from, to, err)
	}
	return nil
}

// StageWrite writes content to relPath inside the repo and stages it.
func (r *Repo) StageWrite(ctx context.Context, relPath string, content []byte) error {
	full := filepath.Join(r.dir, relPath)
	if err := writeFile(full, content); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if _, err := r.run(ctx, r.dir, "add", relPath); err != nil {
		return fmt.Errorf("stage %s: %w", relPath, err)
	}
	return nil
}

// StageRemove stages the removal of relPath.
func (r *Repo) StageRemove(ctx context.Context, relPath string) error {
	if _, err := r.run(ctx, r.dir, "rm", "-f", relPath); err != nil {
		return fmt.Errorf("stage remove %s: %w", relPath, err)
	}
	return nil
}

// HasStagedChanges reports whether anything is staged for commit.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, r.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAndPush commits the current stage with message and pushes to
// origin/<branch>, retrying with backoff when the push is rejected as
// non-fast-forward. On rejection it rebases onto the new remote tip:
// if the rebase succeeds, the already-made commit now carries the
// staged change on top of the new history and only the push itself is
// retried; if the rebase instead has to fall back to a hard reset, the
// commit is gone and restage is called to redo the staged change and
// commit it again before the next push attempt.
func (r *Repo) CommitAndPush(ctx context.Context, message string, restage func(ctx context.Context) error) error {
	log := dgridlog.WithComponent("gitgw")
	committed := false

	op := func() (struct{}, error) {
		if !committed {
			if _, err := r.run(ctx, r.dir, "commit", "--no-verify", "-m", message); err != nil {
				return struct{}{}, fmt.Errorf("commit: %w", err)
			}
			committed = true
		}

		_, pushErr := r.run(ctx, r.dir, "push", "origin", "HEAD:"+r.branch)
		if pushErr == nil {
			return struct{}{}, nil
		}
		if !IsRejected(pushErr) {
			return struct{}{}, backoff.Permanent(pushErr)
		}

		log.Warn().Err(pushErr).Msg("push rejected, rebasing onto new remote tip")
		metrics.PushRetriesTotal.WithLabelValues("push").Inc()
		reset, err := r.pullRebase(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rebase after rejected push: %w", err))
		}
		if !reset {
			// Our commit survived the rebase with the staged change
			// already applied on top of the new tip; just push again.
			return struct{}{}, pushErr
		}

		// The rebase conflicted and fell back to a hard reset: our
		// commit, and the change it carried, is gone. Redo it.
		committed = false
		if restage != nil {
			if err := restage(ctx); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("restage after reset: %w", err))
			}
		}
		return struct{}{}, pushErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pushRetry.initial
	bo.Multiplier = pushRetry.multiplier

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(pushRetry.maxTries))
	if err != nil {
		return fmt.Errorf("commit and push: %w", err)
	}
	return nil
}

// Dir returns the local working copy path.
func (r *Repo) Dir() string { return r.dir }

// ListDir returns the base names of regular files directly inside
// relDir (non-recursive), skipping dotfiles. Used by the registry and
// task engine to enumerate nodes/, queue/, and in_progress/.
func (r *Repo) ListDir(relDir string) ([]string, error) {
	full := filepath.Join(r.dir, relDir)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ReadFile reads relDir/name relative to the repo root.
func (r *Repo) ReadFile(relDir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.dir, relDir, name))
}

// Exists reports whether relPath exists inside the working copy.
func (r *Repo) Exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(r.dir, relPath))
	return err == nil
}
