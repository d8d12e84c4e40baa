package sweeper

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgrid-io/dgrid/pkg/engine"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/registry"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newSweeperTestRepo(t *testing.T) *gitgw.Repo {
	t.Helper()
	base := t.TempDir()
	remoteDir := filepath.Join(base, "remote.git")
	require.NoError(t, os.MkdirAll(remoteDir, 0o755))
	runGit(t, remoteDir, "init", "--bare", "--initial-branch=main")

	seedDir := filepath.Join(base, "seed")
	require.NoError(t, os.MkdirAll(seedDir, 0o755))
	runGit(t, seedDir, "init", "--initial-branch=main")
	runGit(t, seedDir, "config", "user.email", "seed@example.com")
	runGit(t, seedDir, "config", "user.name", "seed")
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("grid\n"), 0o644))
	runGit(t, seedDir, "add", ".")
	runGit(t, seedDir, "commit", "-m", "seed")
	runGit(t, seedDir, "remote", "add", "origin", remoteDir)
	runGit(t, seedDir, "push", "origin", "main")

	checkoutDir := filepath.Join(base, "checkout")
	repo := gitgw.New(checkoutDir, remoteDir, "", "main")
	require.NoError(t, repo.Open(context.Background(), false))
	runGit(t, checkoutDir, "config", "user.email", "node@example.com")
	runGit(t, checkoutDir, "config", "user.name", "node")
	return repo
}

func TestSweepReclaimsOrphanedClaim(t *testing.T) {
	ctx := context.Background()
	repo := newSweeperTestRepo(t)

	// deadnode registered a heartbeat long ago and never came back.
	deadReg := registry.New(repo, "deadnode", 1, 1, 1)
	require.NoError(t, deadReg.Register(ctx))

	claimName := engine.ClaimFileName("deadnode", "t1")
	require.NoError(t, repo.StageWrite(ctx, "tasks/in_progress/"+claimName, []byte(`{"task_id":"t1"}`)))
	require.NoError(t, repo.CommitAndPush(ctx, "claim t1", nil))

	// Back-date the node's heartbeat past the liveness window by
	// rewriting its record directly.
	stale := []byte(`{"node_id":"deadnode","cpu_count":1,"memory_gb":1,"disk_gb":1,"last_heartbeat":"` +
		time.Now().Add(-10*time.Minute).UTC().Format(time.RFC3339) + `","status":"active"}`)
	require.NoError(t, repo.StageWrite(ctx, "nodes/deadnode", stale))
	require.NoError(t, repo.CommitAndPush(ctx, "backdate heartbeat", nil))

	sw := New(repo, registry.New(repo, "sweeper", 1, 1, 1))
	reclaimed, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	require.False(t, repo.Exists("tasks/in_progress/"+claimName))
	require.True(t, repo.Exists("tasks/queue/t1"))
}

func TestSweepLeavesLiveNodeClaimsAlone(t *testing.T) {
	ctx := context.Background()
	repo := newSweeperTestRepo(t)

	liveReg := registry.New(repo, "livenode", 1, 1, 1)
	require.NoError(t, liveReg.Register(ctx))

	claimName := engine.ClaimFileName("livenode", "t1")
	require.NoError(t, repo.StageWrite(ctx, "tasks/in_progress/"+claimName, []byte(`{"task_id":"t1"}`)))
	require.NoError(t, repo.CommitAndPush(ctx, "claim t1", nil))

	sw := New(repo, registry.New(repo, "sweeper", 1, 1, 1))
	reclaimed, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, reclaimed)
	require.True(t, repo.Exists("tasks/in_progress/"+claimName))
}

func TestSweepNoOrphansIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo := newSweeperTestRepo(t)

	sw := New(repo, registry.New(repo, "sweeper", 1, 1, 1))
	reclaimed, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, reclaimed)
}
