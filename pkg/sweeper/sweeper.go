// Package sweeper implements the orphan-reclaim pass: any node that
// stops heartbeating has its in-flight claims moved back to the queue
// so other nodes can pick them up (spec §4.2).
package sweeper

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/engine"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/metrics"
	"github.com/dgrid-io/dgrid/pkg/registry"
)

const (
	queueDir      = "tasks/queue"
	inProgressDir = "tasks/in_progress"

	// livenessWindow is how long a node can go without a heartbeat
	// before its claims are considered orphaned (spec §4.2).
	livenessWindow = 5 * time.Minute
)

// Sweeper periodically reclaims orphaned in_progress entries belonging
// to nodes that have gone silent.
type Sweeper struct {
	repo     *gitgw.Repo
	registry *registry.Registry
}

// New returns a Sweeper bound to repo and registry.
func New(repo *gitgw.Repo, reg *registry.Registry) *Sweeper {
	return &Sweeper{repo: repo, registry: reg}
}

// Sweep runs one reclaim pass: list live nodes, list in_progress
// claims, move back to queue/ any claim whose owning node is not
// live, and push everything in a single commit. Losing the push race
// against a node that just reported completion is tolerated — the
// sweeper simply rebases and retries against the new tip.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	log := dgridlog.WithComponent("sweeper")

	if err := s.repo.PullRebase(ctx); err != nil {
		return 0, fmt.Errorf("pull before sweep: %w", err)
	}

	nodes, err := s.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	now := time.Now()
	live := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		live[n.NodeID] = registry.IsLive(n, now, livenessWindow)
	}

	names, err := s.repo.ListDir(inProgressDir)
	if err != nil {
		return 0, fmt.Errorf("list in_progress: %w", err)
	}

	var mu sync.Mutex
	var orphans []string
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			nodeID, _, ok := engine.SplitClaimFileName(name)
			if !ok {
				log.Warn().Str("file", name).Msg("skipping malformed in_progress filename")
				return nil
			}
			if live[nodeID] {
				return nil
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			mu.Lock()
			orphans = append(orphans, name)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("scan in_progress: %w", err)
	}

	if len(orphans) == 0 {
		log.Debug().Msg("no orphaned claims found")
		return 0, nil
	}

	restage := func(ctx context.Context) error {
		for _, name := range orphans {
			_, taskID, ok := engine.SplitClaimFileName(name)
			if !ok {
				continue
			}
			fromRel := path.Join(inProgressDir, name)
			toRel := path.Join(queueDir, taskID)
			if !s.repo.Exists(fromRel) {
				// Already reported or reclaimed by a previous sweep.
				continue
			}
			if s.repo.Exists(toRel) {
				// Somebody already restored this task_id to the queue.
				continue
			}
			if err := s.repo.StageRename(ctx, fromRel, toRel); err != nil {
				return err
			}
		}
		return nil
	}

	if err := restage(ctx); err != nil {
		return 0, fmt.Errorf("stage orphan reclaim: %w", err)
	}
	hasChanges, err := s.repo.HasStagedChanges(ctx)
	if err != nil {
		return 0, fmt.Errorf("check staged changes: %w", err)
	}
	if !hasChanges {
		log.Debug().Msg("orphans already reclaimed by a concurrent sweep")
		return 0, nil
	}

	message := fmt.Sprintf("reclaim %d orphaned claim(s)", len(orphans))
	if err := s.repo.CommitAndPush(ctx, message, restage); err != nil {
		return 0, fmt.Errorf("push orphan reclaim: %w", err)
	}

	metrics.OrphansReclaimedTotal.Add(float64(len(orphans)))
	log.Info().Int("count", len(orphans)).Msg("reclaimed orphaned claims")
	return len(orphans), nil
}
