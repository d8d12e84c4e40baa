// Package registry manages the `nodes/<node-id>` liveness records the
// sweeper reads: registration on startup, periodic
// heartbeats, and enumeration of the current liveness set.
package registry

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/wire"
)

const nodesDir = "nodes"

// Registry writes and reads this node's liveness record through the
// repo gateway.
type Registry struct {
	repo     *gitgw.Repo
	nodeID   string
	cpuCount int
	memoryGB float64
	diskGB   float64
}

// New returns a Registry for nodeID, describing this node's declared
// capacity (spec §3 node schema).
func New(repo *gitgw.Repo, nodeID string, cpuCount int, memoryGB, diskGB float64) *Registry {
	if cpuCount <= 0 {
		cpuCount = runtime.NumCPU()
	}
	return &Registry{repo: repo, nodeID: nodeID, cpuCount: cpuCount, memoryGB: memoryGB, diskGB: diskGB}
}

func (r *Registry) path() string {
	return path.Join(nodesDir, r.nodeID)
}

// Register writes this node's initial liveness record and pushes it,
// retrying through the gateway's rebase-on-reject cycle.
func (r *Registry) Register(ctx context.Context) error {
	log := dgridlog.WithNodeID(r.nodeID)
	log.Info().Msg("registering node")
	return r.writeAndPush(ctx, "register node "+r.nodeID)
}

// Heartbeat refreshes this node's last_heartbeat timestamp and pushes
// it. Called on HEARTBEAT_INTERVAL from the worker's main loop.
func (r *Registry) Heartbeat(ctx context.Context) error {
	return r.writeAndPush(ctx, "heartbeat "+r.nodeID)
}

func (r *Registry) writeAndPush(ctx context.Context, message string) error {
	node := wire.Node{
		NodeID:        r.nodeID,
		CPUCount:      r.cpuCount,
		MemoryGB:      r.memoryGB,
		DiskGB:        r.diskGB,
		LastHeartbeat: time.Now().UTC(),
		Status:        wire.NodeStatusActive,
	}
	if err := node.Validate(); err != nil {
		return fmt.Errorf("invalid node record: %w", err)
	}
	data, err := wire.Marshal(&node)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}

	relPath := r.path()
	restage := func(ctx context.Context) error {
		return r.repo.StageWrite(ctx, relPath, data)
	}
	if err := restage(ctx); err != nil {
		return err
	}
	return r.repo.CommitAndPush(ctx, message, restage)
}

// List reads every node record under nodes/, skipping files that fail
// to parse (a malformed record is logged and excluded, not fatal).
func (r *Registry) List(ctx context.Context) ([]wire.Node, error) {
	names, err := r.repo.ListDir(nodesDir)
	if err != nil {
		return nil, fmt.Errorf("list nodes dir: %w", err)
	}

	nodes := make([]wire.Node, len(names))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			var n wire.Node
			data, err := r.repo.ReadFile(nodesDir, name)
			if err != nil {
				dgridlog.WithComponent("registry").Warn().Err(err).Str("file", name).Msg("skipping unreadable node record")
				return nil
			}
			if err := wire.Unmarshal(data, &n); err != nil {
				dgridlog.WithComponent("registry").Warn().Err(err).Str("file", name).Msg("skipping malformed node record")
				return nil
			}
			nodes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := nodes[:0]
	for _, n := range nodes {
		if n.NodeID != "" {
			result = append(result, n)
		}
	}
	return result, nil
}

// IsLive reports whether a node's last heartbeat falls inside the
// liveness window (spec §4.2: 5 minutes).
func IsLive(n wire.Node, now time.Time, window time.Duration) bool {
	return now.Sub(n.LastHeartbeat) <= window
}
