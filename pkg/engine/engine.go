// Package engine drives a single node's task lifecycle: scan the
// queue, attempt a claim, run the sandboxed script, and report the
// result — all as a sequence of git-tracked filesystem operations
// whose only synchronization point is the remote's fast-forward push.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/localstate"
	"github.com/dgrid-io/dgrid/pkg/metrics"
	"github.com/dgrid-io/dgrid/pkg/sandbox"
	"github.com/dgrid-io/dgrid/pkg/wire"
)

const (
	queueDir      = "tasks/queue"
	inProgressDir = "tasks/in_progress"
	completedDir  = "tasks/completed"
	failedDir     = "tasks/failed"
)

// Phase names the positions of the engine's state machine. The engine
// does not store or log its current phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePulling   Phase = "pulling"
	PhaseClaiming  Phase = "claim_attempt"
	PhaseExecuting Phase = "executing"
	PhaseReporting Phase = "reporting"
)

// ResourceGate reports whether it is currently safe to claim more work,
// backed by the host's observed CPU/memory utilization (spec §4.4).
type ResourceGate interface {
	Allow() (ok bool, reason string)
}

// Engine runs one node's claim/execute/report cycle.
type Engine struct {
	repo     *gitgw.Repo
	sandbox  *sandbox.Runner
	nodeID   string
	verifier *Verifier // nil when task signing is disabled

	maxTasksPerHour int
	state           *localstate.Store
	gate            ResourceGate

	shardCount int
	shardIndex int

	cpuQuota    float64
	memoryBytes int64
}

// Config collects the engine's tunables, sourced from pkg/config.
type Config struct {
	NodeID          string
	MaxTasksPerHour int
	ShardCount      int
	ShardIndex      int

	// CPUQuota and MemoryBytes bound every sandboxed run (spec §4.3(b));
	// zero means unbounded on that dimension.
	CPUQuota    float64
	MemoryBytes int64
}

// New constructs an Engine. verifier may be nil to disable task signing.
func New(repo *gitgw.Repo, runner *sandbox.Runner, state *localstate.Store, gate ResourceGate, verifier *Verifier, cfg Config) *Engine {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	return &Engine{
		repo:            repo,
		sandbox:         runner,
		nodeID:          cfg.NodeID,
		verifier:        verifier,
		maxTasksPerHour: cfg.MaxTasksPerHour,
		state:           state,
		gate:            gate,
		shardCount:      shardCount,
		shardIndex:      cfg.ShardIndex,
		cpuQuota:        cfg.CPUQuota,
		memoryBytes:     cfg.MemoryBytes,
	}
}

// errAllTiersEmpty signals that no queued task was found in any
// priority tier this cycle — a normal, non-error condition.
var errAllTiersEmpty = errors.New("no claimable task found")

// Tick runs one full IDLE -> PULLING -> CLAIM_ATTEMPT -> EXECUTING ->
// REPORTING -> IDLE cycle. Returns (claimed, err): claimed is false
// when the queue was empty or backpressure skipped the cycle, which
// is the expected common case, not an error.
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	corrID := correlationID()
	log := dgridlog.WithNodeID(e.nodeID).With().Str("cycle_id", corrID).Logger()

	if e.gate != nil {
		if ok, reason := e.gate.Allow(); !ok {
			log.Debug().Str("reason", reason).Msg("resource gate blocked claim cycle")
			metrics.RateLimitedTotal.WithLabelValues("resource").Inc()
			return false, nil
		}
	}

	if e.maxTasksPerHour > 0 {
		count, err := e.state.TasksClaimedLastHour(time.Now())
		if err != nil {
			return false, fmt.Errorf("read rate limit state: %w", err)
		}
		if count >= e.maxTasksPerHour {
			log.Debug().Int("count", count).Msg("hourly task cap reached")
			metrics.RateLimitedTotal.WithLabelValues("rate_limit").Inc()
			return false, nil
		}
	}

	log.Debug().Msg("pulling latest coordination state")
	if err := e.repo.PullRebase(ctx); err != nil {
		return false, fmt.Errorf("pull before claim scan: %w", err)
	}

	claimedTask, claimedName, err := e.claimNextTask(ctx)
	if err != nil {
		if errors.Is(err, errAllTiersEmpty) {
			return false, nil
		}
		return false, err
	}

	if err := e.state.RecordClaim(time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to persist rate limit counter")
	}

	log = dgridlog.WithTaskID(claimedTask.TaskID).With().Str("cycle_id", corrID).Logger()
	log.Info().Str("node_id", e.nodeID).Msg("claimed task, executing")

	result, execErr := e.execute(ctx, claimedTask)

	if err := e.report(ctx, claimedTask, claimedName, result, execErr); err != nil {
		return true, fmt.Errorf("report result for %s: %w", claimedTask.TaskID, err)
	}

	return true, nil
}

// claimNextTask walks the priority tiers in order (spec §4.3(a)),
// attempting a fast-forward push for the first valid candidate it
// finds in each tier. Ties within a tier are broken by queue order.
func (e *Engine) claimNextTask(ctx context.Context) (wire.Task, string, error) {
	log := dgridlog.WithNodeID(e.nodeID)

	names, err := e.repo.ListDir(queueDir)
	if err != nil {
		return wire.Task{}, "", fmt.Errorf("list queue: %w", err)
	}

	inProgressNames, err := e.repo.ListDir(inProgressDir)
	if err != nil {
		return wire.Task{}, "", fmt.Errorf("list in_progress: %w", err)
	}
	claimedTaskIDs := make(map[string]bool, len(inProgressNames))
	for _, name := range inProgressNames {
		if _, taskID, ok := splitClaimFileName(name); ok {
			claimedTaskIDs[taskID] = true
		}
	}

	byTier := make(map[wire.Priority][]string)
	tasks := make(map[string]wire.Task)
	for _, name := range names {
		if strings.HasSuffix(name, ".sig") {
			// Detached signature sibling, not a task body of its own.
			continue
		}
		if claimedTaskIDs[name] {
			// Can only happen locally, never on the remote: a rebase
			// replayed a stale queue entry onto a tip where the same
			// task is already claimed. in_progress is truth; drop the
			// queue duplicate silently.
			log.Debug().Str("task_id", name).Msg("dropping local queue duplicate of an already-claimed task")
			if err := e.repo.StageRemove(ctx, path.Join(queueDir, name)); err != nil {
				log.Warn().Err(err).Str("task_id", name).Msg("failed to stage removal of queue duplicate")
			}
			continue
		}

		data, err := e.repo.ReadFile(queueDir, name)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable queue entry")
			continue
		}
		var t wire.Task
		if err := wire.Unmarshal(data, &t); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping malformed queue entry")
			continue
		}
		if err := t.Validate(); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping invalid queue entry")
			continue
		}
		if !e.inShard(t.TaskID) {
			continue
		}
		if e.verifier != nil {
			if err := e.verifier.Verify(e.repo, queueDir, name); err != nil {
				log.Warn().Err(err).Str("file", name).Msg("skipping unsigned or untrusted queue entry")
				continue
			}
		}
		tier := t.EffectivePriority()
		byTier[tier] = append(byTier[tier], name)
		tasks[name] = t
	}

	for _, tier := range wire.Priorities {
		for _, name := range byTier[tier] {
			metrics.ClaimAttemptsTotal.WithLabelValues(string(tier)).Inc()
			claimedName := claimFileName(e.nodeID, name)
			task := tasks[name]

			ok, err := e.tryClaim(ctx, name, claimedName, task)
			if err != nil {
				log.Warn().Err(err).Str("task_id", task.TaskID).Msg("claim attempt errored, trying next candidate")
				metrics.ClaimResultsTotal.WithLabelValues("error").Inc()
				continue
			}
			if ok {
				metrics.ClaimResultsTotal.WithLabelValues("won").Inc()
				return task, claimedName, nil
			}
			metrics.ClaimResultsTotal.WithLabelValues("lost").Inc()
			// Lost the race — another node's push landed first. Pull
			// the new tip and keep scanning; the loser never retries
			// the same entry since it has left the queue already.
			if err := e.repo.PullRebase(ctx); err != nil {
				return wire.Task{}, "", fmt.Errorf("pull after lost claim race: %w", err)
			}
		}
	}

	return wire.Task{}, "", errAllTiersEmpty
}

// claimFileName builds the in_progress claim filename. The node ID is
// forbidden from containing '-' (pkg/config) so splitting on the
// first '-' unambiguously recovers it later.
func claimFileName(nodeID, taskID string) string {
	return nodeID + "-" + taskID
}

// splitClaimFileName recovers (nodeID, taskID) from an in_progress
// filename produced by claimFileName.
func splitClaimFileName(name string) (nodeID, taskID string, ok bool) {
	idx := strings.Index(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// tryClaim attempts to move one queue entry into in_progress/ under
// this node's name and push. A push rejected as non-fast-forward means
// another node won the race; this is not an error.
func (e *Engine) tryClaim(ctx context.Context, queueName, claimedName string, task wire.Task) (bool, error) {
	fromRel := path.Join(queueDir, queueName)
	toRel := path.Join(inProgressDir, claimedName)

	if e.repo.Exists(toRel) {
		// Another node's earlier claim of the same task_id under a
		// different race window is already sitting in in_progress.
		return false, nil
	}

	if err := e.repo.StageRename(ctx, fromRel, toRel); err != nil {
		return false, fmt.Errorf("stage claim rename: %w", err)
	}

	restage := func(ctx context.Context) error {
		// After a rebase onto a new tip, re-check whether the entry
		// is still there to claim; if another node already took it
		// the source file is gone and there is nothing to restage.
		if !e.repo.Exists(fromRel) {
			return errClaimGone
		}
		return e.repo.StageRename(ctx, fromRel, toRel)
	}

	message := fmt.Sprintf("claim %s by %s", task.TaskID, e.nodeID)
	err := e.repo.CommitAndPush(ctx, message, restage)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errClaimGone) || gitgw.IsRejected(err) {
		_ = e.repo.ResetToRemote(ctx)
		return false, nil
	}
	return false, err
}

var errClaimGone = errors.New("queue entry claimed by another node before rebase completed")

// inShard reports whether taskID belongs to this node's shard, using
// an fnv32 hash so the same task always routes to the same shard
// index regardless of which node evaluates it (spec supplement:
// SHARD_COUNT / SHARD_INDEX).
func (e *Engine) inShard(taskID string) bool {
	if e.shardCount <= 1 {
		return true
	}
	return int(fnv32(taskID)%uint32(e.shardCount)) == e.shardIndex
}

// execute runs the claimed task's script inside the sandbox.
func (e *Engine) execute(ctx context.Context, task wire.Task) (sandbox.Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SandboxExecDuration)

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second+10*time.Second)
	defer cancel()

	return e.sandbox.Run(execCtx, sandbox.Spec{
		TaskID:         task.TaskID,
		Script:         task.Script,
		TimeoutSeconds: task.TimeoutSeconds,
		CPUQuota:       e.cpuQuota,
		MemoryBytes:    e.memoryBytes,
	})
}

// report writes the terminal execution record and moves the claim from
// in_progress/ to completed/ or failed/, per the exit-code taxonomy in
// spec §4.3(b)/§7: exit 0 is success, anything else (including a
// sandbox or task-level error) is a failure with a best-effort record.
func (e *Engine) report(ctx context.Context, task wire.Task, claimedName string, result sandbox.Result, execErr error) error {
	log := dgridlog.WithTaskID(task.TaskID)

	record := wire.ExecutionRecord{
		TaskID:    task.TaskID,
		NodeID:    e.nodeID,
		Timestamp: time.Now().UTC(),
	}

	destDir := completedDir
	switch {
	case execErr != nil:
		record.ExitCode = wire.ExitInfrastructure
		record.Stderr = wire.Truncate(execErr.Error())
		record.Status = wire.ExecutionFailed
		destDir = failedDir
		metrics.TasksCompletedTotal.WithLabelValues("infra_error").Inc()
	case result.ExitCode != 0:
		record.ExitCode = result.ExitCode
		record.Stdout = result.Stdout
		record.Stderr = result.Stderr
		record.Status = wire.ExecutionFailed
		destDir = failedDir
		if result.TimedOut {
			metrics.TasksCompletedTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.TasksCompletedTotal.WithLabelValues("failed").Inc()
		}
	default:
		record.ExitCode = 0
		record.Stdout = result.Stdout
		record.Stderr = result.Stderr
		record.Status = wire.ExecutionSuccess
		metrics.TasksCompletedTotal.WithLabelValues("success").Inc()
	}

	data, err := wire.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}

	fromRel := path.Join(inProgressDir, claimedName)
	toRel := path.Join(destDir, claimedName)
	logRel := toRel + ".log"

	restage := func(ctx context.Context) error {
		if e.repo.Exists(fromRel) {
			if err := e.repo.StageRename(ctx, fromRel, toRel); err != nil {
				return err
			}
		}
		return e.repo.StageWrite(ctx, logRel, data)
	}
	if err := restage(ctx); err != nil {
		return fmt.Errorf("stage report: %w", err)
	}

	message := fmt.Sprintf("report %s (%s) by %s", task.TaskID, record.Status, e.nodeID)
	if err := e.repo.CommitAndPush(ctx, message, restage); err != nil {
		return fmt.Errorf("push report: %w", err)
	}

	log.Info().Str("status", string(record.Status)).Int("exit_code", record.ExitCode).Msg("task reported")
	return nil
}

// correlationID returns a short opaque ID for tying together the log
// lines of one claim/execute/report cycle.
func correlationID() string {
	return uuid.NewString()[:8]
}

func fnv32(s string) uint32 {
	const prime32 = 16777619
	hash := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime32
	}
	return hash
}

// ClaimFileName builds the in_progress claim filename for nodeID/taskID.
// Exported for the sweeper, which must recognize and rewrite the same
// naming scheme when reclaiming orphans.
func ClaimFileName(nodeID, taskID string) string {
	return claimFileName(nodeID, taskID)
}

// SplitClaimFileName recovers (nodeID, taskID) from an in_progress
// filename. Exported for the sweeper.
func SplitClaimFileName(name string) (nodeID, taskID string, ok bool) {
	return splitClaimFileName(name)
}
