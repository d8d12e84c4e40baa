// Package worker composes the repo gateway, node registry, task
// engine, and sweeper into the long-running process described in
// spec §5: register once, then alternately heartbeat, claim work, and
// sweep for orphaned claims until told to stop.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgrid-io/dgrid/pkg/config"
	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/engine"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/localstate"
	"github.com/dgrid-io/dgrid/pkg/metrics"
	"github.com/dgrid-io/dgrid/pkg/registry"
	"github.com/dgrid-io/dgrid/pkg/sandbox"
	"github.com/dgrid-io/dgrid/pkg/sweeper"
)

// Worker is one node's long-running grid participant.
type Worker struct {
	cfg *config.Config

	repo     *gitgw.Repo
	registry *registry.Registry
	engine   *engine.Engine
	sweeper  *sweeper.Sweeper
	sandbox  *sandbox.Runner
	state    *localstate.Store

	stopCh chan struct{}
}

// New wires up a Worker from cfg. cpuCount/memoryGB/diskGB describe
// this node's declared capacity for the node registry record.
func New(cfg *config.Config, socketPath string, cpuCount int, memoryGB, diskGB float64) (*Worker, error) {
	repo := gitgw.New(cfg.RepoPath, cfg.RepoURL, cfg.GitToken, "main")

	runner, err := sandbox.NewRunner(socketPath)
	if err != nil {
		return nil, fmt.Errorf("init sandbox runtime: %w", err)
	}

	// The state database lives beside the working copy, not inside it,
	// so clone and `git clean` never see it.
	state, err := localstate.Open(filepath.Dir(cfg.RepoPath))
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("open local state: %w", err)
	}

	reg := registry.New(repo, cfg.NodeID, cpuCount, memoryGB, diskGB)

	var verifier *engine.Verifier
	if cfg.EnableTaskSigning {
		verifier, err = engine.LoadVerifier(cfg.TrustedKeysFile)
		if err != nil {
			runner.Close()
			state.Close()
			return nil, fmt.Errorf("load task signature verifier: %w", err)
		}
	}

	gate := &engine.HostResourceGate{
		MaxCPUPercent:    cfg.MaxCPUPercent,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
	}

	eng := engine.New(repo, runner, state, gate, verifier, engine.Config{
		NodeID:          cfg.NodeID,
		MaxTasksPerHour: cfg.MaxTasksPerHour,
		ShardCount:      cfg.ShardCount,
		ShardIndex:      cfg.ShardIndex,
		CPUQuota:        cfg.DockerCPUs,
		MemoryBytes:     cfg.DockerMemoryBytes,
	})

	sw := sweeper.New(repo, reg)

	return &Worker{
		cfg:      cfg,
		repo:     repo,
		registry: reg,
		engine:   eng,
		sweeper:  sw,
		sandbox:  runner,
		state:    state,
		stopCh:   make(chan struct{}),
	}, nil
}

// Run opens the coordination repo, registers this node, pulls the
// fixed sandbox image, then blocks running the claim/heartbeat/sweep
// loops until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	log := dgridlog.WithNodeID(w.cfg.NodeID)

	if err := w.repo.Open(ctx, w.cfg.UseShallowClone); err != nil {
		return fmt.Errorf("open coordination repo: %w", err)
	}

	if err := w.sandbox.EnsureImage(ctx); err != nil {
		return fmt.Errorf("pull sandbox image: %w", err)
	}

	if err := w.registry.Register(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	log.Info().Msg("worker started")

	done := make(chan struct{})
	go w.heartbeatLoop(ctx, done)
	go w.sweepLoop(ctx, done)

	w.claimLoop(ctx)

	w.Stop()
	<-done
	<-done
	log.Info().Msg("worker stopped")
	return nil
}

// Stop signals all loops to exit; Run returns once they have drained.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Close releases the sandbox runtime and local state handles.
func (w *Worker) Close() error {
	var errs []error
	if err := w.sandbox.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.state.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close worker: %v", errs)
	}
	return nil
}

// claimLoop is the PULLING/CLAIM_ATTEMPT/EXECUTING/REPORTING cycle,
// ticking on PULL_INTERVAL.
func (w *Worker) claimLoop(ctx context.Context) {
	log := dgridlog.WithNodeID(w.cfg.NodeID)
	ticker := time.NewTicker(w.cfg.PullInterval)
	defer ticker.Stop()

	immediate := make(chan struct{}, 1)
	for {
		select {
		case <-ticker.C:
		case <-immediate:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
		claimed, err := w.engine.Tick(ctx)
		if err != nil {
			log.Error().Err(err).Msg("claim cycle failed, resetting to remote tip")
			// A failed transaction never wedges the worker: drop any
			// partial local state and pick back up cleanly next tick.
			if resetErr := w.repo.ResetToRemote(ctx); resetErr != nil {
				log.Error().Err(resetErr).Msg("reset to remote also failed")
			}
			continue
		}
		if claimed {
			// A claim/execute/report cycle can take a while; run
			// the next scan immediately rather than waiting out
			// the rest of the tick interval.
			select {
			case immediate <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	log := dgridlog.WithNodeID(w.cfg.NodeID)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer func() { done <- struct{}{} }()

	for {
		select {
		case <-ticker.C:
			if err := w.registry.Heartbeat(ctx); err != nil {
				log.Error().Err(err).Msg("heartbeat failed")
				continue
			}
			metrics.HeartbeatsTotal.Inc()
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context, done chan<- struct{}) {
	log := dgridlog.WithNodeID(w.cfg.NodeID)
	// The sweeper only needs to run as often as the liveness window
	// it checks against; a fixed slower cadence than the heartbeat
	// avoids every node racing to sweep on every tick.
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	defer func() { done <- struct{}{} }()

	for {
		select {
		case <-ticker.C:
			if _, err := w.sweeper.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
