// Package sandbox runs untrusted task scripts inside a locked-down
// containerd container: no network, read-only rootfs, non-root user,
// a hard process-count ceiling, and CPU/memory quotas, torn down
// unconditionally when the run ends.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/wire"
)

const (
	// Namespace isolates D-GRID's containers from anything else on the
	// host sharing the same containerd socket.
	Namespace = "dgrid"

	// DefaultSocketPath is the standard containerd control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// image is fixed per spec §4.3(b): every task runs in the same
	// known-good Python runtime, never an image the task supplies.
	image = "docker.io/library/python:3.11-alpine"

	// sandboxUID/sandboxGID are the fixed non-root identity every task
	// runs as (spec §4.3(b)).
	sandboxUID = 1000
	sandboxGID = 1000

	// maxPIDs bounds fork bombs inside the sandbox.
	maxPIDs = 10

	// cfsPeriod is the CFS scheduler period used to express CPUQuota.
	cfsPeriod = uint64(100000)
)

// Spec describes one sandboxed run.
type Spec struct {
	TaskID         string
	Script         string
	TimeoutSeconds int
	CPUQuota       float64 // cores, e.g. 1.0
	MemoryBytes    int64
}

// Result is the outcome of a sandboxed run, already truncated to the
// wire package's output cap.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes scripts against a containerd daemon.
type Runner struct {
	client *containerd.Client
}

// NewRunner connects to the containerd socket. Call Close when done.
func NewRunner(socketPath string) (*Runner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runner{client: client}, nil
}

// Close closes the containerd client.
func (r *Runner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// EnsureImage pulls the fixed sandbox image if it is not already
// present locally. Called once at worker startup, not per task.
func (r *Runner) EnsureImage(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	_, err := r.client.Pull(ctx, image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull sandbox image %s: %w", image, err)
	}
	return nil
}

// Run executes spec.Script as `sh -c <script>` inside a freshly
// created, fully isolated container, and guarantees the container and
// its snapshot are removed before returning.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	log := dgridlog.WithTaskID(spec.TaskID)
	ctx = namespaces.WithNamespace(ctx, Namespace)

	containerID := "task-" + spec.TaskID + "-" + uuid.NewString()[:8]

	img, err := r.client.GetImage(ctx, image)
	if err != nil {
		return Result{}, fmt.Errorf("get sandbox image: %w", err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithProcessArgs("sh", "-c", spec.Script),
		oci.WithUIDGID(sandboxUID, sandboxGID),
		oci.WithRootFSReadonly(),
		oci.WithPIDsLimit(maxPIDs),
		oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}),
	}
	if spec.CPUQuota > 0 {
		quota := int64(spec.CPUQuota * float64(cfsPeriod))
		opts = append(opts, oci.WithCPUCFS(quota, cfsPeriod))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}

	container, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(containerID+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Delete(delCtx, containerd.WithSnapshotCleanup); err != nil {
			log.Warn().Err(err).Msg("failed to clean up sandbox container")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.Background()); err != nil {
			log.Debug().Err(err).Msg("sandbox task delete (already gone is expected)")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("wait on sandbox task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("start sandbox task: %w", err)
	}

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return Result{}, fmt.Errorf("read sandbox task exit status: %w", err)
		}
		return Result{
			ExitCode: int(code),
			Stdout:   wire.Truncate(stdout.String()),
			Stderr:   wire.Truncate(stderr.String()),
		}, nil

	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("sandbox run exceeded wall-clock timeout, killing")
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = task.Kill(killCtx, syscall.SIGTERM)
		select {
		case <-statusC:
		case <-time.After(5 * time.Second):
			_ = task.Kill(killCtx, syscall.SIGKILL)
			<-statusC
		}
		return Result{
			ExitCode: wire.ExitTimeout,
			Stdout:   wire.Truncate(stdout.String()),
			Stderr:   wire.Truncate(stderr.String()),
			TimedOut: true,
		}, nil

	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
