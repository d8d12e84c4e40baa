package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/dgrid-io/dgrid/pkg/config"
	"github.com/dgrid-io/dgrid/pkg/dgridlog"
	"github.com/dgrid-io/dgrid/pkg/gitgw"
	"github.com/dgrid-io/dgrid/pkg/metrics"
	"github.com/dgrid-io/dgrid/pkg/registry"
	"github.com/dgrid-io/dgrid/pkg/sweeper"
	"github.com/dgrid-io/dgrid/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dgrid-worker",
	Short:   "D-GRID worker node",
	Long:    "dgrid-worker runs the claim/execute/report loop against a shared git coordination repository.",
	Version: Version,
}

var (
	containerdSocket string
	metricsAddr      string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dgrid-worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&containerdSocket, "containerd-socket", "", "Containerd socket path (default /run/containerd/containerd.sock)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("dgrid-worker version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

// nodeCapacity samples this host's real memory and disk capacity for
// the node registry record (spec §3: nodes publish cpu_count,
// memory_gb, disk_gb). A sampling failure is non-fatal; the worker
// still registers, just with a zero for the dimension that failed.
func nodeCapacity(repoPath string) (memoryGB, diskGB float64) {
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryGB = float64(vm.Total) / (1 << 30)
	} else {
		dgridlog.Logger.Warn().Err(err).Msg("failed to sample host memory, reporting 0")
	}
	if du, err := disk.Usage(repoPath); err == nil {
		diskGB = float64(du.Total) / (1 << 30)
	} else {
		dgridlog.Logger.Warn().Err(err).Msg("failed to sample host disk, reporting 0")
	}
	return memoryGB, diskGB
}

func initLogging() {
	level := dgridlog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = dgridlog.Level(v)
	}
	dgridlog.Init(dgridlog.Config{
		Level:      level,
		JSONOutput: os.Getenv("LOG_JSON") == "true",
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker's claim/heartbeat/sweep loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if metricsAddr != "" {
			go serveMetrics(metricsAddr)
		}

		memoryGB, diskGB := nodeCapacity(cfg.RepoPath)
		w, err := worker.New(cfg, containerdSocket, runtime.NumCPU(), memoryGB, diskGB)
		if err != nil {
			return fmt.Errorf("construct worker: %w", err)
		}
		defer w.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return w.Run(ctx)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single orphan-reclaim sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		repo := gitgw.New(cfg.RepoPath, cfg.RepoURL, cfg.GitToken, "main")
		ctx := context.Background()
		if err := repo.Open(ctx, cfg.UseShallowClone); err != nil {
			return fmt.Errorf("open coordination repo: %w", err)
		}

		memoryGB, diskGB := nodeCapacity(cfg.RepoPath)
		reg := registry.New(repo, cfg.NodeID, runtime.NumCPU(), memoryGB, diskGB)
		sw := sweeper.New(repo, reg)

		reclaimed, err := sw.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d orphaned claim(s)\n", reclaimed)
		return nil
	},
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	dgridlog.Logger.Info().Str("addr", addr).Msg("serving metrics endpoint")
	if err := http.ListenAndServe(addr, mux); err != nil {
		dgridlog.Logger.Error().Err(err).Msg("metrics server exited")
	}
}
