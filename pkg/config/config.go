// Package config loads and strictly validates the D-GRID environment
// contract (spec §6). Validation failures are collected and reported
// together so a misconfigured operator sees every problem in one run
// instead of fixing them one at a time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Config is the fully validated, immutable worker configuration.
type Config struct {
	RepoURL     string
	RepoPath    string
	NodeID      string
	GitToken    string // legacy; SSH keys preferred

	PullInterval      time.Duration
	HeartbeatInterval time.Duration

	DockerCPUs        float64
	DockerMemory      string
	DockerMemoryBytes int64
	DockerTimeout     time.Duration

	UseShallowClone bool
	UseSmartPolling bool

	MaxTasksPerHour int
	MaxCPUPercent   float64
	MaxMemoryPercent float64

	LogLevel  string
	LogJSON   bool

	EnableTaskSigning bool
	TrustedKeysFile   string

	ShardCount int
	ShardIndex int
}

// errs accumulates validation failures so Load can report them all at
// once instead of failing on the first one.
type errs struct {
	list []string
}

func (e *errs) addf(format string, args ...interface{}) {
	e.list = append(e.list, fmt.Sprintf(format, args...))
}

func (e *errs) err() error {
	if len(e.list) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(e.list, "\n  - "))
}

// Load reads the environment contract from spec §6 and returns a
// strictly validated Config, or a single aggregated error describing
// every violation found.
func Load() (*Config, error) {
	var e errs
	c := &Config{}

	c.RepoURL = strings.TrimSpace(os.Getenv("DGRID_REPO_URL"))
	if c.RepoURL == "" {
		e.addf("DGRID_REPO_URL is required")
	}

	c.RepoPath = strings.TrimSpace(os.Getenv("DGRID_REPO_PATH"))
	if c.RepoPath == "" {
		e.addf("DGRID_REPO_PATH is required")
	}

	c.NodeID = strings.TrimSpace(os.Getenv("NODE_ID"))
	if c.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			e.addf("NODE_ID not set and hostname lookup failed: %v", err)
		} else {
			c.NodeID = hostname
		}
	}
	if strings.Contains(c.NodeID, "-") {
		// spec §9 open question: the in_progress filename splits on the
		// first '-', so a node ID containing one would be misparsed.
		e.addf("NODE_ID %q must not contain '-' (in_progress filenames split on the first '-')", c.NodeID)
	}

	c.GitToken = os.Getenv("GIT_TOKEN")

	c.PullInterval = parseSecondsDefault(&e, "PULL_INTERVAL", 10, 1, 0)
	c.HeartbeatInterval = parseSecondsDefault(&e, "HEARTBEAT_INTERVAL", 60, 1, 0)
	if c.HeartbeatInterval < c.PullInterval {
		e.addf("HEARTBEAT_INTERVAL (%s) must be >= PULL_INTERVAL (%s)", c.HeartbeatInterval, c.PullInterval)
	}

	c.DockerCPUs = parseFloatDefault(&e, "DOCKER_CPUS", 1.0, 0)
	c.DockerMemory = orDefault(os.Getenv("DOCKER_MEMORY"), "512m")
	if bytes, err := units.RAMInBytes(c.DockerMemory); err != nil {
		e.addf("DOCKER_MEMORY must be a size like \"512m\" or \"1g\", got %q: %v", c.DockerMemory, err)
	} else {
		c.DockerMemoryBytes = bytes
	}
	c.DockerTimeout = parseSecondsDefault(&e, "DOCKER_TIMEOUT", 300, 10, 300)

	c.UseShallowClone = parseBoolDefault(os.Getenv("USE_SHALLOW_CLONE"), true)
	c.UseSmartPolling = parseBoolDefault(os.Getenv("USE_SMART_POLLING"), true)

	c.MaxTasksPerHour = int(parseFloatDefault(&e, "MAX_TASKS_PER_HOUR", 0, 0))
	c.MaxCPUPercent = parseFloatDefault(&e, "MAX_CPU_PERCENT", 80, 0)
	c.MaxMemoryPercent = parseFloatDefault(&e, "MAX_MEMORY_PERCENT", 80, 0)

	c.LogLevel = orDefault(os.Getenv("LOG_LEVEL"), "info")
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		e.addf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	c.LogJSON = parseBoolDefault(os.Getenv("LOG_JSON"), false)

	c.EnableTaskSigning = parseBoolDefault(os.Getenv("ENABLE_TASK_SIGNING"), false)
	c.TrustedKeysFile = os.Getenv("TRUSTED_KEYS_FILE")
	if c.EnableTaskSigning && c.TrustedKeysFile == "" {
		e.addf("TRUSTED_KEYS_FILE is required when ENABLE_TASK_SIGNING is true")
	}

	c.ShardCount = int(parseFloatDefault(&e, "SHARD_COUNT", 1, 1))
	c.ShardIndex = int(parseFloatDefault(&e, "SHARD_INDEX", 0, 0))
	if c.ShardIndex >= c.ShardCount {
		e.addf("SHARD_INDEX (%d) must be < SHARD_COUNT (%d)", c.ShardIndex, c.ShardCount)
	}

	if err := e.err(); err != nil {
		return nil, err
	}
	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseBoolDefault(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// parseSecondsDefault parses an integer-seconds env var into a
// time.Duration, applying a default and an optional floor (min>0 enforces
// it; 0 means no floor). A non-numeric value is a validation error.
func parseSecondsDefault(e *errs, name string, def, min int, _ int) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return time.Duration(def) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.addf("%s must be an integer number of seconds, got %q", name, v)
		return time.Duration(def) * time.Second
	}
	if min > 0 && n < min {
		e.addf("%s must be >= %d, got %d", name, min, n)
	}
	return time.Duration(n) * time.Second
}

func parseFloatDefault(e *errs, name string, def float64, min float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.addf("%s must be numeric, got %q", name, v)
		return def
	}
	if f < min {
		e.addf("%s must be >= %v, got %v", name, min, f)
	}
	return f
}
