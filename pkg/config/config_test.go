package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DGRID_REPO_URL", "DGRID_REPO_PATH", "NODE_ID", "GIT_TOKEN",
		"PULL_INTERVAL", "HEARTBEAT_INTERVAL",
		"DOCKER_CPUS", "DOCKER_MEMORY", "DOCKER_TIMEOUT",
		"USE_SHALLOW_CLONE", "USE_SMART_POLLING",
		"MAX_TASKS_PER_HOUR", "MAX_CPU_PERCENT", "MAX_MEMORY_PERCENT",
		"LOG_LEVEL", "LOG_JSON",
		"ENABLE_TASK_SIGNING", "TRUSTED_KEYS_FILE",
		"SHARD_COUNT", "SHARD_INDEX",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		// t.Setenv always sets; Load treats "" as unset for these vars.
	}
}

func TestLoadRequiresRepoURLAndPath(t *testing.T) {
	clearEnv(t)
	t.Setenv("NODE_ID", "node1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DGRID_REPO_URL is required")
	assert.Contains(t, err.Error(), "DGRID_REPO_PATH is required")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node1", cfg.NodeID)
	assert.Equal(t, 10, int(cfg.PullInterval.Seconds()))
	assert.Equal(t, 60, int(cfg.HeartbeatInterval.Seconds()))
	assert.Equal(t, 1.0, cfg.DockerCPUs)
	assert.Equal(t, "512m", cfg.DockerMemory)
	assert.Equal(t, int64(512*1024*1024), cfg.DockerMemoryBytes)
	assert.Equal(t, 300, int(cfg.DockerTimeout.Seconds()))
	assert.True(t, cfg.UseShallowClone)
	assert.True(t, cfg.UseSmartPolling)
	assert.Equal(t, 80.0, cfg.MaxCPUPercent)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.EnableTaskSigning)
	assert.Equal(t, 1, cfg.ShardCount)
	assert.Equal(t, 0, cfg.ShardIndex)
}

func TestLoadRejectsHyphenInNodeID(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not contain '-'")
}

func TestLoadRejectsHeartbeatLessThanPull(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("PULL_INTERVAL", "30")
	t.Setenv("HEARTBEAT_INTERVAL", "10")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
}

func TestLoadRequiresTrustedKeysFileWhenSigningEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("ENABLE_TASK_SIGNING", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUSTED_KEYS_FILE is required")
}

func TestLoadRejectsShardIndexOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("SHARD_COUNT", "2")
	t.Setenv("SHARD_INDEX", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARD_INDEX")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoadRejectsBadDockerMemory(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("DOCKER_MEMORY", "not-a-size")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOCKER_MEMORY")
}

func TestLoadParsesDockerMemoryToBytes(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")
	t.Setenv("NODE_ID", "node1")
	t.Setenv("DOCKER_MEMORY", "1g")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024*1024), cfg.DockerMemoryBytes)
}

func TestLoadFallsBackToHostname(t *testing.T) {
	clearEnv(t)
	t.Setenv("DGRID_REPO_URL", "https://git.example.com/grid.git")
	t.Setenv("DGRID_REPO_PATH", "/var/lib/dgrid/repo")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.NodeID)
}
