// Package wire defines the JSON-on-filesystem schemas D-GRID exchanges
// with the rest of the grid: node liveness records, queued job
// definitions, and execution records. Every mutating operation in
// pkg/gitgw, pkg/registry, and pkg/engine reads or writes one of these
// shapes through the codec in this package.
package wire

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// MaxOutputBytes is the per-stream truncation limit for captured
// stdout/stderr (spec §3, §8 "Output truncation").
const MaxOutputBytes = 10 * 1024

// NodeStatus is the liveness status recorded for a grid node.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

// Node is the `nodes/<node-id>` liveness and capability record.
type Node struct {
	NodeID        string     `json:"node_id"`
	CPUCount      int        `json:"cpu_count"`
	MemoryGB      float64    `json:"memory_gb"`
	DiskGB        float64    `json:"disk_gb"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        NodeStatus `json:"status"`
}

// Validate checks the invariants spec §3 places on a node record.
func (n *Node) Validate() error {
	if n.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if n.CPUCount < 1 {
		return fmt.Errorf("cpu_count must be >= 1, got %d", n.CPUCount)
	}
	if n.MemoryGB < 0 {
		return fmt.Errorf("memory_gb must be >= 0, got %f", n.MemoryGB)
	}
	if n.DiskGB < 0 {
		return fmt.Errorf("disk_gb must be >= 0, got %f", n.DiskGB)
	}
	switch n.Status {
	case NodeStatusActive, NodeStatusInactive:
	default:
		return fmt.Errorf("status must be active or inactive, got %q", n.Status)
	}
	return nil
}

// Priority is the optional scheduling tier of a queued job.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities is the scan order the claim protocol walks (spec §4.3(a)).
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Task is the `tasks/queue/<task-id>` job definition.
type Task struct {
	TaskID         string   `json:"task_id"`
	Script         string   `json:"script"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Priority       Priority `json:"priority,omitempty"`
}

// EffectivePriority returns the task's priority, defaulting to medium.
func (t *Task) EffectivePriority() Priority {
	if t.Priority == "" {
		return PriorityMedium
	}
	return t.Priority
}

// Validate checks the invariants spec §3 places on a job definition. The
// engine's claim scan skips a queue entry that fails here: the entry stays
// in queue/, and no failed/ record or exit code is written for it.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id must not be empty")
	}
	if t.Script == "" {
		return fmt.Errorf("script must not be empty")
	}
	if t.TimeoutSeconds < 10 || t.TimeoutSeconds > 300 {
		return fmt.Errorf("timeout_seconds must be in [10, 300], got %d", t.TimeoutSeconds)
	}
	switch t.Priority {
	case "", PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("priority must be one of critical|high|medium|low, got %q", t.Priority)
	}
	return nil
}

// ExecutionStatus is the terminal outcome recorded in a .log file.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Exit codes used by the task-level error taxonomy (spec §4.3(b), §7).
const (
	ExitInfrastructure = -1
	ExitTimeout        = -2
)

// ExecutionRecord is the `<completed|failed>/<name>.log` sibling file.
type ExecutionRecord struct {
	TaskID    string          `json:"task_id"`
	NodeID    string          `json:"node_id"`
	ExitCode  int             `json:"exit_code"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	Timestamp time.Time       `json:"timestamp"`
	Status    ExecutionStatus `json:"status"`
}

// Truncate clips s to MaxOutputBytes, matching spec's stdout/stderr cap.
func Truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes]
}

// Marshal encodes v as JSON using the package codec.
func Marshal(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Unmarshal decodes JSON data into v using the package codec. Callers
// treat a decode failure as a malformed task-level error, not a
// transient one.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
