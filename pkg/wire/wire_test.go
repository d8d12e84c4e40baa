package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr bool
	}{
		{
			name: "valid active node",
			node: Node{NodeID: "node1", CPUCount: 4, MemoryGB: 16, DiskGB: 100, Status: NodeStatusActive},
		},
		{
			name:    "missing node id",
			node:    Node{CPUCount: 4, Status: NodeStatusActive},
			wantErr: true,
		},
		{
			name:    "zero cpu count",
			node:    Node{NodeID: "node1", CPUCount: 0, Status: NodeStatusActive},
			wantErr: true,
		},
		{
			name:    "negative memory",
			node:    Node{NodeID: "node1", CPUCount: 1, MemoryGB: -1, Status: NodeStatusActive},
			wantErr: true,
		},
		{
			name:    "bad status",
			node:    Node{NodeID: "node1", CPUCount: 1, Status: "zombie"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name: "valid task",
			task: Task{TaskID: "t1", Script: "print(1)", TimeoutSeconds: 30, Priority: PriorityHigh},
		},
		{
			name: "valid task with no priority",
			task: Task{TaskID: "t1", Script: "print(1)", TimeoutSeconds: 30},
		},
		{
			name:    "missing task id",
			task:    Task{Script: "print(1)", TimeoutSeconds: 30},
			wantErr: true,
		},
		{
			name:    "missing script",
			task:    Task{TaskID: "t1", TimeoutSeconds: 30},
			wantErr: true,
		},
		{
			name:    "timeout too low",
			task:    Task{TaskID: "t1", Script: "print(1)", TimeoutSeconds: 5},
			wantErr: true,
		},
		{
			name:    "timeout too high",
			task:    Task{TaskID: "t1", Script: "print(1)", TimeoutSeconds: 301},
			wantErr: true,
		},
		{
			name:    "bad priority",
			task:    Task{TaskID: "t1", Script: "print(1)", TimeoutSeconds: 30, Priority: "urgent"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskEffectivePriority(t *testing.T) {
	task := Task{TaskID: "t1"}
	assert.Equal(t, PriorityMedium, task.EffectivePriority())

	task.Priority = PriorityLow
	assert.Equal(t, PriorityLow, task.EffectivePriority())
}

func TestTruncate(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("a", MaxOutputBytes+500)
	truncated := Truncate(long)
	assert.Len(t, truncated, MaxOutputBytes)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := ExecutionRecord{
		TaskID:    "t1",
		NodeID:    "n1",
		ExitCode:  0,
		Stdout:    "ok",
		Stderr:    "",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    ExecutionSuccess,
	}

	data, err := Marshal(&original)
	require.NoError(t, err)

	var decoded ExecutionRecord
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestPrioritiesOrder(t *testing.T) {
	require.Len(t, Priorities, 4)
	assert.Equal(t, PriorityCritical, Priorities[0])
	assert.Equal(t, PriorityLow, Priorities[len(Priorities)-1])
}
