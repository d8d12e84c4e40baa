package localstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordClaimAndCount(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordClaim(now.Add(time.Duration(i)*time.Minute)))
	}

	count, err := s.TasksClaimedLastHour(now.Add(5 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestTasksClaimedLastHourPrunesStale(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordClaim(now.Add(-2*time.Hour)))
	require.NoError(t, s.RecordClaim(now.Add(-30*time.Minute)))

	count, err := s.TasksClaimedLastHour(now)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The stale record should have been pruned, so a second count at
	// the same instant is stable.
	count, err = s.TasksClaimedLastHour(now)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTasksClaimedLastHourEmpty(t *testing.T) {
	s := openTestStore(t)
	count, err := s.TasksClaimedLastHour(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
