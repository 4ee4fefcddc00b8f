package reaper

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: "stdout", Component: "reaper_test"})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGroupAlive_DeadPGIDIsFalse(t *testing.T) {
	// A pid this large should never correspond to a live process group.
	require.False(t, groupAlive(1<<30))
}

func TestGroupAlive_LiveProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	require.True(t, groupAlive(cmd.Process.Pid))
}

// Killing the recorded PGID must take down descendants too: the leader
// spawns a grandchild, the reaper signals the group, and neither survives.
func TestKillProcessGroup_KillsDescendants(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pgid := cmd.Process.Pid

	st := openTestStore(t)
	r := New(st, time.Hour, 200*time.Millisecond, time.Hour, testLogger())
	r.killProcessGroup(testLogger(), pgid)
	_ = cmd.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for groupAlive(pgid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, groupAlive(pgid))
}

func TestSweepOnce_AbandonsExpiredRunAndEmitsSystemEvent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	tasks := map[string]*model.Task{
		"t1": {TaskID: "t1", Name: "t1", IsEnabled: true},
	}

	runID, err := st.EnqueueRun(ctx, tasks, "t1", nil, nil)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", 10*time.Millisecond, tasks)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	r := New(st, time.Hour, 10*time.Millisecond, time.Hour, testLogger())
	r.sweepOnce(ctx)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusFailed, run.Status)

	events, _, err := st.ListEvents(ctx, runID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventTypeSystem, events[0].Type)
}

func TestSweepOnce_PrunesStaleWorkers(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.UpsertWorkerHeartbeat(ctx, "w-stale", "host", 1, model.WorkerStatusIdle, nil))
	time.Sleep(20 * time.Millisecond)

	r := New(st, time.Hour, time.Second, 10*time.Millisecond, testLogger())
	r.sweepOnce(ctx)

	workers, err := st.ListWorkers(ctx)
	require.NoError(t, err)
	require.Empty(t, workers)
}
