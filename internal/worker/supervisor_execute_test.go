package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: "stdout", Component: "supervisor_test"})
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dataDir := t.TempDir()
	return NewSupervisor(st, dataDir, 2*time.Second, testLogger()), st
}

func claimTask(t *testing.T, st *store.Store, argv []string) (*model.Run, *model.Task) {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{
		TaskID:    "t1",
		Name:      "t1",
		IsEnabled: true,
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			return argv, nil
		},
	}
	tasks := map[string]*model.Task{"t1": task}

	_, err := st.EnqueueRun(ctx, tasks, "t1", nil, nil)
	require.NoError(t, err)
	run, err := st.ClaimNext(ctx, "w1", time.Minute, tasks)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run, task
}

// E1 happy path.
func TestExecute_HappyPath(t *testing.T) {
	sup, st := newTestSupervisor(t)
	run, task := claimTask(t, st, []string{"sh", "-c", "echo hi; exit 0"})

	sup.Execute(context.Background(), run, task, "w1", nil)

	got, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	events, _, err := st.ListEvents(context.Background(), run.RunID, 0, 100)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == model.EventTypeStdout {
			var payload struct {
				Line string `json:"line"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			if payload.Line == "hi" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a stdout event with line=hi")
}

// E2 failure.
func TestExecute_FailureExitCode(t *testing.T) {
	sup, st := newTestSupervisor(t)
	run, task := claimTask(t, st, []string{"sh", "-c", "echo nope 1>&2; exit 7"})

	sup.Execute(context.Background(), run, task, "w1", nil)

	got, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 7, *got.ExitCode)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "exit_code=7")

	events, _, err := st.ListEvents(context.Background(), run.RunID, 0, 100)
	require.NoError(t, err)
	hasStderr := false
	for _, ev := range events {
		if ev.Type == model.EventTypeStderr {
			hasStderr = true
		}
	}
	assert.True(t, hasStderr)
}

// E3 structured events.
func TestExecute_StructuredProgressEvents(t *testing.T) {
	sup, st := newTestSupervisor(t)
	script := `echo '{"type":"progress","data":{"pct":50}}'; echo '{"type":"progress","data":{"pct":100}}'`
	run, task := claimTask(t, st, []string{"sh", "-c", script})

	sup.Execute(context.Background(), run, task, "w1", nil)

	events, cursor, err := st.ListEvents(context.Background(), run.RunID, 0, 100)
	require.NoError(t, err)
	var progress []int
	for _, ev := range events {
		if ev.Type == model.EventTypeProgress {
			progress = append(progress, ev.Seq)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[0])
	assert.Equal(t, 2, progress[1])
	assert.Equal(t, cursor, progress[len(progress)-1])
}

// E4 cancel mid-run.
func TestExecute_CancelMidRunEndsCanceled(t *testing.T) {
	sup, st := newTestSupervisor(t)
	run, task := claimTask(t, st, []string{"sh", "-c", "trap 'exit 0' TERM; sleep 300"})

	done := make(chan struct{})
	go func() {
		sup.Execute(context.Background(), run, task, "w1", nil)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, st.RequestCancel(context.Background(), run.RunID))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancellation within soft_grace+margin")
	}

	got, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, got.Status)
}

// A per-task run timeout drives the same escalation as an explicit cancel,
// recording error="timeout".
func TestExecute_RunTimeoutEscalates(t *testing.T) {
	sup, st := newTestSupervisor(t)
	run, task := claimTask(t, st, []string{"sh", "-c", "sleep 300"})
	task.RunTimeout = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		sup.Execute(context.Background(), run, task, "w1", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after the run timeout elapsed")
	}

	got, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCanceled, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "timeout", *got.Error)
}

// Oversize-line handling: a single line far past maxLineBytes is truncated
// in the stored event, not dropped, and the child is still fully drained.
func TestExecute_OversizeLineIsTruncatedNotDropped(t *testing.T) {
	sup, st := newTestSupervisor(t)
	script := `python3 -c "print('x'*200000)" 2>/dev/null || yes x | head -c 200000; echo`
	run, task := claimTask(t, st, []string{"sh", "-c", script})

	sup.Execute(context.Background(), run, task, "w1", nil)

	got, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, got.Status == model.RunStatusSucceeded || got.Status == model.RunStatusFailed)

	runDir := filepath.Join(sup.dataDir, "runs", run.RunID)
	_, err = os.Stat(filepath.Join(runDir, "stdout.log"))
	assert.NoError(t, err, "raw stdout.log must exist regardless of oversize-line truncation")
}
