package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
	"taskhub/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: "stdout", Component: "scheduler_test"})
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *taskregistry.Registry) {
	t.Helper()
	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := taskregistry.New()
	reg.Register(&model.Task{
		TaskID:    "t1",
		Name:      "t1",
		IsEnabled: true,
		BuildCommand: func(params json.RawMessage) ([]string, error) {
			return []string{"sh", "-c", "true"}, nil
		},
	})

	return New(st, reg, time.Second, testLogger()), st, reg
}

func TestNextFireTime_StandardFiveField(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	after := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := s.NextFireTime("0 * * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestNextFireTime_RejectsInvalidExpression(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.NextFireTime("not a cron expression", time.Now())
	require.Error(t, err)
}

func TestTickOnce_EnqueuesAndAdvancesDueEntry(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cronID, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "every-minute", now.Add(-time.Minute))
	require.NoError(t, err)

	s.tickOnce(ctx)

	entry, err := st.GetCronEntry(ctx, cronID)
	require.NoError(t, err)
	require.True(t, entry.NextRunAt.After(now))
	require.NotNil(t, entry.LastRunAt)

	runs, err := st.ListRuns(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].CronID)
	require.Equal(t, cronID, *runs[0].CronID)
}

func TestTickOnce_CoalescesMissedTicksIntoOneRun(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An entry that missed many ticks while the Scheduler was down still
	// yields exactly one catch-up run per sweep.
	_, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "long-down", now.Add(-24*time.Hour))
	require.NoError(t, err)

	s.tickOnce(ctx)

	runs, err := st.ListRuns(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestTriggerNow_BypassesNextRunAtWithoutDisturbingCadence(t *testing.T) {
	s, st, tasks := newTestScheduler(t)
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	cronID, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "e", future)
	require.NoError(t, err)

	runID, err := s.TriggerNow(ctx, tasks.Snapshot(), cronID)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	entry, err := st.GetCronEntry(ctx, cronID)
	require.NoError(t, err)
	require.Equal(t, future, entry.NextRunAt)
}

func TestTriggerNow_UnknownCronID(t *testing.T) {
	s, _, tasks := newTestScheduler(t)
	_, err := s.TriggerNow(context.Background(), tasks.Snapshot(), "missing")
	require.ErrorIs(t, err, ErrCronEntryNotFound)
}
