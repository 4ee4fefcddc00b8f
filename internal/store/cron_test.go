package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollDueCron_OnlyDueAndEnabled(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	due, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "due", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "future", now.Add(time.Hour))
	require.NoError(t, err)

	entries, err := st.PollDueCron(ctx, now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, due, entries[0].CronID)
}

func TestAdvanceCron_NotReportedAgainUntilNextDue(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	cronID, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "e", now.Add(-time.Minute))
	require.NoError(t, err)

	due, err := st.PollDueCron(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, st.AdvanceCron(ctx, cronID, now, now.Add(time.Hour)))

	due, err = st.PollDueCron(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDeleteCronEntry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	cronID, err := st.CreateCronEntry(ctx, "t1", "* * * * *", nil, "e", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, st.DeleteCronEntry(ctx, cronID))

	got, err := st.GetCronEntry(ctx, cronID)
	require.NoError(t, err)
	require.Nil(t, got)
}
