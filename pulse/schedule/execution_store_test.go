package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/errors"
	dbtest "github.com/4liaghaie/scraper-dashboard/internal/testing"
)

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore(dbtest.CreateTestDB(t))

	exec := &Execution{Trigger: TriggerManual}
	require.NoError(t, store.Create(ctx, exec))
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, ExecutionStatusRunning, exec.Status)

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.Empty(t, got.Runs)
	assert.Zero(t, got.Duration())

	exec.Status = ExecutionStatusFailed
	exec.Error = "amazon_stores timeout"
	exec.Runs = []StepRun{
		{Kind: KindFreshRun, RunID: 4, Status: "done"},
		{Kind: KindAmazonStores, RunID: 5, Status: StepTimeout},
	}
	require.NoError(t, store.Finish(ctx, exec))

	got, err = store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, got.Status)
	assert.Equal(t, "amazon_stores timeout", got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, exec.Runs, got.Runs)
}

func TestExecutionFinishUnknown(t *testing.T) {
	store := NewExecutionStore(dbtest.CreateTestDB(t))
	err := store.Finish(context.Background(), &Execution{ID: "nope", Status: ExecutionStatusCompleted})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestExecutionListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewExecutionStore(dbtest.CreateTestDB(t))
	base := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &Execution{
			ID:        string(rune('a' + i)),
			Trigger:   TriggerCron,
			StartedAt: base.AddDate(0, 0, i),
		}))
	}

	list, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
