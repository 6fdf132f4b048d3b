package schedule

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/errors"
	dbtest "github.com/4liaghaie/scraper-dashboard/internal/testing"
)

func newDaily(t *testing.T, cfg DailyConfig) (*DailyPipeline, *tower, *ExecutionStore, *LocalLock) {
	t.Helper()
	tw, srv := newTower(t)
	execs := NewExecutionStore(dbtest.CreateTestDB(t))
	lock := NewLocalLock()
	return NewDailyPipeline(newPilot(srv), lock, execs, cfg, nil), tw, execs, lock
}

func TestDailyPipelineFliesBothLegs(t *testing.T) {
	daily, tw, execs, _ := newDaily(t, DailyConfig{ExportURL: "/exports/products.csv"})
	tw.scripts[KindFreshRun] = []string{"queued", "running", "done"}
	tw.exportCSV = "site,product_url\nrebaid,https://rebaid.com/p/1\n"

	exec, err := daily.Trigger(context.Background(), TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, exec.Status)
	assert.Empty(t, exec.Error)

	require.Len(t, tw.starts, 2)
	assert.Equal(t, KindFreshRun, tw.starts[0].Kind)
	assert.Equal(t, float64(12), tw.starts[0].Params["rebatekey_concurrency"])
	assert.Equal(t, true, tw.starts[0].Params["myvipon_headed"])
	assert.Equal(t, KindAmazonStores, tw.starts[1].Kind)
	assert.Equal(t, float64(6000), tw.starts[1].Params["limit"])
	assert.Equal(t, true, tw.starts[1].Params["missing_only"])
	assert.Empty(t, tw.canceled, "no preflight unless cancel_overlaps")

	require.Len(t, exec.Runs, 3)
	assert.Equal(t, StepRun{Kind: KindFreshRun, RunID: 101, Status: "done", Note: "landed full_fresh_run"}, exec.Runs[0])
	assert.Equal(t, int64(102), exec.Runs[1].RunID)
	assert.Equal(t, "export", exec.Runs[2].Kind)
	assert.Equal(t, "1 rows", exec.Runs[2].Note)

	stored, err := execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, TriggerCron, stored.Trigger)
	require.NotNil(t, stored.FinishedAt)
	assert.Equal(t, exec.Runs, stored.Runs)
}

func TestDailyPipelineContinuesPastRefusedLeg(t *testing.T) {
	daily, tw, _, _ := newDaily(t, DailyConfig{CancelOverlaps: true})
	tw.refuse[KindFreshRun] = http.StatusConflict

	exec, err := daily.Trigger(context.Background(), TriggerCron)
	require.NoError(t, err)

	assert.Equal(t, []string{KindFreshRun, KindAmazonStores}, tw.canceled)
	require.Len(t, exec.Runs, 2)
	assert.Equal(t, StepNotStarted, exec.Runs[0].Status)
	assert.Zero(t, exec.Runs[0].RunID)
	assert.Equal(t, "done", exec.Runs[1].Status, "stores leg still flies")
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "full_fresh_run not_started")
}

func TestDailyPipelineTimedOutLegIsLeftRunning(t *testing.T) {
	daily, tw, _, _ := newDaily(t, DailyConfig{FreshWait: 20 * time.Millisecond})
	tw.scripts[KindFreshRun] = []string{"running"}

	exec, err := daily.Trigger(context.Background(), TriggerCron)
	require.NoError(t, err)
	require.Len(t, exec.Runs, 2)
	assert.Equal(t, StepTimeout, exec.Runs[0].Status)
	assert.Equal(t, "done", exec.Runs[1].Status)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
}

func TestDailyPipelineSkipsWhileLockHeld(t *testing.T) {
	daily, tw, execs, lock := newDaily(t, DailyConfig{})
	release, ok, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	exec, err := daily.Trigger(context.Background(), TriggerCron)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, ExecutionStatusSkipped, exec.Status)
	assert.Empty(t, tw.starts)

	stored, err := execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusSkipped, stored.Status)

	_, err = daily.RunNow(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConflict), "manual passes share the lock")
}

func TestDailyPipelineRunNow(t *testing.T) {
	daily, tw, execs, lock := newDaily(t, DailyConfig{})
	tw.scripts[KindFreshRun] = []string{"running", "running", "done"}

	exec, err := daily.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, exec.Status)
	assert.Equal(t, TriggerManual, exec.Trigger)

	daily.Wait()

	stored, err := execs.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, stored.Status)
	assert.Len(t, stored.Runs, 2)

	release, ok, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "lock released once the pass ends")
	release()
}
