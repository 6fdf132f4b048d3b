package async

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4liaghaie/scraper-dashboard/errors"
	dbtest "github.com/4liaghaie/scraper-dashboard/internal/testing"
)

// ============================================================================
// Ledger Test Universe
// ============================================================================
//
// Characters:
//   - Clerk: Opens runs in the ledger and writes every tick down
//   - Auditor: Reads the ledger back and checks the sums
//
// Theme: the store is a ledger. The Clerk never erases a line, the Auditor
// only trusts what was committed.
// ============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.CreateTestDB(t))
}

func createTestRun(t *testing.T, s *Store, kind string) int64 {
	t.Helper()
	ctx := context.Background()
	jobID, err := s.GetOrCreateJob(ctx, kind)
	require.NoError(t, err)
	runID, err := s.CreateRun(ctx, jobID, 0, map[string]interface{}{"params": map[string]interface{}{"limit": 5}})
	require.NoError(t, err)
	return runID
}

func TestClerkCreatesJobOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateJob(ctx, "full_fresh_run")
	require.NoError(t, err)
	second, err := s.GetOrCreateJob(ctx, "full_fresh_run")
	require.NoError(t, err)
	other, err := s.GetOrCreateJob(ctx, "amazon_stores")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestClerkOpensQueuedRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID := createTestRun(t, s, "rebaid_urls")
	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, "rebaid_urls", run.Kind)
	assert.Equal(t, StatusQueued, run.Status)
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)
	require.Contains(t, run.Meta, "params")
	assert.Equal(t, float64(5), run.Meta["params"].(map[string]interface{})["limit"])
}

func TestAuditorMissingRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClerkMarkRunningSetsStartedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := createTestRun(t, s, "rebaid_urls")

	applied, err := s.MarkRunning(ctx, runID, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	first, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	total := 12
	applied, err = s.MarkRunning(ctx, runID, &total)
	require.NoError(t, err)
	assert.True(t, applied)
	second, err := s.GetRun(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, second.Status)
	assert.Equal(t, 12, second.Total)
	assert.True(t, first.StartedAt.Equal(*second.StartedAt), "started_at must not move")
}

func TestClerkTickRaisesTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := createTestRun(t, s, "rebaid_details")

	total := 2
	_, err := s.MarkRunning(ctx, runID, &total)
	require.NoError(t, err)

	snap, err := s.ApplyTick(ctx, runID, true, 3, Event{Level: "info", Message: "batch"})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 3, snap.Processed)
	assert.Equal(t, 3, snap.OK)
	snap, err = s.ApplyTick(ctx, runID, false, 1, Event{Level: "error", Message: "failed"})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 4, snap.Processed, "snapshot carries the counters its own tick wrote")
	assert.Equal(t, 1, snap.Fail)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.Processed)
	assert.Equal(t, 3, run.OK)
	assert.Equal(t, 1, run.Fail)
	assert.Equal(t, 4, run.Total, "total is raised to processed")

	snap, err = s.ApplyTick(ctx, 4242, true, 1, Event{})
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestClerkFinishAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := createTestRun(t, s, "amazon_stores")

	applied, err := s.Finish(ctx, runID, StatusError, "boom")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Finish(ctx, runID, StatusCanceled, "late")
	require.NoError(t, err)
	assert.False(t, applied)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	assert.Equal(t, "boom", run.Note)
	assert.Equal(t, "boom", run.ErrorText)
	assert.NotNil(t, run.FinishedAt)

	_, err = s.Finish(ctx, runID, StatusRunning, "")
	assert.True(t, errors.IsInvalidRequestError(err))

	// a terminal run can no longer be marked running
	applied, err = s.MarkRunning(ctx, runID, nil)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestAuditorEventsAreOrderedAndTruncated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := createTestRun(t, s, "rebaid_urls")

	require.NoError(t, s.AppendEvent(ctx, runID, Event{Level: "info", Message: "first"}))
	require.NoError(t, s.AppendEvent(ctx, runID, Event{
		Level:   "catastrophic-failure",
		Message: strings.Repeat("x", 1000),
		Meta:    map[string]interface{}{"site": "rebaid"},
	}))
	require.NoError(t, s.AppendEvent(ctx, runID, Event{Level: "info", Message: "third"}))

	events, err := s.ListEvents(ctx, runID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Message)
	assert.Equal(t, "third", events[2].Message)
	assert.Equal(t, "catastro", events[1].Level[:8])
	assert.Len(t, events[1].Level, maxLevelLen)
	assert.Len(t, events[1].Message, maxMessageLen)
	assert.Equal(t, "rebaid", events[1].Meta["site"])

	latest, err := s.ListEvents(ctx, runID, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "third", latest[1].Message, "limit keeps the newest events")
}

func TestClerkPartsAreKeyedBySiteAndStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := createTestRun(t, s, "full_fresh_run")

	urls, err := s.GetOrCreatePart(ctx, runID, "rebaid", "urls")
	require.NoError(t, err)
	again, err := s.GetOrCreatePart(ctx, runID, "rebaid", "urls")
	require.NoError(t, err)
	details, err := s.GetOrCreatePart(ctx, runID, "rebaid", "details")
	require.NoError(t, err)

	assert.Equal(t, urls.ID, again.ID)
	assert.NotEqual(t, urls.ID, details.ID)

	total := 1
	require.NoError(t, s.MarkPartRunning(ctx, details.ID, &total))
	require.NoError(t, s.TickPart(ctx, details.ID, true, 2))
	require.NoError(t, s.TickPart(ctx, details.ID, false, 1))
	applied, err := s.FinishPart(ctx, details.ID, StatusDone, "ok")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetPart(ctx, details.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 2, got.OK)
	assert.Equal(t, 1, got.Fail)
	assert.Equal(t, 3, got.Total)

	parts, err := s.ListParts(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestAuditorListsRunsByFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestRun(t, s, "rebaid_urls")
	b := createTestRun(t, s, "amazon_stores")
	c := createTestRun(t, s, "rebaid_urls")
	_, err := s.Finish(ctx, c, StatusDone, "")
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c, all[0].ID, "newest first")

	byKind, err := s.ListRuns(ctx, RunFilter{Kind: "rebaid_urls"})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	done, err := s.ListRuns(ctx, RunFilter{Status: StatusDone})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, c, done[0].ID)

	unfinished, err := s.ListUnfinishedRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, a, unfinished[0].ID)
	assert.Equal(t, b, unfinished[1].ID)
}
