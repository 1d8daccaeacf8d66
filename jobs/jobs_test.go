package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/kv/inmem"
)

type tickClock struct{ t time.Time }

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newStore(t *testing.T) (*jobs.Store, *tickClock) {
	t.Helper()
	clock := &tickClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := jobs.NewStore(jobs.Options{Store: inmem.New(), Clock: clock.now})
	require.NoError(t, err)
	return s, clock
}

func TestCreateIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, jobs.CreateInput{
		Type:           jobs.TypeDigest,
		IdempotencyKey: "digest:2026-03-01",
	})
	require.NoError(t, err)

	second, err := s.Create(ctx, jobs.CreateInput{
		Type:           jobs.TypeDigest,
		IdempotencyKey: "digest:2026-03-01",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeDigest})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	_, err = s.Create(ctx, jobs.CreateInput{})
	require.Error(t, err)
}

func TestStateMachine(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeAgentExecute, RFPID: "rfp_1"})
	require.NoError(t, err)

	claimed, err := s.TryMarkRunning(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second claimer loses without an error.
	claimed, err = s.TryMarkRunning(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, s.UpdateProgress(ctx, job.ID, 40, "executing", "step 2 of 5"))
	require.NoError(t, s.Complete(ctx, job.ID, map[string]any{"success": true}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)

	// Terminal jobs are not cancellable.
	require.ErrorIs(t, s.Cancel(ctx, job.ID), jobs.ErrNotCancellable)

	_, err = s.Get(ctx, "job_missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeSlackNudge})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, job.ID))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, got.Status)

	require.ErrorIs(t, s.Cancel(ctx, "job_missing"), jobs.ErrNotFound)
}

func TestQueryDueOrdersAndFilters(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	base := clock.t

	late, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeDigest, DueAt: base.Add(-time.Minute)})
	require.NoError(t, err)
	early, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeDigest, DueAt: base.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.Create(ctx, jobs.CreateInput{Type: jobs.TypeDigest, DueAt: base.Add(time.Hour)})
	require.NoError(t, err)

	due, err := s.QueryDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, early.ID, due[0].ID)
	require.Equal(t, late.ID, due[1].ID)

	// Claimed jobs leave the queued index.
	claimed, err := s.TryMarkRunning(ctx, early.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	due, err = s.QueryDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeAgentExecute})
	require.NoError(t, err)

	_, err = s.LatestCheckpoint(ctx, job.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, jobs.Checkpoint{
		JobID: job.ID, Seq: 1, State: map[string]any{"step": "collect"},
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, jobs.Checkpoint{
		JobID: job.ID, Seq: 2, State: map[string]any{"step": "draft"},
	}))

	cp, err := s.LatestCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, cp.Seq)
	require.Equal(t, "draft", cp.State["step"])
}

func TestRecentJobSummaries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, jobs.CreateInput{Type: jobs.TypeAgentExecute, RFPID: "rfp_7"})
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, job.ID, "planner timeout"))

	lines, err := s.RecentJobSummaries(ctx, "rfp_7", 5)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], jobs.TypeAgentExecute)
	require.Contains(t, lines[0], "planner timeout")

	lines, err = s.RecentJobSummaries(ctx, "rfp_other", 5)
	require.NoError(t, err)
	require.Empty(t, lines)
}
