package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/toolerrors"
	"github.com/bidstack/operator/tools"
)

type stubPlanner struct{ plan any }

func (p stubPlanner) PreviewPlan(context.Context, string, string) (any, error) {
	return p.plan, nil
}

func jobsRegistry(t *testing.T, planner tools.JobPlanner) (*tools.Registry, *jobs.Store) {
	t.Helper()
	store, err := jobs.NewStore(jobs.Options{Store: inmem.New()})
	require.NoError(t, err)
	r := tools.NewRegistry()
	tools.RegisterJobs(r, store, planner)
	return r, store
}

func TestScheduleJobRoundTrip(t *testing.T) {
	r, _ := jobsRegistry(t, nil)
	ctx := context.Background()

	out, err := r.Dispatch(ctx, "schedule_job", json.RawMessage(`{
		"type": "digest_report",
		"payload": {"channelId": "C1"},
		"idempotencyKey": "digest:today"
	}`), true)
	require.NoError(t, err)
	summary := out.(map[string]any)
	jobID := summary["jobId"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t, jobs.StatusQueued, summary["status"])

	// Same idempotency key resolves to the same job.
	again, err := r.Dispatch(ctx, "schedule_job", json.RawMessage(`{
		"type": "digest_report",
		"idempotencyKey": "digest:today"
	}`), true)
	require.NoError(t, err)
	require.Equal(t, jobID, again.(map[string]any)["jobId"])

	detail, err := r.Dispatch(ctx, "agent_job_get", json.RawMessage(`{"jobId": "`+jobID+`"}`), false)
	require.NoError(t, err)
	require.Equal(t, "digest_report", detail.(map[string]any)["type"])

	listed, err := r.Dispatch(ctx, "agent_job_list", json.RawMessage(`{"status": "queued"}`), false)
	require.NoError(t, err)
	require.Len(t, listed.(map[string]any)["jobs"], 1)

	due, err := r.Dispatch(ctx, "agent_job_query_due", json.RawMessage(`{}`), false)
	require.NoError(t, err)
	require.Len(t, due.(map[string]any)["jobs"], 1)

	cancelled, err := r.Dispatch(ctx, "job_cancel", json.RawMessage(`{"jobId": "`+jobID+`"}`), true)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, cancelled.(map[string]any)["status"])
}

func TestScheduleJobRejectsBadDueAt(t *testing.T) {
	r, _ := jobsRegistry(t, nil)

	_, err := r.Dispatch(context.Background(), "schedule_job", json.RawMessage(`{
		"type": "digest_report",
		"dueAt": "tomorrow"
	}`), true)
	requireKind(t, err, toolerrors.KindValidation)
}

func TestScheduleJobIsWriteGated(t *testing.T) {
	r, _ := jobsRegistry(t, nil)

	_, err := r.Dispatch(context.Background(), "schedule_job", json.RawMessage(`{"type": "digest_report"}`), false)
	requireKind(t, err, toolerrors.KindNotAllowed)
}

func TestJobPlanRequiresPlanner(t *testing.T) {
	r, _ := jobsRegistry(t, nil)
	_, err := r.Dispatch(context.Background(), "job_plan", json.RawMessage(`{"request": "assemble the bid"}`), false)
	requireKind(t, err, toolerrors.KindNotConfigured)

	r2, _ := jobsRegistry(t, stubPlanner{plan: map[string]any{"steps": []any{"a"}}})
	out, err := r2.Dispatch(context.Background(), "job_plan", json.RawMessage(`{"request": "assemble the bid"}`), false)
	require.NoError(t, err)
	require.NotNil(t, out.(map[string]any)["plan"])
}
