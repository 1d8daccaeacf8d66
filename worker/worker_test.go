package worker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/executor"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/slackadapter"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/tools"
	"github.com/bidstack/operator/worker"
)

// fakeSlack records posted messages and stubs the rest of the API surface.
type fakeSlack struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	f.posts = append(f.posts, values.Get("text"))
	f.mu.Unlock()
	return channelID, "171.001", nil
}

func (f *fakeSlack) GetConversationHistoryContext(context.Context, *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	return &slack.GetConversationHistoryResponse{}, nil
}

func (f *fakeSlack) GetConversationRepliesContext(context.Context, *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return nil, false, "", nil
}

func (f *fakeSlack) OpenConversationContext(context.Context, *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	return &slack.Channel{}, false, false, nil
}

func (f *fakeSlack) CreateCanvasContext(context.Context, string, slack.DocumentContent) (string, error) {
	return "", nil
}

func (f *fakeSlack) GetFileInfoContext(context.Context, string, int, int) (*slack.File, []slack.Comment, *slack.Paging, error) {
	return nil, nil, nil, nil
}

func (f *fakeSlack) GetUserInfoContext(context.Context, string) (*slack.User, error) {
	return &slack.User{}, nil
}

type plannerAI struct{}

func (plannerAI) CallJSON(context.Context, string, []byte, any, ai.JSONOptions) error {
	return nil
}

type fixture struct {
	worker *worker.Worker
	jobs   *jobs.Store
	repo   *opportunity.Repo
	slack  *fakeSlack
	calls  *[]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	js, err := jobs.NewStore(jobs.Options{Store: inmem.New()})
	require.NoError(t, err)
	repo, err := opportunity.NewRepo(opportunity.Options{Store: inmem.New()})
	require.NoError(t, err)

	var calls []string
	var mu sync.Mutex
	r := tools.NewRegistry()
	r.MustRegister(tools.Tool{
		Name:        "ping",
		Description: "records an execution",
		Handler: func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			calls = append(calls, "ping")
			mu.Unlock()
			return map[string]any{"ok": true}, nil
		},
		Write: true,
	})

	planner, err := executor.NewPlanner(plannerAI{}, r, telemetry.NopLogger{})
	require.NoError(t, err)
	orch, err := executor.New(executor.Options{Registry: r, Jobs: js})
	require.NoError(t, err)

	fake := &fakeSlack{}
	chat, err := slackadapter.New(slackadapter.Options{Client: fake})
	require.NoError(t, err)

	w, err := worker.New(worker.Options{
		Jobs:          js,
		Planner:       planner,
		Orchestrator:  orch,
		Opportunities: repo,
		Chat:          chat,
	})
	require.NoError(t, err)
	return fixture{worker: w, jobs: js, repo: repo, slack: fake, calls: &calls}
}

func pinnedPlan(tool string) map[string]any {
	return map[string]any{
		"goal": "run one step",
		"steps": []any{
			map[string]any{"step_id": "a", "name": "run", "tool": tool},
		},
	}
}

func TestDrainRunsAgentExecuteJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:    jobs.TypeAgentExecute,
		Payload: map[string]any{"request": "run the step", "plan": pinnedPlan("ping")},
	})
	require.NoError(t, err)

	ran, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.Equal(t, []string{"ping"}, *f.calls)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.Equal(t, true, got.Result["success"])
}

func TestDrainFailsAgentExecuteWithoutRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.jobs.Create(ctx, jobs.CreateInput{Type: jobs.TypeAgentExecute})
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Contains(t, got.Error, "payload.request")
}

func TestDrainFailsUnknownJobType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.jobs.Create(ctx, jobs.CreateInput{Type: "mystery"})
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Contains(t, got.Error, "unknown job type")
}

func TestDrainWaitsForJobDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:    jobs.TypeAgentExecute,
		Payload: map[string]any{"request": "run the step", "plan": pinnedPlan("ping")},
		DueAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	child, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:      jobs.TypeAgentExecute,
		Payload:   map[string]any{"request": "run the step", "plan": pinnedPlan("ping")},
		DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	// The dependency has not completed, so the child stays queued.
	ran, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, ran)
	got, err := f.jobs.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, got.Status)

	require.NoError(t, f.jobs.Complete(ctx, dep.ID, nil))
	ran, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	got, err = f.jobs.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.Equal(t, []string{"ping"}, *f.calls)
}

func TestDrainFailsJobWhoseDependencyFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:  jobs.TypeAgentExecute,
		DueAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	child, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:      jobs.TypeAgentExecute,
		Payload:   map[string]any{"request": "run the step", "plan": pinnedPlan("ping")},
		DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	require.NoError(t, f.jobs.Fail(ctx, dep.ID, "validation: malformed input"))
	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Contains(t, got.Error, dep.ID)
	require.Empty(t, *f.calls)
}

func TestMaintenanceSchedulesAndSendsNudges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(24 * time.Hour).Format("2006-01-02")
	_, _, err := f.repo.PatchState(ctx, "rfp_9", map[string]any{
		"dueDates": map[string]any{"Submission": soon},
	}, false)
	require.NoError(t, err)

	maint, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:    jobs.TypeMaintenance,
		Payload: map[string]any{"channelId": "C9"},
	})
	require.NoError(t, err)

	ran, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	got, err := f.jobs.Get(ctx, maint.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)

	// The sweep filed a nudge job; the next drain delivers it.
	ran, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.Len(t, f.slack.posts, 1)
	require.Contains(t, f.slack.posts[0], "Reminder")
	require.Contains(t, f.slack.posts[0], "rfp_9")

	// A repeated sweep reuses the delivered nudge instead of re-sending.
	_, err = f.jobs.Create(ctx, jobs.CreateInput{
		Type:    jobs.TypeMaintenance,
		Payload: map[string]any{"channelId": "C9"},
	})
	require.NoError(t, err)
	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, f.slack.posts, 1)
}

func TestDigestPostsRecentOpportunities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.repo.PatchState(ctx, "rfp_a", map[string]any{"stage": "drafting", "summary": "fiber bid"}, false)
	require.NoError(t, err)
	_, _, err = f.repo.PatchState(ctx, "rfp_b", map[string]any{"stage": "submitted"}, false)
	require.NoError(t, err)

	job, err := f.jobs.Create(ctx, jobs.CreateInput{
		Type:    jobs.TypeDigest,
		Payload: map[string]any{"channelId": "C9"},
	})
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)

	require.Len(t, f.slack.posts, 1)
	digest := f.slack.posts[0]
	require.True(t, strings.HasPrefix(digest, "Opportunity digest:"))
	require.Contains(t, digest, "rfp_a")
	require.Contains(t, digest, "rfp_b")
	require.Contains(t, digest, "fiber bid")
}

func TestMemoryCompressWithoutStoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.jobs.Create(ctx, jobs.CreateInput{Type: jobs.TypeMemoryCompress})
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
	require.Contains(t, got.Error, "memory store")
}
