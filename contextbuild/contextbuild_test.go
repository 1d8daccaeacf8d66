package contextbuild_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/contextbuild"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/opportunity"
)

type fakeHistory struct{ msgs []string }

func (f fakeHistory) ThreadHistory(context.Context, string, string, int) ([]string, error) {
	return f.msgs, nil
}

type fakeJobs struct{ lines []string }

func (f fakeJobs) RecentJobSummaries(context.Context, string, int) ([]string, error) {
	return f.lines, nil
}

func newFixture(t *testing.T) (*contextbuild.Builder, *opportunity.Repo, *memory.Store) {
	t.Helper()
	store := inmem.New()
	repo, err := opportunity.NewRepo(opportunity.Options{Store: store})
	require.NoError(t, err)
	mems, err := memory.New(memory.Options{Store: store})
	require.NoError(t, err)
	builder, err := contextbuild.New(contextbuild.Options{
		Opportunities: repo,
		Memories:      mems,
		History:       fakeHistory{msgs: []string{"u: hello", "agent: hi"}},
		Jobs:          fakeJobs{lines: []string{"job_1 completed proposal render"}},
	})
	require.NoError(t, err)
	return builder, repo, mems
}

func TestBuildIncludesBlocksInPriorityOrder(t *testing.T) {
	builder, repo, mems := newFixture(t)
	ctx := context.Background()

	_, _, err := repo.PatchState(ctx, "rfp_1", map[string]any{
		"summary": "hospital network expansion proposal",
		"stage":   "drafting",
	}, false)
	require.NoError(t, err)
	_, err = mems.Create(ctx, memory.CreateInput{
		Type: memory.TypeSemantic, ScopeID: "RFP#rfp_1",
		Content: "client prefers fixed-price contracts",
	})
	require.NoError(t, err)

	out, err := builder.Build(ctx, contextbuild.Input{
		Identity:  identity.Identity{Sub: "sub-1", DisplayName: "Ana", Email: "ana@example.com"},
		ChannelID: "C1", ThreadTS: "T1",
		RFPID: "rfp_1",
		Query: "contract terms",
	})
	require.NoError(t, err)

	userIdx := strings.Index(out, "## User")
	histIdx := strings.Index(out, "## Thread history")
	stateIdx := strings.Index(out, "## Opportunity")
	memIdx := strings.Index(out, "## Memories")
	require.GreaterOrEqual(t, userIdx, 0)
	require.Greater(t, histIdx, userIdx)
	require.Greater(t, stateIdx, histIdx)
	require.Greater(t, memIdx, stateIdx)
	require.Contains(t, out, "hospital network expansion")
	require.Contains(t, out, "fixed-price contracts")
	require.Contains(t, out, "job_1 completed")
}

func TestBuildTruncatesLowestPriorityFirst(t *testing.T) {
	builder, repo, _ := newFixture(t)
	ctx := context.Background()

	long := strings.Repeat("milestone detail. ", 60)
	_, _, err := repo.PatchState(ctx, "rfp_2", map[string]any{"summary": long}, false)
	require.NoError(t, err)

	out, err := builder.Build(ctx, contextbuild.Input{
		Identity:   identity.Identity{Sub: "sub-1", DisplayName: "Ana"},
		ChannelID:  "C1",
		ThreadTS:   "T1",
		RFPID:      "rfp_2",
		CharBudget: 220,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), 220)
	// The identity block survives; tail blocks are the ones sacrificed.
	require.Contains(t, out, "## User")
	require.NotContains(t, out, "## Memories")
}

func TestRelatedRFPsByKeywordOverlap(t *testing.T) {
	builder, repo, _ := newFixture(t)
	ctx := context.Background()

	_, _, err := repo.PatchState(ctx, "rfp_a", map[string]any{"summary": "municipal water treatment plant upgrade"}, false)
	require.NoError(t, err)
	_, _, err = repo.PatchState(ctx, "rfp_b", map[string]any{"summary": "water treatment facility maintenance"}, false)
	require.NoError(t, err)
	_, _, err = repo.PatchState(ctx, "rfp_c", map[string]any{"summary": "school cafeteria catering"}, false)
	require.NoError(t, err)

	out, err := builder.Build(ctx, contextbuild.Input{
		Identity: identity.Identity{Sub: "sub-1", DisplayName: "Ana"},
		RFPID:    "rfp_a",
	})
	require.NoError(t, err)
	require.Contains(t, out, "rfp_b")
	require.NotContains(t, out, "rfp_c")
}
