package opportunity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/opportunity"
)

func newRepo(t *testing.T) *opportunity.Repo {
	t.Helper()
	repo, err := opportunity.NewRepo(opportunity.Options{Store: inmem.New()})
	require.NoError(t, err)
	return repo
}

func TestEnsureStateIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first, err := repo.EnsureState(ctx, "rfp_A")
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.Equal(t, "new", first.Stage)

	again, err := repo.EnsureState(ctx, "rfp_A")
	require.NoError(t, err)
	require.Equal(t, first.Version, again.Version)
}

func TestPatchStateBumpsVersionAndAdvancesUpdatedAt(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	before, err := repo.EnsureState(ctx, "rfp_B")
	require.NoError(t, err)

	after, checks, err := repo.PatchState(ctx, "rfp_B", map[string]any{"stage": "in-review"}, false)
	require.NoError(t, err)
	require.Empty(t, checks)
	require.Equal(t, "in-review", after.Stage)
	require.Equal(t, before.Version+1, after.Version)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt.Add(time.Millisecond)))
}

func TestPatchStateCommitmentProvenance(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	patch := map[string]any{
		"commitments_append": []any{
			map[string]any{
				"text":       "Team to deliver on 2025-01-15",
				"provenance": map[string]any{"source": "slack_thread", "ref": "C1/T1"},
			},
			map[string]any{"text": "no provenance"},
		},
	}
	state, checks, err := repo.PatchState(ctx, "rfp_B", patch, false)
	require.NoError(t, err)
	require.Len(t, state.Commitments, 1)
	require.Equal(t, "Team to deliver on 2025-01-15", state.Commitments[0].Text)
	require.Len(t, checks, 1)
	require.Equal(t, "commitment_provenance", checks[0].Check)
	require.Contains(t, checks[0].Detail, "1")
}

func TestCommitmentsNeverShrink(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	seed := map[string]any{
		"commitments_append": []any{
			map[string]any{"text": "first", "provenance": map[string]any{"source": "email"}},
		},
	}
	_, _, err := repo.PatchState(ctx, "rfp_C", seed, false)
	require.NoError(t, err)

	// A bare "commitments" overwrite is rewritten as an append.
	overwrite := map[string]any{
		"commitments": []any{
			map[string]any{"text": "second", "provenance": map[string]any{"source": "slack_thread"}},
		},
	}
	state, checks, err := repo.PatchState(ctx, "rfp_C", overwrite, false)
	require.NoError(t, err)
	require.Len(t, state.Commitments, 2)
	var found bool
	for _, c := range checks {
		if c.Check == "commitments_add_only" {
			found = true
		}
	}
	require.True(t, found)
}

func TestPatchMergeCommutesForDisjointAppends(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	p1 := map[string]any{"stage": "draft", "risks_append": []any{"timeline"}}
	p2 := map[string]any{"summary": "short", "risks_append": []any{"budget"}}

	_, _, err := repo.PatchState(ctx, "rfp_D", p1, false)
	require.NoError(t, err)
	seq, _, err := repo.PatchState(ctx, "rfp_D", p2, false)
	require.NoError(t, err)

	merged := map[string]any{
		"stage":        "draft",
		"summary":      "short",
		"risks_append": []any{"timeline", "budget"},
	}
	once, _, err := repo.PatchState(ctx, "rfp_E", merged, false)
	require.NoError(t, err)

	require.Equal(t, once.Stage, seq.Stage)
	require.Equal(t, once.Summary, seq.Summary)
	require.Equal(t, once.Risks, seq.Risks)
}

func TestJournalAndEventsOrdered(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendEntry(ctx, opportunity.Entry{
			RFPID:       "rfp_F",
			WhatChanged: "change",
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		}))
	}
	entries, err := repo.ListEntries(ctx, "rfp_F", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	require.True(t, entries[0].CreatedAt.After(entries[2].CreatedAt))

	require.NoError(t, repo.AppendEvent(ctx, opportunity.Event{RFPID: "rfp_F", Type: "tool_call", Tool: "opportunity_load"}))
	events, err := repo.ListEvents(ctx, "rfp_F", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "opportunity_load", events[0].Tool)
}

func TestEventPayloadClipped(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, repo.AppendEvent(ctx, opportunity.Event{
		RFPID:   "rfp_G",
		Type:    "tool_call",
		Payload: map[string]any{"rawText": string(long)},
	}))
	events, err := repo.ListEvents(ctx, "rfp_G", 1)
	require.NoError(t, err)
	clipped, _ := events[0].Payload["rawText"].(string)
	require.LessOrEqual(t, len(clipped), 1800+len("<truncated:3200>"))
	require.Contains(t, clipped, "<truncated:")
}

func TestThreadBinding(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.GetBinding(ctx, "C1", "T1")
	require.ErrorIs(t, err, opportunity.ErrNotFound)

	require.NoError(t, repo.SetBinding(ctx, opportunity.Binding{ChannelID: "C1", ThreadTS: "T1", RFPID: "rfp_H", BoundBy: "U1"}))
	b, err := repo.GetBinding(ctx, "C1", "T1")
	require.NoError(t, err)
	require.Equal(t, "rfp_H", b.RFPID)
}

func TestTemplateVersioning(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	tmpl, err := repo.CommitTemplateVersion(ctx, opportunity.TemplateVersion{TemplateID: "tpl_1", BlobKey: "contracting/tpl_1/v1.docx"})
	require.NoError(t, err)
	require.Equal(t, 1, tmpl.CurrentVersion)

	tmpl, err = repo.CommitTemplateVersion(ctx, opportunity.TemplateVersion{TemplateID: "tpl_1", BlobKey: "contracting/tpl_1/v2.docx"})
	require.NoError(t, err)
	require.Equal(t, 2, tmpl.CurrentVersion)

	v1, err := repo.GetTemplateVersion(ctx, "tpl_1", 1)
	require.NoError(t, err)
	require.Equal(t, "contracting/tpl_1/v1.docx", v1.BlobKey)
}

func TestChangeProposalLifecycle(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	p, err := repo.CreateProposal(ctx, opportunity.ChangeProposal{
		Title:     "Tighten retry caps",
		Summary:   "Lower validation retries to one attempt",
		Patch:     "--- a/retry.go\n+++ b/retry.go\n",
		CreatedBy: "U1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := repo.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Title, got.Title)

	list, err := repo.ListProposals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
