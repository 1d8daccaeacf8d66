package actions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/kv/inmem"
)

func newStore(t *testing.T, clock *time.Time) *actions.Store {
	t.Helper()
	s, err := actions.New(actions.Options{
		Store: inmem.New(),
		Clock: func() time.Time { return *clock },
		TTL:   30 * time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestCreateValidatesInput(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	ctx := context.Background()

	_, _, err := s.Create(ctx, actions.CreateInput{Description: "no tool", Risk: actions.RiskLow})
	require.Error(t, err)

	_, _, err = s.Create(ctx, actions.CreateInput{Tool: "slack_post_summary", Risk: actions.RiskLow})
	require.Error(t, err)

	_, _, err = s.Create(ctx, actions.CreateInput{Tool: "slack_post_summary", Description: "post", Risk: "severe"})
	require.Error(t, err)
}

func TestConfirmFlow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	ctx := context.Background()

	p, token, err := s.Create(ctx, actions.CreateInput{
		Tool:        "github_open_pr",
		Args:        map[string]any{"branch": "update-prompts"},
		Description: "open a pull request with the new prompt set",
		Risk:        actions.RiskHigh,
		RequestedBy: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, actions.StatusProposed, p.Status)
	require.Equal(t, actions.HashToken(token), p.TokenHash)

	// A wrong token does not decide the proposal.
	_, err = s.Confirm(ctx, p.ID, "wrong", "u2")
	require.ErrorIs(t, err, actions.ErrBadToken)

	got, err := s.Confirm(ctx, p.ID, token, "u2")
	require.NoError(t, err)
	require.Equal(t, actions.StatusConfirmed, got.Status)
	require.Equal(t, "u2", got.DecidedBy)
	require.Equal(t, "github_open_pr", got.Tool)

	// Decided proposals stay decided.
	_, err = s.Confirm(ctx, p.ID, token, "u2")
	require.ErrorIs(t, err, actions.ErrNotPending)
	_, err = s.Cancel(ctx, p.ID, token, "u2")
	require.ErrorIs(t, err, actions.ErrNotPending)
}

func TestCancelFlow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	ctx := context.Background()

	p, token, err := s.Create(ctx, actions.CreateInput{
		Tool: "ecs_restart", Description: "restart the worker service", Risk: actions.RiskMedium,
	})
	require.NoError(t, err)

	got, err := s.Cancel(ctx, p.ID, token, "u1")
	require.NoError(t, err)
	require.Equal(t, actions.StatusCancelled, got.Status)

	_, err = s.Confirm(ctx, "act_missing", token, "u1")
	require.ErrorIs(t, err, actions.ErrNotFound)
}

func TestProposalExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	ctx := context.Background()

	p, token, err := s.Create(ctx, actions.CreateInput{
		Tool: "opportunity_patch", Description: "set stage to submitted", Risk: actions.RiskLow,
	})
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, actions.StatusExpired, got.Status)

	_, err = s.Confirm(ctx, p.ID, token, "u1")
	require.ErrorIs(t, err, actions.ErrNotPending)
}

func TestListPendingSkipsDecidedAndExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(t, &now)
	ctx := context.Background()

	stale, _, err := s.Create(ctx, actions.CreateInput{
		Tool: "a", Description: "stale", Risk: actions.RiskLow,
	})
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)

	live, _, err := s.Create(ctx, actions.CreateInput{
		Tool: "b", Description: "live", Risk: actions.RiskLow,
	})
	require.NoError(t, err)
	decided, token, err := s.Create(ctx, actions.CreateInput{
		Tool: "c", Description: "decided", Risk: actions.RiskLow,
	})
	require.NoError(t, err)
	_, err = s.Cancel(ctx, decided.ID, token, "u1")
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, live.ID, pending[0].ID)
	require.NotEqual(t, stale.ID, pending[0].ID)
}
