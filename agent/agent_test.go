package agent_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/agent"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/slackadapter"
	"github.com/bidstack/operator/toolerrors"
	"github.com/bidstack/operator/tools"
)

// scriptedAI returns canned responses in order; CallJSON always fails so the
// runtime falls back to heuristic analysis.
type scriptedAI struct {
	mu        sync.Mutex
	responses []model.Response
	calls     int
}

func (s *scriptedAI) CallJSON(context.Context, string, []byte, any, ai.JSONOptions) error {
	return toolerrors.New("analysis model unavailable")
}

func (s *scriptedAI) CompleteChain(_ context.Context, _ model.Request, _ ai.CallOptions, _ time.Duration) (model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return model.Response{Text: "done"}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func toolCall(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func newRepo(t *testing.T) *opportunity.Repo {
	t.Helper()
	repo, err := opportunity.NewRepo(opportunity.Options{Store: inmem.New()})
	require.NoError(t, err)
	return repo
}

func scopedRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	r.MustRegister(tools.Tool{
		Name:        "opportunity_load",
		Description: "load state",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"stage": "qualifying"}, nil
		},
	})
	r.MustRegister(tools.Tool{
		Name:        "opportunity_patch",
		Description: "patch state",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"patched": true}, nil
		},
		Write: true,
	})
	return r
}

func newRuntime(t *testing.T, stub *scriptedAI, repo *opportunity.Repo, registry *tools.Registry) *agent.Runtime {
	t.Helper()
	rt, err := agent.New(agent.Options{Registry: registry, AI: stub, Opportunities: repo})
	require.NoError(t, err)
	return rt
}

func TestLinkWhereUnlinkShortcuts(t *testing.T) {
	repo := newRepo(t)
	rt := newRuntime(t, &scriptedAI{}, repo, tools.NewRegistry())
	ctx := context.Background()
	in := agent.Input{ChannelID: "C1", ThreadTS: "171.001", UserSub: "u1"}

	in.Message = "link rfp_abc123"
	out, err := rt.Run(ctx, in, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "rfp_abc123")

	in.Message = "where"
	out, err = rt.Run(ctx, in, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "rfp_abc123")

	in.Message = "unlink"
	out, err = rt.Run(ctx, in, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "no longer linked")

	in.Message = "where"
	out, err = rt.Run(ctx, in, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "not linked")
}

func TestLinkWithoutIDExplains(t *testing.T) {
	rt := newRuntime(t, &scriptedAI{}, newRepo(t), tools.NewRegistry())
	out, err := rt.Run(context.Background(), agent.Input{Message: "link the thing", ChannelID: "C1"}, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "RFP id")
}

func TestUnscopedRFPQuestionAsksForBinding(t *testing.T) {
	stub := &scriptedAI{}
	rt := newRuntime(t, stub, newRepo(t), tools.NewRegistry())

	out, err := rt.Run(context.Background(), agent.Input{
		Message: "what is the proposal deadline?", ChannelID: "C1", ThreadTS: "171.001",
	}, nil)
	require.NoError(t, err)
	require.Contains(t, out.Reply, "Which RFP")
	require.Zero(t, stub.calls)
}

func TestRunLoopEnforcesProtocolAndEmitsEvents(t *testing.T) {
	repo := newRepo(t)
	stub := &scriptedAI{responses: []model.Response{
		// Write before load: rejected by the protocol gate, not dispatched.
		{ToolCalls: []model.ToolCall{toolCall("c1", "opportunity_patch", `{"stage": "won"}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c2", "opportunity_load", `{}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c3", "opportunity_patch", `{"stage": "won"}`)}},
		{Text: "Recorded the stage change."},
	}}
	rt := newRuntime(t, stub, repo, scopedRegistry(t))
	ctx := context.Background()

	out, err := rt.Run(ctx, agent.Input{
		Message: "set the deadline stage on rfp_abc123", ChannelID: "C1", ThreadTS: "171.001", UserSub: "u1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "rfp_abc123", out.RFPID)
	require.Equal(t, "Recorded the stage change.", out.Reply)
	require.Equal(t, []string{"opportunity_patch", "opportunity_load", "opportunity_patch"}, out.ToolsUsed)

	// Only dispatched calls land in the event log; the protocol rejection
	// does not.
	events, err := repo.ListEvents(ctx, "rfp_abc123", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	correlation := events[0].CorrelationID
	require.True(t, strings.HasPrefix(correlation, "run_"))
	for _, e := range events {
		require.Equal(t, "tool_call", e.Type)
		require.Equal(t, correlation, e.CorrelationID)
	}
}

// fakeChat records posted messages and stubs the rest of the chat API.
type fakeChat struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeChat) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	f.posts = append(f.posts, values.Get("text"))
	f.mu.Unlock()
	return channelID, "171.001", nil
}

func (f *fakeChat) GetConversationHistoryContext(context.Context, *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	return &slack.GetConversationHistoryResponse{}, nil
}

func (f *fakeChat) GetConversationRepliesContext(context.Context, *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return nil, false, "", nil
}

func (f *fakeChat) OpenConversationContext(context.Context, *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	return &slack.Channel{}, false, false, nil
}

func (f *fakeChat) CreateCanvasContext(context.Context, string, slack.DocumentContent) (string, error) {
	return "", nil
}

func (f *fakeChat) GetFileInfoContext(context.Context, string, int, int) (*slack.File, []slack.Comment, *slack.Paging, error) {
	return nil, nil, nil, nil
}

func (f *fakeChat) GetUserInfoContext(context.Context, string) (*slack.User, error) {
	return &slack.User{}, nil
}

func TestRunLoopPersistsJournalWithCorrelation(t *testing.T) {
	repo := newRepo(t)
	fake := &fakeChat{}
	chat, err := slackadapter.New(slackadapter.Options{Client: fake})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	tools.RegisterOpportunity(registry, repo)
	tools.RegisterSlack(registry, chat, nil)

	stub := &scriptedAI{responses: []model.Response{
		{ToolCalls: []model.ToolCall{toolCall("c1", "opportunity_load", `{"rfpId":"rfp_abc123"}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c2", "opportunity_patch", `{"rfpId":"rfp_abc123","patch":{"stage":"pricing"}}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c3", "journal_append", `{"rfpId":"rfp_abc123","whatChanged":"Moved to pricing after the cost call."}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c4", "slack_post_summary", `{"channelId":"C1","text":"rfp_abc123 moved to pricing."}`)}},
		{Text: "Posted the update."},
	}}
	rt := newRuntime(t, stub, repo, registry)
	ctx := context.Background()

	out, err := rt.Run(ctx, agent.Input{
		Message:   "log that rfp_abc123 moved to pricing after the cost call and tell the channel",
		ChannelID: "C1", ThreadTS: "171.001", UserSub: "u1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "rfp_abc123", out.RFPID)
	require.True(t, out.Posted)
	require.Equal(t, []string{"opportunity_load", "opportunity_patch", "journal_append", "slack_post_summary"}, out.ToolsUsed)
	require.Equal(t, []string{"rfp_abc123 moved to pricing."}, fake.posts)

	// The journal entry persisted and carries the run correlation id.
	entries, err := repo.ListEntries(ctx, "rfp_abc123", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Moved to pricing after the cost call.", entries[0].WhatChanged)
	correlation, _ := entries[0].Meta["correlationId"].(string)
	require.True(t, strings.HasPrefix(correlation, "run_"))

	// Every dispatched call shares that correlation id in the event log.
	events, err := repo.ListEvents(ctx, "rfp_abc123", 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for _, e := range events {
		require.Equal(t, "tool_call", e.Type)
		require.Equal(t, correlation, e.CorrelationID)
	}

	state, err := repo.EnsureState(ctx, "rfp_abc123")
	require.NoError(t, err)
	require.Equal(t, "pricing", state.Stage)
}

func TestRunLoopStopsAtStepBudget(t *testing.T) {
	repo := newRepo(t)
	registry := scopedRegistry(t)
	// Endless tool calling: every step asks to load again.
	var responses []model.Response
	for i := 0; i < 50; i++ {
		responses = append(responses, model.Response{
			ToolCalls: []model.ToolCall{toolCall("c", "opportunity_load", `{}`)},
		})
	}
	stub := &scriptedAI{responses: responses}
	rt := newRuntime(t, stub, repo, registry)

	out, err := rt.Run(context.Background(), agent.Input{
		Message: "what is the deadline for rfp_abc123", ChannelID: "C1",
	}, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, out.Steps, 10)
	require.Equal(t, out.Steps, stub.calls)
	require.Empty(t, out.Reply)
}
