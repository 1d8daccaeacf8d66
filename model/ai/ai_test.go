package ai_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/model/ai"
)

type step struct {
	resp model.Response
	err  error
}

type fakeProvider struct {
	steps []step
	calls int
	seen  []model.Request
}

func (f *fakeProvider) Complete(_ context.Context, req model.Request) (model.Response, error) {
	f.seen = append(f.seen, req)
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	s := f.steps[i]
	return s.resp, s.err
}

func noSleep(context.Context, time.Duration) {}

func newClient(t *testing.T, provider model.Client, chain []string) *ai.Client {
	t.Helper()
	c, err := ai.New(ai.Options{
		OpenAI:       provider,
		DefaultChain: chain,
		Sleep:        noSleep,
	})
	require.NoError(t, err)
	return c
}

func TestCallTextSuccess(t *testing.T) {
	provider := &fakeProvider{steps: []step{{resp: model.Response{Text: "hello"}}}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	out, err := c.CallText(context.Background(), "say hello", ai.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "hello", out)
	require.Equal(t, "gpt-5-mini", provider.seen[0].Model)
}

func TestCallTextRetriesTransient(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{err: errors.New("connection reset by peer")},
		{resp: model.Response{Text: "recovered"}},
	}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	out, err := c.CallText(context.Background(), "q", ai.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
	require.Equal(t, 2, provider.calls)
}

func TestChainFallsThroughOnModelAccess(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{err: model.ErrModelAccess},
		{resp: model.Response{Text: "fallback model answered"}},
	}}
	c := newClient(t, provider, []string{"gpt-5", "gpt-4o"})

	out, err := c.CallText(context.Background(), "q", ai.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "fallback model answered", out)
	// Exactly one call per model: no retry on access errors.
	require.Equal(t, 2, provider.calls)
	require.Equal(t, "gpt-4o", provider.seen[1].Model)
}

func TestValidationErrorsDoNotRetry(t *testing.T) {
	provider := &fakeProvider{steps: []step{{err: errors.New("invalid request: bad parameter")}}}
	c := newClient(t, provider, []string{"gpt-5-mini", "gpt-4o"})

	_, err := c.CallText(context.Background(), "q", ai.CallOptions{})
	require.Error(t, err)
	require.Equal(t, 1, provider.calls)
}

func TestCircuitBreakerOpensAfterFiveRetryableFailures(t *testing.T) {
	provider := &fakeProvider{steps: []step{{err: errors.New("rate limit exceeded")}}}
	c := newClient(t, provider, []string{"gpt-5-mini"})
	ctx := context.Background()

	// Five provider-reaching retryable failures trip the breaker. Each
	// CallText issues up to 3 attempts.
	for i := 0; i < 2; i++ {
		_, err := c.CallText(ctx, "q", ai.CallOptions{})
		require.Error(t, err)
	}
	callsBefore := provider.calls
	require.GreaterOrEqual(t, callsBefore, 5)

	_, err := c.CallText(ctx, "q", ai.CallOptions{})
	require.ErrorIs(t, err, ai.ErrUnavailable)
	require.Equal(t, callsBefore, provider.calls, "open circuit must not reach the provider")
}

func TestCircuitBreakerResetsOnInterleavedSuccess(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{err: errors.New("rate limit exceeded")},
		{resp: model.Response{Text: "ok"}},
		{err: errors.New("rate limit exceeded")},
		{err: errors.New("rate limit exceeded")},
		{err: errors.New("rate limit exceeded")},
		{err: errors.New("rate limit exceeded")},
	}}
	c := newClient(t, provider, []string{"gpt-5-mini"})
	ctx := context.Background()
	opts := ai.CallOptions{MaxAttempts: 1}

	_, err := c.CallText(ctx, "q", opts)
	require.Error(t, err)
	out, err := c.CallText(ctx, "q", opts)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	// The success reset the consecutive count, so four more failures stay
	// under the threshold and every call still reaches the provider.
	for i := 0; i < 4; i++ {
		_, err = c.CallText(ctx, "q", opts)
		require.Error(t, err)
		require.NotErrorIs(t, err, ai.ErrUnavailable)
	}
	require.Equal(t, 6, provider.calls)

	// The fifth consecutive failure trips the breaker.
	_, err = c.CallText(ctx, "q", opts)
	require.Error(t, err)
	require.Equal(t, 7, provider.calls)
	_, err = c.CallText(ctx, "q", opts)
	require.ErrorIs(t, err, ai.ErrUnavailable)
	require.Equal(t, 7, provider.calls, "open circuit must not reach the provider")
}

func TestWritingControlsReachProvider(t *testing.T) {
	provider := &fakeProvider{steps: []step{{resp: model.Response{Text: "prose"}}}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	_, err := c.CallText(context.Background(), "expand the cover letter", ai.CallOptions{
		Verbosity:          "high",
		PreviousResponseID: "resp_123",
	})
	require.NoError(t, err)
	require.Equal(t, "high", provider.seen[0].Verbosity)
	require.Equal(t, "resp_123", provider.seen[0].PreviousResponseID)
}

func TestCallJSONDecodesStrictResponse(t *testing.T) {
	provider := &fakeProvider{steps: []step{{resp: model.Response{Text: `{"stage":"draft","score":3}`}}}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	schema := []byte(`{"type":"object","properties":{"stage":{"type":"string"},"score":{"type":"integer"}},"required":["stage","score"],"additionalProperties":false}`)
	var out struct {
		Stage string `json:"stage"`
		Score int    `json:"score"`
	}
	err := c.CallJSON(context.Background(), "classify", schema, &out, ai.JSONOptions{})
	require.NoError(t, err)
	require.Equal(t, "draft", out.Stage)
	require.Equal(t, 3, out.Score)
}

func TestCallJSONExtractsEmbeddedObject(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{resp: model.Response{Text: "not json at all"}},
		{resp: model.Response{Text: "Here you go:\n{\"stage\":\"won\",\"score\":9} hope that helps"}},
	}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	schema := []byte(`{"type":"object","properties":{"stage":{"type":"string"},"score":{"type":"integer"}},"required":["stage","score"],"additionalProperties":false}`)
	var out map[string]any
	err := c.CallJSON(context.Background(), "classify", schema, &out, ai.JSONOptions{})
	require.NoError(t, err)
	require.Equal(t, "won", out["stage"])

	// The retry carried feedback about the first failure.
	last := provider.seen[len(provider.seen)-1]
	var sawFeedback bool
	for _, m := range last.Messages {
		if m.Role == model.RoleUser && len(m.Content) > 0 && m.Content != "classify" {
			sawFeedback = true
		}
	}
	require.True(t, sawFeedback)
}

func TestCallJSONSchemaRejectsWrongShape(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{resp: model.Response{Text: `{"stage":42}`}},
		{resp: model.Response{Text: `{"stage":"draft"}`}},
	}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	schema := []byte(`{"type":"object","properties":{"stage":{"type":"string"}},"required":["stage"],"additionalProperties":false}`)
	var out map[string]any
	err := c.CallJSON(context.Background(), "classify", schema, &out, ai.JSONOptions{})
	require.NoError(t, err)
	require.Equal(t, "draft", out["stage"])
	require.Equal(t, 2, provider.calls)
}

func TestCallJSONFallback(t *testing.T) {
	provider := &fakeProvider{steps: []step{{resp: model.Response{Text: "garbage"}}}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	var out map[string]any
	err := c.CallJSON(context.Background(), "classify", nil, &out, ai.JSONOptions{
		Fallback: func() (any, error) {
			return map[string]any{"stage": "unknown"}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "unknown", out["stage"])
}

func TestCallJSONValidatePredicate(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{resp: model.Response{Text: `{"count": -1}`}},
		{resp: model.Response{Text: `{"count": 2}`}},
	}}
	c := newClient(t, provider, []string{"gpt-5-mini"})

	var out map[string]any
	err := c.CallJSON(context.Background(), "count things", nil, &out, ai.JSONOptions{
		Validate: func(v any) error {
			m, _ := v.(map[string]any)
			if n, ok := m["count"].(float64); ok && n < 0 {
				return errors.New("count must be non-negative")
			}
			return nil
		},
	})
	require.NoError(t, err)
}

func TestClaudeModelsRouteToAnthropic(t *testing.T) {
	oa := &fakeProvider{steps: []step{{err: errors.New("should not be called")}}}
	an := &fakeProvider{steps: []step{{resp: model.Response{Text: "claude says hi"}}}}
	c, err := ai.New(ai.Options{
		OpenAI:       oa,
		Anthropic:    an,
		DefaultChain: []string{"claude-sonnet-4"},
		Sleep:        noSleep,
	})
	require.NoError(t, err)

	out, err := c.CallText(context.Background(), "q", ai.CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "claude says hi", out)
	require.Zero(t, oa.calls)
}
