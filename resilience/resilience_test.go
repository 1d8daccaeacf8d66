package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category Category
		retry    bool
	}{
		{"rate limit", errors.New("429 Too Many Requests"), CategoryRateLimit, true},
		{"timeout", errors.New("request timed out"), CategoryTimeout, true},
		{"deadline", context.DeadlineExceeded, CategoryTimeout, true},
		{"network", errors.New("dial tcp: connection refused"), CategoryNetwork, true},
		{"auth", errors.New("invalid api key"), CategoryAuth, false},
		{"validation", errors.New("schema validation failed"), CategoryValidation, false},
		{"resource", errors.New("quota exceeded for project"), CategoryResource, true},
		{"unknown", errors.New("something odd"), CategoryTransient, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class := Classify(tc.err)
			require.Equal(t, tc.category, class.Category)
			require.Equal(t, tc.retry, class.Retryable)
		})
	}
}

func TestBackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("0 <= delay <= max for all attempts", prop.ForAll(
		func(attempt int) bool {
			cfg := BackoffConfig{Base: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2.0, Jitter: 0.25}
			d := Backoff(attempt, cfg)
			return d >= 0 && d <= cfg.Max
		},
		gen.IntRange(-5, 100),
	))
	properties.TestingRun(t)
}

func TestRetryValidationRunsOnce(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("validation failed: bad input")
	}, RetryOptions{MaxRetries: 5, BaseDelay: time.Millisecond})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryAuthRunsOnce(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("401 unauthorized")
	}, RetryOptions{MaxRetries: 5, BaseDelay: time.Millisecond})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryRespectsClassificationCap(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("quota exceeded") // resource: max 2 attempts
	}, RetryOptions{MaxRetries: 10, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient blip")
		}
		return "done", nil
	}, RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.Equal(t, 3, calls)
}

func TestDegradeFallsBack(t *testing.T) {
	primary := func(context.Context) (string, error) { return "", errors.New("request timed out") }
	fallback := func(context.Context) (string, error) { return "fallback", nil }
	out, err := Degrade(context.Background(), primary, fallback, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "fallback", out)
}

func TestDegradeReturnsOriginalError(t *testing.T) {
	primary := func(context.Context) (string, error) { return "", errors.New("request timed out") }
	fallback := func(context.Context) (string, error) { return "", errors.New("fallback broke too") }
	_, err := Degrade(context.Background(), primary, fallback, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.ErrorContains(t, err, "timed out")
}

func TestAdaptiveTimeoutClamps(t *testing.T) {
	d := AdaptiveTimeout(time.Second, 10, 10, 500*time.Millisecond, 5*time.Second)
	require.Equal(t, 5*time.Second, d)
	d = AdaptiveTimeout(time.Millisecond, 0, 0, 500*time.Millisecond, 5*time.Second)
	require.Equal(t, 500*time.Millisecond, d)
}

func TestCombinePartial(t *testing.T) {
	results := []StepResult{
		{OK: true, Name: "a", Value: 1},
		{OK: false, Name: "b", Err: errors.New("boom")},
		{OK: true, Name: "c", Value: 3},
	}
	out := CombinePartial(results, 2, true)
	require.True(t, out.OK)
	require.True(t, out.Partial)
	require.ElementsMatch(t, []string{"a", "c"}, out.Succeeded)

	out = CombinePartial(results, 3, true)
	require.False(t, out.OK)
	require.Error(t, out.Err)
}

func TestReducedEffortFor(t *testing.T) {
	e := ReducedEffortFor(errors.New("request timed out"), 0, 3)
	require.NotNil(t, e)
	require.Equal(t, "medium", e.ReasoningEffort)
	require.Nil(t, ReducedEffortFor(errors.New("validation failed"), 0, 3))
	require.Nil(t, ReducedEffortFor(errors.New("request timed out"), 3, 3))
}
