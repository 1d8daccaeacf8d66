package budget

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCounterShapes(t *testing.T) {
	c := NewCounter("gpt-4o")
	require.Zero(t, c.Count(nil))
	require.Positive(t, c.Count("hello world"))
	require.Positive(t, c.Count([]string{"a", "b"}))

	msgs := []map[string]any{
		{"role": "user", "content": "hello"},
		{"role": "assistant", "content": "hi there"},
	}
	plain := c.CountText("hello") + c.CountText("hi there")
	require.Equal(t, plain+2*perMessageOverhead, c.Count(msgs))

	// Unknown content coerces to string.
	require.Positive(t, c.Count(12345))
}

func TestPricingFallback(t *testing.T) {
	_, known := PricingFor("some-unknown-model")
	require.False(t, known)
	p, known := PricingFor("gpt-5-mini")
	require.True(t, known)
	require.Equal(t, 2.00, p.OutputPerMillion)
}

func TestCalculateCost(t *testing.T) {
	// gpt-5: $1.25/M input, $10/M output.
	cost := CalculateCost(1_000_000, 1_000_000, "gpt-5")
	require.InDelta(t, 11.25, cost, 1e-9)
}

func TestTrackerRecordCountsMissingSides(t *testing.T) {
	tr := NewTracker(10_000, "gpt-4o")
	usage := tr.Record(RecordInput{Input: "some prompt text", Output: "a reply"})
	require.Positive(t, usage.InputTokens)
	require.Positive(t, usage.OutputTokens)

	usage = tr.Record(RecordInput{InputTokens: 100, OutputTokens: 50})
	require.Equal(t, 100, usage.InputTokens)
	require.Equal(t, 50, usage.OutputTokens)
	require.Less(t, tr.Remaining(), 10_000)
}

func TestTrackerZeroBudgetBoundary(t *testing.T) {
	tr := NewTracker(0, "gpt-4o")
	require.True(t, tr.Exhausted())
	require.False(t, tr.CanAfford(1))
	require.Zero(t, tr.Remaining())
	// Recording still succeeds: the tracker never blocks the call path.
	usage := tr.Record(RecordInput{InputTokens: 10, OutputTokens: 5})
	require.Equal(t, 10, usage.InputTokens)
}

func TestTrackerSnapshotRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot then restore round-trips exactly", prop.ForAll(
		func(budgetTokens, in, out int) bool {
			tr := NewTracker(budgetTokens, "gpt-5")
			tr.Record(RecordInput{InputTokens: in, OutputTokens: out})
			restored := Restore(tr.Snapshot())
			return restored.Snapshot() == tr.Snapshot()
		},
		gen.IntRange(0, 1_000_000),
		gen.IntRange(0, 100_000),
		gen.IntRange(0, 100_000),
	))
	properties.TestingRun(t)
}

func TestBudgetFromMinutes(t *testing.T) {
	// 4 hours at $10 anchor on gpt-5 output pricing ($10/M) is one million tokens.
	tr := NewTrackerFromMinutes(240, "gpt-5")
	require.Equal(t, 1_000_000, tr.Remaining())

	// 15 minutes is 1/16 of the anchor.
	tr = NewTrackerDefault("gpt-5")
	require.Equal(t, 62_500, tr.Remaining())
}
