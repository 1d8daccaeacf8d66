package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/memory"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newStore(t *testing.T, clock *fixedClock) *memory.Store {
	t.Helper()
	opts := memory.Options{Store: inmem.New()}
	if clock != nil {
		opts.Clock = clock.now
	}
	s, err := memory.New(opts)
	require.NoError(t, err)
	return s
}

func TestExtractKeywords(t *testing.T) {
	kws := memory.ExtractKeywords("The proposal deadline is 2026-03-01; review the pricing sheet with the team.", 10)
	require.Contains(t, kws, "proposal")
	require.Contains(t, kws, "deadline")
	require.Contains(t, kws, "pricing")
	require.NotContains(t, kws, "the")
	require.NotContains(t, kws, "is")

	capped := memory.ExtractKeywords("alpha beta gamma delta epsilon zeta", 3)
	require.Len(t, capped, 3)
}

func TestCreateAndGetByID(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	m, err := s.Create(ctx, memory.CreateInput{
		Type:    memory.TypeSemantic,
		ScopeID: "RFP#rfp_1",
		Content: "Client requires SOC2 compliance evidence before award",
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.NotEmpty(t, m.Keywords)

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Content, got.Content)

	_, err = s.Create(ctx, memory.CreateInput{Type: "BOGUS", ScopeID: "GLOBAL", Content: "x"})
	require.Error(t, err)
}

func TestQueryAwareRetrievalRanksOverlap(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	_, err := s.Create(ctx, memory.CreateInput{
		Type: memory.TypeEpisodic, ScopeID: "USER#u1",
		Content: "Discussed proposal pricing breakdown for the hospital bid",
	})
	require.NoError(t, err)
	_, err = s.Create(ctx, memory.CreateInput{
		Type: memory.TypeEpisodic, ScopeID: "USER#u1",
		Content: "Scheduled lunch order logistics",
	})
	require.NoError(t, err)

	got, err := s.GetForContext(ctx, memory.ContextQuery{
		UserSub: "u1",
		Query:   "pricing for the hospital proposal",
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got[0].Content, "pricing")
}

func TestRetrievalWithoutQueryIsRecencyOrdered(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	s := newStore(t, clock)
	ctx := context.Background()

	_, err := s.Create(ctx, memory.CreateInput{Type: memory.TypeEpisodic, ScopeID: "USER#u2", Content: "older memory content"})
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Hour)
	_, err = s.Create(ctx, memory.CreateInput{Type: memory.TypeEpisodic, ScopeID: "USER#u2", Content: "newer memory content"})
	require.NoError(t, err)

	got, err := s.GetForContext(ctx, memory.ContextQuery{UserSub: "u2", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got[0].Content, "newer")
}

func TestRelationshipEndpointsVerified(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	a, err := s.Create(ctx, memory.CreateInput{Type: memory.TypeEpisodic, ScopeID: "GLOBAL", Content: "turn one summary"})
	require.NoError(t, err)
	b, err := s.Create(ctx, memory.CreateInput{Type: memory.TypeTemporalEvent, ScopeID: "GLOBAL", Content: "deadline extracted"})
	require.NoError(t, err)

	_, err = s.AddRelationship(ctx, a.ID, "mem_missing", memory.RelReferences, false)
	require.Error(t, err)

	rel, err := s.AddRelationship(ctx, a.ID, b.ID, memory.RelReferences, true)
	require.NoError(t, err)
	require.True(t, rel.Bidirectional)

	forward, err := s.Related(ctx, a.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.Equal(t, b.ID, forward[0].ToID)

	reverse, err := s.Related(ctx, b.ID, memory.RelReferences, 10)
	require.NoError(t, err)
	require.Len(t, reverse, 1)
	require.Equal(t, a.ID, reverse[0].ToID)
}

func TestTemporalEvents(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newStore(t, clock)
	ctx := context.Background()

	past, err := s.AddTemporalEvent(ctx, "RFP#rfp_2", "kickoff happened", clock.t.AddDate(0, 0, -3), "meeting")
	require.NoError(t, err)
	require.Contains(t, past.Tags, "past")

	soon, err := s.AddTemporalEvent(ctx, "RFP#rfp_2", "submission due", clock.t.AddDate(0, 0, 2), "deadline")
	require.NoError(t, err)
	require.Contains(t, soon.Tags, "upcoming")

	_, err = s.AddTemporalEvent(ctx, "RFP#rfp_2", "renewal", clock.t.AddDate(0, 0, 30), "deadline")
	require.NoError(t, err)

	events, err := s.UpcomingEvents(ctx, "RFP#rfp_2", 7, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "submission due", events[0].Content)
}

type stubSummarizer struct {
	out string
	err error
}

func (s stubSummarizer) Summarize(context.Context, string) (string, error) { return s.out, s.err }

func TestCompressionRoundTrip(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := inmem.New()
	s, err := memory.New(memory.Options{
		Store:      store,
		Clock:      clock.now,
		Summarizer: stubSummarizer{out: "consolidated summary of ten turns"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		m, err := s.Create(ctx, memory.CreateInput{
			Type:    memory.TypeEpisodic,
			ScopeID: "USER#u3",
			Content: "conversation turn about proposal milestones",
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	// Sixty days later the pass runs.
	clock.t = clock.t.AddDate(0, 0, 60)
	res, err := s.Compress(ctx, memory.CompressOptions{ScopeID: "USER#u3", Type: memory.TypeEpisodic, DaysOld: 30})
	require.NoError(t, err)
	require.Len(t, res.OriginalMemoryIDs, 10)
	require.ElementsMatch(t, ids, res.OriginalMemoryIDs)
	require.True(t, res.Compressed.Compressed)
	require.Equal(t, "consolidated summary of ten turns", res.Compressed.Content)

	// Originals carry a seven-day TTL.
	for _, id := range ids {
		m, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		require.WithinDuration(t, clock.t.Add(7*24*time.Hour), m.ExpiresAt, time.Second)
	}

	// And are absent from keyword search immediately.
	hits, err := s.SearchByKeyword(ctx, "USER#u3", "milestones", 20)
	require.NoError(t, err)
	for _, h := range hits {
		require.NotContains(t, ids, h.ID)
	}
}

func TestCompressionFallbackTruncates(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	s, err := memory.New(memory.Options{
		Store:      inmem.New(),
		Clock:      clock.now,
		Summarizer: stubSummarizer{err: errors.New("model unavailable")},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, memory.CreateInput{Type: memory.TypeEpisodic, ScopeID: "USER#u4", Content: "short note"})
		require.NoError(t, err)
	}
	clock.t = clock.t.AddDate(0, 0, 40)
	res, err := s.Compress(ctx, memory.CompressOptions{ScopeID: "USER#u4", Type: memory.TypeEpisodic})
	require.NoError(t, err)
	require.Contains(t, res.Compressed.Content, "short note")
}

func TestCompressionSkipsSmallSets(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	s := newStore(t, clock)
	ctx := context.Background()

	_, err := s.Create(ctx, memory.CreateInput{Type: memory.TypeEpisodic, ScopeID: "USER#u5", Content: "lone memory"})
	require.NoError(t, err)
	clock.t = clock.t.AddDate(0, 0, 40)

	res, err := s.Compress(ctx, memory.CompressOptions{ScopeID: "USER#u5", Type: memory.TypeEpisodic})
	require.NoError(t, err)
	require.Empty(t, res.OriginalMemoryIDs)
}

func TestExternalContextCache(t *testing.T) {
	calls := 0
	fetchers := map[string]memory.Fetcher{
		"weather": memory.FetcherFunc(func(context.Context, string, map[string]string) (string, error) {
			calls++
			return "sunny", nil
		}),
	}
	ec := memory.NewExternalContext(nil, fetchers)
	ctx := context.Background()

	out, err := ec.Retrieve(ctx, "weather", "austin", map[string]string{"units": "f"}, "")
	require.NoError(t, err)
	require.Equal(t, "sunny", out)

	_, err = ec.Retrieve(ctx, "weather", "austin", map[string]string{"units": "f"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Different params miss the cache.
	_, err = ec.Retrieve(ctx, "weather", "austin", map[string]string{"units": "c"}, "")
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	_, err = ec.Retrieve(ctx, "unknown", "q", nil, "")
	require.Error(t, err)
}
