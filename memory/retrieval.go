package memory

import (
	"context"
	"sort"

	"github.com/bidstack/operator/kv"
)

// ContextQuery selects memories relevant to an agent turn. ScopeIDs are
// derived from whichever identifiers are present.
type ContextQuery struct {
	UserSub   string
	RFPID     string
	ChannelID string
	ThreadTS  string
	Query     string
	Types     []string
	Limit     int
}

// scored pairs a memory with its retrieval score.
type scored struct {
	mem   Memory
	score float64
}

// GetForContext lists memories under the relevant scopes and ranks them.
// With a query, score is keyword overlap plus a recency weight; without
// one, most recent first. Returned memories have their access counters
// bumped.
func (s *Store) GetForContext(ctx context.Context, q ContextQuery) ([]Memory, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	scopes := contextScopes(q)
	types := q.Types
	if len(types) == 0 {
		types = []string{""}
	}

	var candidates []Memory
	for _, scope := range scopes {
		for _, memType := range types {
			ms, err := s.List(ctx, scope, memType, q.Limit*3)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, ms...)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if q.Query == "" {
		sortByCreatedDesc(candidates)
		if len(candidates) > q.Limit {
			candidates = candidates[:q.Limit]
		}
		for _, m := range candidates {
			s.Touch(ctx, m)
		}
		return candidates, nil
	}

	queryKeywords := ExtractKeywords(q.Query, maxKeywords)
	now := s.now().UTC()
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		overlap := keywordOverlap(queryKeywords, m.Keywords)
		age := now.Sub(m.CreatedAt)
		recency := 1.0 / (1.0 + age.Hours()/24.0)
		ranked = append(ranked, scored{mem: m, score: float64(overlap)*2.0 + recency})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}
	out := make([]Memory, len(ranked))
	for i, r := range ranked {
		out[i] = r.mem
		s.Touch(ctx, r.mem)
	}
	return out, nil
}

// SearchByKeyword returns memories under a scope whose extracted keywords
// include the given token, via the keyword index.
func (s *Store) SearchByKeyword(ctx context.Context, scopeID, keyword string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	page, err := s.store.Query(ctx, kvQueryKeyword(scopeID, keyword, limit))
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(page.Items))
	now := s.now().UTC()
	for _, item := range page.Items {
		sortKey, _ := item["sortKey"].(string)
		if sortKey == "" {
			continue
		}
		raw, err := s.store.Get(ctx, memPK(scopeID), sortKey)
		if err != nil {
			continue
		}
		m, err := itemToMem(raw)
		if err != nil {
			continue
		}
		if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func kvQueryKeyword(scopeID, keyword string, limit int) kv.Query {
	return kv.Query{PK: kwPK(scopeID), SKPrefix: keyword + "#", Limit: limit}
}

func contextScopes(q ContextQuery) []string {
	var scopes []string
	if q.UserSub != "" {
		scopes = append(scopes, "USER#"+q.UserSub)
	}
	if q.RFPID != "" {
		scopes = append(scopes, "RFP#"+q.RFPID)
	}
	if q.ChannelID != "" && q.ThreadTS != "" {
		scopes = append(scopes, "THREAD#"+q.ChannelID+"#"+q.ThreadTS)
	}
	scopes = append(scopes, "GLOBAL")
	return scopes
}

func keywordOverlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, kw := range a {
		set[kw] = struct{}{}
	}
	n := 0
	for _, kw := range b {
		if _, ok := set[kw]; ok {
			n++
		}
	}
	return n
}
