package memory

import (
	"context"
	"sort"
	"time"
)

// AddTemporalEvent stores a TEMPORAL_EVENT memory tagged past or upcoming
// relative to now.
func (s *Store) AddTemporalEvent(ctx context.Context, scopeID, content string, eventAt time.Time, eventType string) (Memory, error) {
	tag := "upcoming"
	if eventAt.Before(s.now().UTC()) {
		tag = "past"
	}
	tags := []string{tag}
	if eventType != "" {
		tags = append(tags, eventType)
	}
	return s.Create(ctx, CreateInput{
		Type:    TypeTemporalEvent,
		ScopeID: scopeID,
		Content: content,
		Tags:    tags,
		EventAt: eventAt.UTC(),
		Metadata: map[string]any{
			"eventType": eventType,
		},
	})
}

// UpcomingEvents returns temporal events whose eventAt falls within the
// next daysAhead days, soonest first.
func (s *Store) UpcomingEvents(ctx context.Context, scopeID string, daysAhead, limit int) ([]Memory, error) {
	if daysAhead <= 0 {
		daysAhead = 7
	}
	if limit <= 0 {
		limit = 20
	}
	all, err := s.List(ctx, scopeID, TypeTemporalEvent, limit*4)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	horizon := now.AddDate(0, 0, daysAhead)
	var out []Memory
	for _, m := range all {
		if m.EventAt.IsZero() || m.EventAt.Before(now) || m.EventAt.After(horizon) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventAt.Before(out[j].EventAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
