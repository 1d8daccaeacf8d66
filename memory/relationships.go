package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/bidstack/operator/kv"
)

// AddRelationship writes a directed edge between two memories. Both
// endpoints must exist so the graph stays closed. A bidirectional edge is
// stored as two rows.
func (s *Store) AddRelationship(ctx context.Context, fromID, toID, relType string, bidirectional bool) (Relationship, error) {
	if !validRelType(relType) {
		return Relationship{}, fmt.Errorf("memory: unknown relationship type %q", relType)
	}
	if fromID == toID {
		return Relationship{}, fmt.Errorf("memory: self relationship %s", fromID)
	}
	if _, err := s.GetByID(ctx, fromID); err != nil {
		return Relationship{}, fmt.Errorf("memory: relationship from %s: %w", fromID, err)
	}
	if _, err := s.GetByID(ctx, toID); err != nil {
		return Relationship{}, fmt.Errorf("memory: relationship to %s: %w", toID, err)
	}
	rel := Relationship{
		FromID:        fromID,
		ToID:          toID,
		Type:          relType,
		Bidirectional: bidirectional,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.putEdge(ctx, rel); err != nil {
		return Relationship{}, err
	}
	if bidirectional {
		reverse := rel
		reverse.FromID, reverse.ToID = rel.ToID, rel.FromID
		if err := s.putEdge(ctx, reverse); err != nil {
			return Relationship{}, err
		}
	}
	return rel, nil
}

// Related returns outgoing edges from a memory, optionally filtered by
// relationship type.
func (s *Store) Related(ctx context.Context, fromID, relType string, limit int) ([]Relationship, error) {
	if limit <= 0 {
		limit = 50
	}
	q := kv.Query{PK: relPK(fromID), Ascending: true, Limit: limit}
	if relType != "" {
		q.SKPrefix = relType + "#"
	}
	page, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("memory: related %s: %w", fromID, err)
	}
	out := make([]Relationship, 0, len(page.Items))
	for _, item := range page.Items {
		rel := Relationship{
			FromID:        kv.ItemString(item, "fromId"),
			ToID:          kv.ItemString(item, "toId"),
			Type:          kv.ItemString(item, "relationshipType"),
			Bidirectional: item["bidirectional"] == true,
		}
		if ts := kv.ItemString(item, "createdAt"); ts != "" {
			rel.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *Store) putEdge(ctx context.Context, rel Relationship) error {
	item := kv.Item{
		"pk":               relPK(rel.FromID),
		"sk":               rel.Type + "#" + rel.ToID,
		"fromId":           rel.FromID,
		"toId":             rel.ToID,
		"relationshipType": rel.Type,
		"bidirectional":    rel.Bidirectional,
		"createdAt":        rel.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := s.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("memory: put edge %s -> %s: %w", rel.FromID, rel.ToID, err)
	}
	return nil
}

func validRelType(t string) bool {
	switch t {
	case RelPartOf, RelTemporalSequence, RelCausedBy, RelSupersedes, RelReferences, RelContradicts:
		return true
	}
	return false
}
