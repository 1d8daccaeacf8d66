// Package memory implements the typed memory subsystem: insertion with
// keyword indexing, query-aware retrieval, background compression,
// relationship edges, and temporal events. Rows live in the same
// single-table key-value store as the opportunity state.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/telemetry"
)

// Memory types. EPISODIC captures one agent turn, SEMANTIC a durable fact,
// PROCEDURAL a tool sequence and its outcome.
const (
	TypeEpisodic             = "EPISODIC"
	TypeSemantic             = "SEMANTIC"
	TypeProcedural           = "PROCEDURAL"
	TypeTemporalEvent        = "TEMPORAL_EVENT"
	TypeCollaborationContext = "COLLABORATION_CONTEXT"
	TypeExternalContext      = "EXTERNAL_CONTEXT"
)

// Relationship types for directed memory edges.
const (
	RelPartOf           = "part_of"
	RelTemporalSequence = "temporal_sequence"
	RelCausedBy         = "caused_by"
	RelSupersedes       = "supersedes"
	RelReferences       = "references"
	RelContradicts      = "contradicts"
)

// ErrNotFound is returned when a memory or relationship does not exist.
var ErrNotFound = errors.New("memory: not found")

type (
	// Memory is one stored memory row.
	Memory struct {
		ID                string         `json:"id"`
		ScopeID           string         `json:"scopeId"`
		Type              string         `json:"memoryType"`
		Content           string         `json:"content"`
		Summary           string         `json:"summary,omitempty"`
		Tags              []string       `json:"tags,omitempty"`
		Keywords          []string       `json:"keywords,omitempty"`
		Metadata          map[string]any `json:"metadata,omitempty"`
		Provenance        string         `json:"provenance,omitempty"`
		Importance        float64        `json:"importance,omitempty"`
		AccessCount       int            `json:"accessCount"`
		LastAccessedAt    time.Time      `json:"lastAccessedAt,omitempty"`
		EventAt           time.Time      `json:"eventAt,omitempty"`
		ExpiresAt         time.Time      `json:"expiresAt,omitempty"`
		Compressed        bool           `json:"compressed,omitempty"`
		OriginalMemoryIDs []string       `json:"originalMemoryIds,omitempty"`
		CreatedAt         time.Time      `json:"createdAt"`
	}

	// Relationship is one directed edge between two memories.
	Relationship struct {
		FromID        string    `json:"fromId"`
		ToID          string    `json:"toId"`
		Type          string    `json:"relationshipType"`
		Bidirectional bool      `json:"bidirectional"`
		CreatedAt     time.Time `json:"createdAt"`
	}

	// Summarizer produces a short summary of combined memory content.
	// Implemented by the AI client; a nil summarizer falls back to
	// deterministic truncation.
	Summarizer interface {
		Summarize(ctx context.Context, text string) (string, error)
	}

	// Options configures a Store.
	Options struct {
		Store      kv.Store
		Logger     telemetry.Logger
		Summarizer Summarizer
		Clock      func() time.Time
	}

	// Store reads and writes memories.
	Store struct {
		store      kv.Store
		logger     telemetry.Logger
		summarizer Summarizer
		now        func() time.Time
	}
)

// New creates a memory store.
func New(opts Options) (*Store, error) {
	if opts.Store == nil {
		return nil, errors.New("memory: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		store:      opts.Store,
		logger:     opts.Logger,
		summarizer: opts.Summarizer,
		now:        opts.Clock,
	}, nil
}

// CreateInput carries the fields of a new memory. Keywords are extracted
// from Content when not supplied.
type CreateInput struct {
	Type              string
	ScopeID           string
	Content           string
	Summary           string
	Tags              []string
	Keywords          []string
	Metadata          map[string]any
	Provenance        string
	Importance        float64
	EventAt           time.Time
	ExpiresAt         time.Time
	Compressed        bool
	OriginalMemoryIDs []string
}

// Create writes a memory row and its keyword index entries.
func (s *Store) Create(ctx context.Context, in CreateInput) (Memory, error) {
	if in.ScopeID == "" {
		return Memory{}, errors.New("memory: ScopeID is required")
	}
	if !validType(in.Type) {
		return Memory{}, fmt.Errorf("memory: unknown memory type %q", in.Type)
	}
	if in.Content == "" {
		return Memory{}, errors.New("memory: Content is required")
	}
	keywords := in.Keywords
	if len(keywords) == 0 {
		keywords = ExtractKeywords(in.Content, maxKeywords)
	}
	m := Memory{
		ID:                "mem_" + ulid.Make().String(),
		ScopeID:           in.ScopeID,
		Type:              in.Type,
		Content:           in.Content,
		Summary:           in.Summary,
		Tags:              in.Tags,
		Keywords:          keywords,
		Metadata:          in.Metadata,
		Provenance:        in.Provenance,
		Importance:        in.Importance,
		EventAt:           in.EventAt,
		ExpiresAt:         in.ExpiresAt,
		Compressed:        in.Compressed,
		OriginalMemoryIDs: in.OriginalMemoryIDs,
		CreatedAt:         s.now().UTC(),
	}
	item, err := memToItem(m)
	if err != nil {
		return Memory{}, err
	}
	item["pk"] = memPK(m.ScopeID)
	item["sk"] = memSK(m.Type, m.ID)
	item["gsi1pk"] = "MEMID#" + m.ID
	item["gsi1sk"] = "MEM"
	if err := s.store.Put(ctx, kv.Put{Item: item, IfNotExists: true}); err != nil {
		return Memory{}, fmt.Errorf("memory: create: %w", err)
	}
	for _, kw := range keywords {
		idx := kv.Item{
			"pk":       kwPK(m.ScopeID),
			"sk":       kw + "#" + m.ID,
			"memoryId": m.ID,
			"sortKey":  memSK(m.Type, m.ID),
		}
		if err := s.store.Put(ctx, kv.Put{Item: idx}); err != nil {
			s.logger.Warn(ctx, "memory: index keyword", "memory_id", m.ID, "keyword", kw, "err", err)
		}
	}
	return m, nil
}

// Get reads a memory by scope, type and id.
func (s *Store) Get(ctx context.Context, scopeID, memType, id string) (Memory, error) {
	item, err := s.store.Get(ctx, memPK(scopeID), memSK(memType, id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("memory: get %s: %w", id, err)
	}
	return itemToMem(item)
}

// GetByID resolves a memory by id alone using the id index.
func (s *Store) GetByID(ctx context.Context, id string) (Memory, error) {
	page, err := s.store.Query(ctx, kv.Query{GSI1: true, PK: "MEMID#" + id, Limit: 1})
	if err != nil {
		return Memory{}, fmt.Errorf("memory: get by id %s: %w", id, err)
	}
	if len(page.Items) == 0 {
		return Memory{}, ErrNotFound
	}
	return itemToMem(page.Items[0])
}

// List returns memories under a scope, optionally restricted to one type,
// newest first. Expired memories are filtered out.
func (s *Store) List(ctx context.Context, scopeID, memType string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	q := kv.Query{PK: memPK(scopeID), Limit: limit * 2}
	if memType != "" {
		q.SKPrefix = memType + "#"
	}
	page, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("memory: list %s: %w", scopeID, err)
	}
	now := s.now().UTC()
	out := make([]Memory, 0, len(page.Items))
	for _, item := range page.Items {
		m, err := itemToMem(item)
		if err != nil {
			continue
		}
		if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

// Touch bumps the access counter of a memory. Best effort; retrieval does
// not fail when the touch does.
func (s *Store) Touch(ctx context.Context, m Memory) {
	err := s.store.Update(ctx, kv.Update{
		PK: memPK(m.ScopeID), SK: memSK(m.Type, m.ID),
		Set:      map[string]any{"lastAccessedAt": s.now().UTC().Format(time.RFC3339Nano)},
		Add:      map[string]float64{"accessCount": 1},
		IfExists: true,
	})
	if err != nil {
		s.logger.Debug(ctx, "memory: touch", "memory_id", m.ID, "err", err)
	}
}

func validType(t string) bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeTemporalEvent, TypeCollaborationContext, TypeExternalContext:
		return true
	}
	return false
}

func memPK(scopeID string) string     { return "MEM#" + scopeID }
func memSK(memType, id string) string { return memType + "#" + id }
func kwPK(scopeID string) string      { return "MEMKW#" + scopeID }
func relPK(fromID string) string      { return "MEMREL#" + fromID }

func memToItem(m Memory) (kv.Item, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal: %w", err)
	}
	var item kv.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("memory: to item: %w", err)
	}
	return item, nil
}

func itemToMem(item kv.Item) (Memory, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return Memory{}, fmt.Errorf("memory: marshal item: %w", err)
	}
	var m Memory
	if err := json.Unmarshal(raw, &m); err != nil {
		return Memory{}, fmt.Errorf("memory: from item: %w", err)
	}
	return m, nil
}

func sortByCreatedDesc(ms []Memory) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].CreatedAt.After(ms[j].CreatedAt) })
}
