package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bidstack/operator/kv"
)

const (
	// Originals linger a week after compression so the consolidation can
	// be audited, then expire.
	originalRetention = 7 * 24 * time.Hour

	// Bound on the combined text handed to the summarizer.
	maxSummarizeInput = 8000

	compressedSummaryLimit = 1200
)

// CompressOptions selects consolidation candidates for one scope and type.
// Zero values take the defaults below.
type CompressOptions struct {
	ScopeID        string
	Type           string
	DaysOld        int     // default 30
	MaxImportance  float64 // default 0.5
	MaxAccessCount int     // default 2
	Limit          int     // default 50
	MinCandidates  int     // default 3
}

// CompressResult reports what one consolidation pass did.
type CompressResult struct {
	Compressed        Memory
	OriginalMemoryIDs []string
}

// Compress consolidates old, low-importance, rarely accessed memories of
// one scope and type into a single compressed memory. The originals get a
// seven-day TTL and their keyword index rows are removed immediately, so
// they stop surfacing in search while the compressed row takes over.
func (s *Store) Compress(ctx context.Context, opts CompressOptions) (CompressResult, error) {
	if opts.ScopeID == "" || opts.Type == "" {
		return CompressResult{}, fmt.Errorf("memory: compress requires scope and type")
	}
	if opts.DaysOld <= 0 {
		opts.DaysOld = 30
	}
	if opts.MaxImportance <= 0 {
		opts.MaxImportance = 0.5
	}
	if opts.MaxAccessCount <= 0 {
		opts.MaxAccessCount = 2
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.MinCandidates <= 0 {
		opts.MinCandidates = 3
	}

	all, err := s.List(ctx, opts.ScopeID, opts.Type, opts.Limit*2)
	if err != nil {
		return CompressResult{}, err
	}
	cutoff := s.now().UTC().AddDate(0, 0, -opts.DaysOld)
	var candidates []Memory
	for _, m := range all {
		if m.Compressed {
			continue
		}
		if m.CreatedAt.After(cutoff) {
			continue
		}
		if m.Importance > opts.MaxImportance {
			continue
		}
		if m.AccessCount > opts.MaxAccessCount {
			continue
		}
		candidates = append(candidates, m)
		if len(candidates) == opts.Limit {
			break
		}
	}
	if len(candidates) < opts.MinCandidates {
		return CompressResult{}, nil
	}

	summary := s.summarize(ctx, candidates)
	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}

	compressed, err := s.Create(ctx, CreateInput{
		Type:              opts.Type,
		ScopeID:           opts.ScopeID,
		Content:           summary,
		Summary:           summary,
		Provenance:        "compression",
		Compressed:        true,
		OriginalMemoryIDs: ids,
	})
	if err != nil {
		return CompressResult{}, err
	}

	expires := s.now().UTC().Add(originalRetention)
	for _, m := range candidates {
		err := s.store.Update(ctx, kv.Update{
			PK: memPK(m.ScopeID), SK: memSK(m.Type, m.ID),
			Set:      map[string]any{"expiresAt": expires.Format(time.RFC3339Nano)},
			IfExists: true,
		})
		if err != nil {
			s.logger.Warn(ctx, "memory: expire original", "memory_id", m.ID, "err", err)
		}
		for _, kw := range m.Keywords {
			if err := s.store.Delete(ctx, kwPK(m.ScopeID), kw+"#"+m.ID); err != nil {
				s.logger.Debug(ctx, "memory: drop keyword index", "memory_id", m.ID, "keyword", kw, "err", err)
			}
		}
	}
	s.logger.Info(ctx, "memory: compressed",
		"scope", opts.ScopeID, "type", opts.Type, "originals", len(ids), "compressed_id", compressed.ID)
	return CompressResult{Compressed: compressed, OriginalMemoryIDs: ids}, nil
}

// summarize combines candidate content and asks the summarizer for a
// digest. Truncation is the fallback when no summarizer is configured or
// the call fails.
func (s *Store) summarize(ctx context.Context, candidates []Memory) string {
	var b strings.Builder
	for _, m := range candidates {
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		if b.Len()+len(text)+1 > maxSummarizeInput {
			break
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	combined := b.String()
	if s.summarizer != nil {
		out, err := s.summarizer.Summarize(ctx, combined)
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
		s.logger.Warn(ctx, "memory: summarize fallback", "err", err)
	}
	if len(combined) > compressedSummaryLimit {
		combined = combined[:compressedSummaryLimit]
	}
	return combined
}
