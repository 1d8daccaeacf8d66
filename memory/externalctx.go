package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Per-source cache lifetimes. Sources without an entry get the news TTL.
var sourceTTL = map[string]time.Duration{
	"weather":  15 * time.Minute,
	"news":     time.Hour,
	"research": 6 * time.Hour,
}

type (
	// Fetcher retrieves external context for one source.
	Fetcher interface {
		Fetch(ctx context.Context, query string, params map[string]string) (string, error)
	}

	// FetcherFunc adapts a function to the Fetcher interface.
	FetcherFunc func(ctx context.Context, query string, params map[string]string) (string, error)

	cacheEntry struct {
		value     string
		expiresAt time.Time
	}

	// ExternalContext fans queries out to per-source fetchers and caches
	// results in a process-local TTL map. Optionally each fetch is stored
	// as an EXTERNAL_CONTEXT memory.
	ExternalContext struct {
		store    *Store
		fetchers map[string]Fetcher
		now      func() time.Time

		mu    sync.Mutex
		cache map[string]cacheEntry
	}
)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, query string, params map[string]string) (string, error) {
	return f(ctx, query, params)
}

// NewExternalContext builds an external-context retriever. The memory
// store may be nil when fetch results should not be persisted.
func NewExternalContext(store *Store, fetchers map[string]Fetcher) *ExternalContext {
	now := time.Now
	if store != nil {
		now = store.now
	}
	return &ExternalContext{
		store:    store,
		fetchers: fetchers,
		now:      now,
		cache:    make(map[string]cacheEntry),
	}
}

// Retrieve returns context for (source, query, params), serving from cache
// within the source TTL. When scopeID is non-empty and a memory store is
// configured, a slimmed memory row records the fetch.
func (e *ExternalContext) Retrieve(ctx context.Context, source, query string, params map[string]string, scopeID string) (string, error) {
	fetcher, ok := e.fetchers[source]
	if !ok {
		return "", fmt.Errorf("memory: no fetcher for source %q", source)
	}
	key := cacheKey(source, query, params)

	e.mu.Lock()
	entry, hit := e.cache[key]
	e.mu.Unlock()
	if hit && entry.expiresAt.After(e.now()) {
		return entry.value, nil
	}

	value, err := fetcher.Fetch(ctx, query, params)
	if err != nil {
		return "", fmt.Errorf("memory: fetch %s: %w", source, err)
	}
	ttl, ok := sourceTTL[source]
	if !ok {
		ttl = sourceTTL["news"]
	}
	e.mu.Lock()
	e.cache[key] = cacheEntry{value: value, expiresAt: e.now().Add(ttl)}
	e.mu.Unlock()

	if e.store != nil && scopeID != "" {
		content := value
		if len(content) > 1800 {
			content = content[:1800]
		}
		_, err := e.store.Create(ctx, CreateInput{
			Type:       TypeExternalContext,
			ScopeID:    scopeID,
			Content:    fmt.Sprintf("[%s] %s: %s", source, query, content),
			Provenance: "external:" + source,
			ExpiresAt:  e.now().UTC().Add(ttl),
		})
		if err != nil {
			e.store.logger.Warn(ctx, "memory: store external context", "source", source, "err", err)
		}
	}
	return value, nil
}

func cacheKey(source, query string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(source)
	b.WriteByte('|')
	b.WriteString(query)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
