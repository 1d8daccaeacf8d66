// Package inmem provides an in-memory kv.Store with the same conditional
// semantics as the DynamoDB implementation. Test-only.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bidstack/operator/kv"
)

// Store implements kv.Store in memory.
type Store struct {
	mu    sync.Mutex
	items map[string]kv.Item
}

// New builds an empty store.
func New() *Store {
	return &Store{items: make(map[string]kv.Item)}
}

func rowKey(pk, sk string) string { return pk + "\x00" + sk }

// Get reads the row at (pk, sk).
func (s *Store) Get(_ context.Context, pk, sk string) (kv.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[rowKey(pk, sk)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return deepCopy(item), nil
}

// Put writes a row.
func (s *Store) Put(_ context.Context, p kv.Put) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(p)
}

func (s *Store) putLocked(p kv.Put) error {
	pk := kv.ItemString(p.Item, "pk")
	sk := kv.ItemString(p.Item, "sk")
	key := rowKey(pk, sk)
	if p.IfNotExists {
		if _, exists := s.items[key]; exists {
			return kv.ErrConflict
		}
	}
	s.items[key] = deepCopy(p.Item)
	return nil
}

// Delete removes the row at (pk, sk).
func (s *Store) Delete(_ context.Context, pk, sk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, rowKey(pk, sk))
	return nil
}

// Update mutates a row.
func (s *Store) Update(_ context.Context, u kv.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(u)
}

func (s *Store) updateLocked(u kv.Update) error {
	key := rowKey(u.PK, u.SK)
	item, exists := s.items[key]
	if !exists {
		if u.IfExists {
			return kv.ErrNotFound
		}
		item = kv.Item{"pk": u.PK, "sk": u.SK}
	}
	for attr, want := range u.IfEquals {
		if !looseEqual(item[attr], want) {
			return kv.ErrConflict
		}
	}
	next := deepCopy(item)
	for attr, v := range u.Set {
		next[attr] = deepCopyValue(v)
	}
	for attr, delta := range u.Add {
		next[attr] = asFloat(next[attr]) + delta
	}
	for attr, elems := range u.AppendList {
		existing, _ := next[attr].([]any)
		for _, e := range elems {
			existing = append(existing, deepCopyValue(e))
		}
		next[attr] = existing
	}
	s.items[key] = next
	return nil
}

// Query reads a key-conditioned page.
func (s *Store) Query(_ context.Context, q kv.Query) (kv.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkAttr, skAttr := "pk", "sk"
	if q.GSI1 {
		pkAttr, skAttr = "gsi1pk", "gsi1sk"
	}
	type row struct {
		sk   string
		item kv.Item
	}
	var rows []row
	for _, item := range s.items {
		if kv.ItemString(item, pkAttr) != q.PK {
			continue
		}
		sk := kv.ItemString(item, skAttr)
		if q.SKPrefix != "" && !strings.HasPrefix(sk, q.SKPrefix) {
			continue
		}
		rows = append(rows, row{sk: sk, item: item})
	}
	sort.Slice(rows, func(i, j int) bool {
		if q.Ascending {
			return rows[i].sk < rows[j].sk
		}
		return rows[i].sk > rows[j].sk
	})

	start := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil {
			return kv.Page{}, fmt.Errorf("inmem: bad cursor %q", q.Cursor)
		}
		start = n
	}
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	page := kv.Page{}
	for _, r := range rows[start:end] {
		page.Items = append(page.Items, deepCopy(r.item))
	}
	if end < len(rows) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Transact applies all operations or none.
func (s *Store) Transact(_ context.Context, ops ...kv.TransactOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := make(map[string]kv.Item, len(s.items))
	for k, v := range s.items {
		backup[k] = v
	}
	for _, op := range ops {
		var err error
		switch {
		case op.Put != nil:
			err = s.putLocked(*op.Put)
		case op.Update != nil:
			err = s.updateLocked(*op.Update)
		default:
			err = fmt.Errorf("inmem: empty transact op")
		}
		if err != nil {
			s.items = backup
			if err == kv.ErrConflict || err == kv.ErrNotFound {
				return kv.ErrConflict
			}
			return err
		}
	}
	return nil
}

// LinkStore implements kv.LinkStore in memory.
type LinkStore struct {
	mu    sync.Mutex
	links map[string]linkEntry
}

type linkEntry struct {
	payload kv.Item
	expires int64
}

// NewLinkStore builds an empty link store.
func NewLinkStore() *LinkStore {
	return &LinkStore{links: make(map[string]linkEntry)}
}

// PutLink stores a payload with a TTL.
func (s *LinkStore) PutLink(_ context.Context, tokenHash string, payload kv.Item, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[tokenHash] = linkEntry{payload: deepCopy(payload), expires: time.Now().Unix() + ttlSeconds}
	return nil
}

// ConsumeLink reads and deletes the entry.
func (s *LinkStore) ConsumeLink(_ context.Context, tokenHash string) (kv.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.links[tokenHash]
	if !ok {
		return nil, kv.ErrNotFound
	}
	delete(s.links, tokenHash)
	if entry.expires < time.Now().Unix() {
		return nil, kv.ErrNotFound
	}
	return entry.payload, nil
}

func deepCopy(item kv.Item) kv.Item {
	raw, _ := json.Marshal(item)
	var out kv.Item
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = kv.Item{}
	}
	return out
}

func deepCopyValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
