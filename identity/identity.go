// Package identity resolves users from any of an external chat user id, an
// email address, or an internal subject, with a short process-local cache.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/telemetry"
)

// ErrNotFound is returned when no identity matches any supplied key.
var ErrNotFound = errors.New("identity: not found")

const cacheTTL = 120 * time.Second

type (
	// Identity is the unified view of a user.
	Identity struct {
		Sub              string         `json:"sub"`
		Email            string         `json:"email,omitempty"`
		DisplayName      string         `json:"displayName,omitempty"`
		ExternalChatUser string         `json:"externalChatUser,omitempty"`
		Profile          map[string]any `json:"profile,omitempty"`
	}

	// Directory is the authoritative lookup backend.
	Directory interface {
		BySub(ctx context.Context, sub string) (Identity, error)
		ByEmail(ctx context.Context, email string) (Identity, error)
		ByChatUser(ctx context.Context, chatUser string) (Identity, error)
	}

	// Query carries whichever identifiers the caller has.
	Query struct {
		ExternalChatUser string
		Email            string
		Sub              string
		ForceRefresh     bool
	}

	cached struct {
		identity  Identity
		expiresAt time.Time
	}

	// Resolver caches directory lookups under three key shapes so repeat
	// turns in the same thread avoid directory round trips.
	Resolver struct {
		dir    Directory
		logger telemetry.Logger
		now    func() time.Time

		mu    sync.Mutex
		cache map[string]cached
	}

	// ResolverOptions configures a Resolver.
	ResolverOptions struct {
		Directory Directory
		Logger    telemetry.Logger
		Clock     func() time.Time
	}
)

// NewResolver builds a Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Directory == nil {
		return nil, errors.New("identity: Directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Resolver{
		dir:    opts.Directory,
		logger: opts.Logger,
		now:    opts.Clock,
		cache:  make(map[string]cached),
	}, nil
}

// Resolve returns the identity for the strongest available key. Lookup
// order: external chat user, email, sub. Results populate all three cache
// key shapes.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Identity, error) {
	if q.ExternalChatUser == "" && q.Email == "" && q.Sub == "" {
		return Identity{}, errors.New("identity: at least one identifier is required")
	}
	if !q.ForceRefresh {
		if id, ok := r.lookupCache(q); ok {
			return id, nil
		}
	}

	var (
		id  Identity
		err error
	)
	switch {
	case q.ExternalChatUser != "":
		id, err = r.dir.ByChatUser(ctx, q.ExternalChatUser)
	case q.Email != "":
		id, err = r.dir.ByEmail(ctx, q.Email)
	default:
		id, err = r.dir.BySub(ctx, q.Sub)
	}
	if err != nil {
		return Identity{}, err
	}
	r.store(id)
	return id, nil
}

// Invalidate drops all cache entries for a subject.
func (r *Resolver) Invalidate(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, "sub:"+id.Sub)
	if id.Email != "" {
		delete(r.cache, "email:"+id.Email)
	}
	if id.ExternalChatUser != "" {
		delete(r.cache, "chat:"+id.ExternalChatUser)
	}
}

func (r *Resolver) lookupCache(q Query) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, key := range cacheKeys(q) {
		if entry, ok := r.cache[key]; ok && entry.expiresAt.After(now) {
			return entry.identity, true
		}
	}
	return Identity{}, false
}

func (r *Resolver) store(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := cached{identity: id, expiresAt: r.now().Add(cacheTTL)}
	r.cache["sub:"+id.Sub] = entry
	if id.Email != "" {
		r.cache["email:"+id.Email] = entry
	}
	if id.ExternalChatUser != "" {
		r.cache["chat:"+id.ExternalChatUser] = entry
	}
}

func cacheKeys(q Query) []string {
	var keys []string
	if q.ExternalChatUser != "" {
		keys = append(keys, "chat:"+q.ExternalChatUser)
	}
	if q.Email != "" {
		keys = append(keys, "email:"+q.Email)
	}
	if q.Sub != "" {
		keys = append(keys, "sub:"+q.Sub)
	}
	return keys
}

// KVDirectory implements Directory over the single-table store. Profiles
// live at (USER#{sub}, PROFILE) with gsi1 rows for email and chat-user
// reverse lookups.
type KVDirectory struct {
	store kv.Store
}

// NewKVDirectory builds a Directory over the key-value store.
func NewKVDirectory(store kv.Store) (*KVDirectory, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	return &KVDirectory{store: store}, nil
}

// PutProfile writes a user profile and its reverse-lookup index keys.
func (d *KVDirectory) PutProfile(ctx context.Context, id Identity) error {
	if id.Sub == "" {
		return errors.New("identity: profile requires sub")
	}
	item := kv.Item{
		"pk":          "USER#" + id.Sub,
		"sk":          "PROFILE",
		"sub":         id.Sub,
		"email":       id.Email,
		"displayName": id.DisplayName,
		"chatUser":    id.ExternalChatUser,
		"profile":     id.Profile,
	}
	if id.Email != "" {
		item["gsi1pk"] = "EMAIL#" + id.Email
		item["gsi1sk"] = "USER#" + id.Sub
	}
	if err := d.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("identity: put profile: %w", err)
	}
	if id.ExternalChatUser != "" {
		link := kv.Item{
			"pk":  "CHATUSER#" + id.ExternalChatUser,
			"sk":  "PROFILE",
			"sub": id.Sub,
		}
		if err := d.store.Put(ctx, kv.Put{Item: link}); err != nil {
			return fmt.Errorf("identity: put chat-user link: %w", err)
		}
	}
	return nil
}

// BySub implements Directory.
func (d *KVDirectory) BySub(ctx context.Context, sub string) (Identity, error) {
	item, err := d.store.Get(ctx, "USER#"+sub, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: by sub: %w", err)
	}
	return decodeProfile(item), nil
}

// ByEmail implements Directory via the email reverse index.
func (d *KVDirectory) ByEmail(ctx context.Context, email string) (Identity, error) {
	page, err := d.store.Query(ctx, kv.Query{GSI1: true, PK: "EMAIL#" + email, Limit: 1})
	if err != nil {
		return Identity{}, fmt.Errorf("identity: by email: %w", err)
	}
	if len(page.Items) == 0 {
		return Identity{}, ErrNotFound
	}
	return decodeProfile(page.Items[0]), nil
}

// ByChatUser implements Directory via the chat-user link row.
func (d *KVDirectory) ByChatUser(ctx context.Context, chatUser string) (Identity, error) {
	link, err := d.store.Get(ctx, "CHATUSER#"+chatUser, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: by chat user: %w", err)
	}
	sub := kv.ItemString(link, "sub")
	if sub == "" {
		return Identity{}, ErrNotFound
	}
	id, err := d.BySub(ctx, sub)
	if err != nil {
		return Identity{}, err
	}
	if id.ExternalChatUser == "" {
		id.ExternalChatUser = chatUser
	}
	return id, nil
}

func decodeProfile(item kv.Item) Identity {
	id := Identity{
		Sub:              kv.ItemString(item, "sub"),
		Email:            kv.ItemString(item, "email"),
		DisplayName:      kv.ItemString(item, "displayName"),
		ExternalChatUser: kv.ItemString(item, "chatUser"),
	}
	if p, ok := item["profile"].(map[string]any); ok {
		id.Profile = p
	}
	return id
}
