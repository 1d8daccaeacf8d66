// Package inmem provides an in-memory blob.Store for tests.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bidstack/operator/blob"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store implements blob.Store in memory with allowlist enforcement.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
}

// New builds an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// PutBytes writes an object.
func (s *Store) PutBytes(_ context.Context, key string, data []byte, contentType string) error {
	if err := blob.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType, modified: time.Now()}
	return nil
}

// GetBytes reads at most maxBytes of an object.
func (s *Store) GetBytes(_ context.Context, key string, maxBytes int64) ([]byte, error) {
	if err := blob.CheckKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	if maxBytes > 0 && int64(len(obj.data)) > maxBytes {
		return nil, blob.ErrTooLarge
	}
	return append([]byte(nil), obj.data...), nil
}

// Head returns object metadata.
func (s *Store) Head(_ context.Context, key string) (blob.ObjectInfo, error) {
	if err := blob.CheckKey(key); err != nil {
		return blob.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return blob.ObjectInfo{}, blob.ErrNotFound
	}
	return blob.ObjectInfo{Key: key, ContentType: obj.contentType, ContentLength: int64(len(obj.data)), LastModified: obj.modified}, nil
}

// Copy duplicates an object.
func (s *Store) Copy(_ context.Context, srcKey, dstKey string) error {
	if err := blob.CheckKey(srcKey); err != nil {
		return err
	}
	if err := blob.CheckKey(dstKey); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[srcKey]
	if !ok {
		return blob.ErrNotFound
	}
	s.objects[dstKey] = object{data: append([]byte(nil), obj.data...), contentType: obj.contentType, modified: time.Now()}
	return nil
}

// Move copies then deletes the source.
func (s *Store) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := s.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	return s.Delete(ctx, srcKey)
}

// Delete removes an object.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := blob.CheckKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// PresignGet returns a fake URL embedding the clamped expiry.
func (s *Store) PresignGet(_ context.Context, key string, expires time.Duration) (string, error) {
	if err := blob.CheckKey(key); err != nil {
		return "", err
	}
	expires = blob.ClampPresign(expires, blob.MaxPresignGet)
	return fmt.Sprintf("https://inmem.local/%s?method=GET&expires=%d", key, int(expires.Seconds())), nil
}

// PresignPut returns a fake URL embedding the clamped expiry.
func (s *Store) PresignPut(_ context.Context, key, _ string, expires time.Duration) (string, error) {
	if err := blob.CheckKey(key); err != nil {
		return "", err
	}
	expires = blob.ClampPresign(expires, blob.MaxPresignPut)
	return fmt.Sprintf("https://inmem.local/%s?method=PUT&expires=%d", key, int(expires.Seconds())), nil
}

// List returns object infos under a prefix.
func (s *Store) List(_ context.Context, prefix string, limit int) ([]blob.ObjectInfo, error) {
	if err := blob.CheckKey(prefix); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	infos := make([]blob.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		obj := s.objects[k]
		infos = append(infos, blob.ObjectInfo{Key: k, ContentType: obj.contentType, ContentLength: int64(len(obj.data)), LastModified: obj.modified})
	}
	return infos, nil
}
