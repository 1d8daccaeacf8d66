// Package blob defines the object-store contract for documents and agent
// artifacts. Keys are content-addressed by the caller; writes are last-writer
// wins, so callers compose unique ids when overlap matters. Every operation
// goes through the prefix allowlist.
package blob

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no object exists at the requested key.
	ErrNotFound = errors.New("blob: object not found")
	// ErrKeyNotAllowed indicates the key falls outside the prefix allowlist.
	ErrKeyNotAllowed = errors.New("blob: key prefix not allowed")
	// ErrTooLarge indicates the object exceeds the caller's byte cap.
	ErrTooLarge = errors.New("blob: object exceeds max bytes")
)

// Allowed key prefixes for operator-managed objects.
var allowedPrefixes = []string{"rfp/", "team/", "contracting/", "agent/"}

// Presign duration caps.
const (
	MaxPresignGet = 24 * time.Hour
	MaxPresignPut = time.Hour
)

type (
	// ObjectInfo describes an object without its contents.
	ObjectInfo struct {
		Key           string
		ContentType   string
		ContentLength int64
		LastModified  time.Time
	}

	// Store is the narrow object-store contract.
	Store interface {
		// PutBytes writes an object with a content type.
		PutBytes(ctx context.Context, key string, data []byte, contentType string) error
		// GetBytes reads at most maxBytes of an object; larger objects fail
		// with ErrTooLarge.
		GetBytes(ctx context.Context, key string, maxBytes int64) ([]byte, error)
		// Head returns object metadata.
		Head(ctx context.Context, key string) (ObjectInfo, error)
		// Copy duplicates an object within the bucket.
		Copy(ctx context.Context, srcKey, dstKey string) error
		// Move copies then deletes the source.
		Move(ctx context.Context, srcKey, dstKey string) error
		// Delete removes an object. Deleting a missing object is not an error.
		Delete(ctx context.Context, key string) error
		// PresignGet returns a time-limited download URL (at most 24h).
		PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
		// PresignPut returns a time-limited upload URL (at most 1h).
		PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
		// List returns object infos under a prefix, at most limit.
		List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)
	}
)

// AllowedKey reports whether the key falls under an allowlisted prefix.
func AllowedKey(key string) bool {
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// CheckKey returns ErrKeyNotAllowed for keys outside the allowlist.
func CheckKey(key string) error {
	if !AllowedKey(key) {
		return ErrKeyNotAllowed
	}
	return nil
}

// ClampPresign clamps a requested expiry into (0, max].
func ClampPresign(expires, max time.Duration) time.Duration {
	if expires <= 0 || expires > max {
		return max
	}
	return expires
}
