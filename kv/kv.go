// Package kv defines the single-table key-value store contract backing every
// durable entity. Rows are wide maps keyed by (pk, sk) with one secondary
// index (gsi1pk, gsi1sk) for time-ordered listings and cross-cutting lookups.
//
// Implementations live in subpackages: dynamo (production) and inmem (tests).
// Correctness across concurrent writers comes from conditional writes, never
// from locks: a conditional failure surfaces as ErrConflict and callers
// resolve it idempotently (fetch the winner and return it).
package kv

import (
	"context"
	"errors"
)

// Item is one wide table row. Key attributes are stored inline under "pk",
// "sk", "gsi1pk" and "gsi1sk".
type Item = map[string]any

var (
	// ErrNotFound indicates no row exists at the requested key.
	ErrNotFound = errors.New("kv: item not found")
	// ErrConflict indicates a conditional write lost a race.
	ErrConflict = errors.New("kv: conditional write failed")
)

type (
	// Put writes a full item, optionally only when the key is vacant.
	Put struct {
		// Item is the full row including key attributes.
		Item Item
		// IfNotExists makes the put conditional on the key being vacant.
		IfNotExists bool
	}

	// Update applies expression-style mutations to an existing row.
	Update struct {
		// PK and SK address the row.
		PK, SK string
		// Set assigns attribute values.
		Set map[string]any
		// Add increments numeric attributes (missing attributes start at zero).
		Add map[string]float64
		// AppendList appends elements to list attributes (missing lists start
		// empty).
		AppendList map[string][]any
		// IfEquals makes the update conditional on current attribute values.
		IfEquals map[string]any
		// IfExists makes the update conditional on the row existing.
		IfExists bool
	}

	// Query describes a key-condition read.
	Query struct {
		// GSI1 selects the secondary index; PK then matches gsi1pk.
		GSI1 bool
		// PK is the partition key value.
		PK string
		// SKPrefix, when set, restricts sort keys to the prefix.
		SKPrefix string
		// Ascending orders results by sort key ascending; default descending.
		Ascending bool
		// Limit caps the page size.
		Limit int
		// Cursor continues a previous page. Opaque.
		Cursor string
	}

	// Page is one page of query results.
	Page struct {
		// Items are the matching rows in sort-key order.
		Items []Item
		// NextCursor is non-empty when more rows remain.
		NextCursor string
	}

	// TransactOp is one element of an all-or-nothing transactional write.
	// Exactly one field is set.
	TransactOp struct {
		Put    *Put
		Update *Update
	}

	// Store is the single-table access contract.
	Store interface {
		// Get reads the row at (pk, sk). Returns ErrNotFound when vacant.
		Get(ctx context.Context, pk, sk string) (Item, error)
		// Put writes a row. Returns ErrConflict when IfNotExists fails.
		Put(ctx context.Context, p Put) error
		// Update mutates a row. Returns ErrConflict when a condition fails and
		// ErrNotFound when IfExists fails because the row is vacant.
		Update(ctx context.Context, u Update) error
		// Query reads a key-conditioned page from the primary or secondary index.
		Query(ctx context.Context, q Query) (Page, error)
		// Delete removes the row at (pk, sk). Deleting a vacant row is a no-op.
		Delete(ctx context.Context, pk, sk string) error
		// Transact applies all operations or none. A condition failure on any
		// element surfaces as ErrConflict.
		Transact(ctx context.Context, ops ...TransactOp) error
	}

	// LinkStore holds short-lived magic-link entries in the TTL side table.
	LinkStore interface {
		// PutLink stores a payload under a token hash with an expiry.
		PutLink(ctx context.Context, tokenHash string, payload Item, ttlSeconds int64) error
		// ConsumeLink atomically reads and deletes the entry. Exactly one
		// concurrent caller wins; the rest observe ErrNotFound.
		ConsumeLink(ctx context.Context, tokenHash string) (Item, error)
	}
)

// ItemString reads a string attribute, tolerating absence.
func ItemString(it Item, key string) string {
	s, _ := it[key].(string)
	return s
}

// ItemInt reads a numeric attribute as an int, tolerating float64 decoding.
func ItemInt(it Item, key string) int {
	switch v := it[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
