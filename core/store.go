package core

import (
	"context"

	"github.com/pkg/errors"
)

// Store collections. The durable store is schema-less; each collection is an
// independent keyspace with record-level last-writer-wins semantics.
const (
	CacheCollection    = "cache"
	MutationCollection = "mutations"
	SessionCollection  = "sessions"
)

var ErrKeyNotFound = errors.New("key not found")

type (
	// KVStore is the narrow durable-store contract shared by the UI and
	// background contexts. Same-key writes have no read-modify-write
	// guarantee; callers must treat them as eventually-consistent.
	KVStore interface {
		Get(ctx context.Context, collection, key string) ([]byte, error)
		Put(ctx context.Context, collection, key string, value []byte) error
		Delete(ctx context.Context, collection, key string) error
		// Keys returns all live keys in a collection, in no particular order.
		Keys(ctx context.Context, collection string) ([]string, error)
	}
)
