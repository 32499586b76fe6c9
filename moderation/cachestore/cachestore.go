// TTL cache for values fetched from slow or rate-limited collaborators
// (stored as strings, usually JSON), with explicit purging after writes.
//
// Includes an interface and implementations using redis and in-process memory.
//
// Used by the ledger synchronizer to avoid a gateway round-trip for every
// identity status lookup.
package cachestore

import (
	"context"
)

// Get returns "" (and no error) on a cache miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}
