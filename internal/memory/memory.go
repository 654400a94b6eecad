// Package memory implements the namespaced key-value store plugins see
// through the memory syscalls. Two interchangeable backends exist behind one
// contract (in-process map and Redis), plus an AEAD envelope that can wrap
// either. Keys arriving here are already namespaced by the calling plugin's
// id; this package never inspects namespaces.
package memory

import (
	"context"
	"time"
)

// TTL sentinels, mirroring the Redis convention.
const (
	TTLNone    = time.Duration(-1) // key exists, no expiry
	TTLMissing = time.Duration(-2) // key does not exist
)

// ListBatchSize is the cursor batch used by scan-based listings.
const ListBatchSize = 200

// Store is the memory backend contract. Implementations must treat expired
// keys as absent on every read path.
type Store interface {
	// Get returns the value and whether the key exists (unexpired).
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys with the given prefix (all keys when the
	// prefix is empty). limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	// TTL returns the remaining lifetime, TTLNone, or TTLMissing.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
