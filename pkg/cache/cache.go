// Package cache defines the cache port consumed by the data gateway
// and provides an in-memory implementation.
package cache

import "time"

// Cache is a TTL key-value store with prefix-based enumeration and
// bulk removal. Implementations must be safe for concurrent use.
//
// Invalidation is prefix-based: components that write an entity remove
// the keys they know are stale (there is no automatic dependency
// tracking), so key layout is part of each component's contract.
type Cache interface {
	// Get returns the cached value for key, or false if absent or
	// expired.
	Get(key string) (any, bool)

	// Set stores value under key. The entry expires ttl after the
	// write, or ttl/2 after the last access, whichever comes first.
	// ttl <= 0 stores the entry without expiry.
	Set(key string, value any, ttl time.Duration)

	// Remove deletes key if present.
	Remove(key string)

	// RemoveByPrefix deletes every key starting with prefix and
	// returns the number removed.
	RemoveByPrefix(prefix string) int

	// Keys returns the live keys starting with prefix.
	Keys(prefix string) []string
}
