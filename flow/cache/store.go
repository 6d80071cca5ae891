package cache

import "context"

// Store is an optional persistent backend for cache entries.
//
// The in-process LRU remains authoritative: writes go through to the store,
// and LoadAll warms the LRU at startup. Store failures never fail a call -
// the cache logs one warning and continues in-memory only.
//
// Implementations live in the cache/store subpackage (SQLite, MySQL) plus an
// in-memory variant for tests.
type Store interface {
	// Put persists one entry, replacing any previous record for the same
	// fingerprint.
	Put(ctx context.Context, e *Entry) error

	// LoadAll returns every persisted entry, oldest first so that
	// replaying them into the LRU leaves the newest entries hottest.
	LoadAll(ctx context.Context) ([]*Entry, error)

	// Reset deletes every persisted entry.
	Reset(ctx context.Context) error
}
