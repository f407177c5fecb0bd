package cache

import (
	"context"
	"errors"
)

// ErrStoreDeleted is returned when writing through a Store whose name
// has since been deleted from its Storage.
var ErrStoreDeleted = errors.New("cache store deleted")

// Storage is a set of named cache stores.
// The values are []byte, which represent serialized HTTP responses.
// Stores are ordered by creation; lookups across stores honor that order.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all stores in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named store and all its entries.
	// It returns false if no such store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks up the key in every store, oldest store first,
	// and returns the first entry found.
	Match(ctx context.Context, key string) ([]byte, bool, error)
}

// Store is a single named cache.
// Entries are never expired; they are only removed explicitly
// or together with the whole store.
type Store interface {
	// Name returns the store name.
	Name() string
	// Match returns the entry for the given key, if it exists.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores bytes under key, replacing any previous entry.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries, or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in the store.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry for key.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}
