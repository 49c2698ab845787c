package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchCollection is returned when writing to a collection that has been deleted.
var ErrNoSuchCollection = errors.New("no such collection")

// Store is a key-value store of request->response snapshots,
// partitioned into named collections.
// Collection names carry a version, so a new version of the
// intermediary always writes to fresh collections.
//
// Implementations must be thread-safe!
// No caller assumes exclusive access beyond the single entry being operated on.
type Store interface {
	// Open returns the collection with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Collection, error)
	// Has checks if a collection with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named collection and all its entries.
	// It returns false if there was no such collection.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all collections, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Collection is a named mapping from cache key to stored response bytes.
type Collection interface {
	Name() string
	// Match returns the stored bytes for the key.
	// The boolean is false on a miss.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the bytes under the key, replacing any previous value.
	// Concurrent puts for the same key race and the last one wins.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries in one atomic batch.
	// Either every entry is written or none is.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes a single entry.
	Delete(ctx context.Context, key string) error
	// Keys calls the given callback for each key in the collection.
	Keys(ctx context.Context, cb func(string)) error
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
