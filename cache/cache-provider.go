package cache

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Storage is a set of named cache stores.
// Each store maps keys (see pkg/cache-key) to stored responses, serialized as HTTP/1.1 bytes.
// A store exists from the moment it is opened (or first written to) until it is deleted,
// even when it holds no entries.
//
// Implementations must be thread-safe!
// Overlapping writes to the same key are allowed; the last writer wins.
type Storage interface {
	// Open creates the named store if it does not exist yet.
	Open(ctx context.Context, store string) error
	// Names returns the names of all existing stores, sorted.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether the store existed.
	Delete(ctx context.Context, store string) (bool, error)
	// Match returns the entry stored under key in the given store.
	// The boolean is false if there is no such entry (or no such store).
	Match(ctx context.Context, store, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	// The store is created if needed.
	Put(ctx context.Context, store string, entry Entry) error
	// PutAll stores all entries atomically: either all of them are written or none is.
	PutAll(ctx context.Context, store string, entries []Entry) error
	// Keys calls the given callback for each key in the store.
	// It calls the callback in order to enable very large stores to be
	// processable (provider implementation might use paging, for instance).
	Keys(ctx context.Context, store string, cb func(string)) error
	// Size returns the number of entries in the store.
	Size(ctx context.Context, store string) (int, error)
}

// Entry is a single stored response.
type Entry struct {
	Key      string
	StoredAt time.Time
	// HTTP/1.1 representation of the response, status line included.
	Bytes []byte
}

// PurgeExcept deletes every store whose name is not in keep.
// It returns the names of the deleted stores.
func PurgeExcept(ctx context.Context, s Storage, keep ...string) ([]string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		if _, err := s.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete store %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
