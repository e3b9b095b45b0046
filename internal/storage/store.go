package storage

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when a root key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrObjectNotFound is returned when no object has the requested id.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid key")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("storage closed")
)

// Store is the keyed root table of a storage engine. Implementations must
// be safe for concurrent use. A remote root set reached through a
// capability satisfies the same interface.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key in ascending order.
	List(ctx context.Context) ([]string, error)

	// Stats reports the size of the table.
	Stats(ctx context.Context) (Stats, error)
}

// Stats describes the contents of a Store.
type Stats struct {
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}
