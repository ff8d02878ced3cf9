// Package kvstore provides the durable string key-value storage that backs the
// offline queue and the entity cache. Values are opaque blobs owned by the
// caller; the store only guarantees they survive process restarts.
package kvstore

import (
	"context"
	"errors"
)

// ErrUnavailable wraps every failure of the underlying storage medium. Callers
// use errors.Is(err, kvstore.ErrUnavailable) to tell "local storage broken"
// apart from their own logic errors.
var ErrUnavailable = errors.New("kvstore: storage unavailable")

// Store is the persistent key-value contract. Get reports ok=false for an
// absent key rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, prefix string) (int, error)
}
