// koban/storage/storage.go
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the contract the lifecycle subsystem consumes from blob
// storage. Blobs are immutable once written; Delete is idempotent, and List
// must paginate internally so unbounded buckets never blow up memory.
type ObjectStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	// List invokes fn for every object in the store. Returning an error from
	// fn aborts the listing and is returned from List.
	List(ctx context.Context, fn func(ObjectInfo) error) error
}
