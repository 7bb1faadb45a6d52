// Package interfaces defines the backend capabilities consumed by the
// session, catalog and sync client packages, kept separate to avoid
// circular dependencies between them and the storage implementations.
package interfaces

import (
	"context"

	"github.com/c0deZ3R0/go-market-sync/model"
)

// Filter is a conjunction of column = value predicates.
type Filter map[string]any

// Order sorts query results by a column.
type Order struct {
	Column     string
	Descending bool
}

// RemoteStore is the hosted table store. It is the consistency boundary:
// guarded updates and deletes are atomic on the backend.
type RemoteStore interface {
	// QueryAll returns every row of table.
	QueryAll(ctx context.Context, table string, order ...Order) ([]model.Row, error)

	// QueryFiltered returns the rows of table matching filter.
	QueryFiltered(ctx context.Context, table string, filter Filter, order ...Order) ([]model.Row, error)

	// Insert adds record. A unique-key violation is reported with the
	// CONFLICT error code.
	Insert(ctx context.Context, table string, record model.Row) error

	// Update applies patch to the row with the given id when every guard
	// predicate holds, returning the number of rows changed.
	Update(ctx context.Context, table, id string, patch model.Row, guard Filter) (int64, error)

	// Delete removes the row with the given id when every guard predicate
	// holds, returning the number of rows removed.
	Delete(ctx context.Context, table, id string, guard Filter) (int64, error)
}

// ChangeStream delivers row changes of a table. The subscription lives
// until ctx is done or it is closed.
type ChangeStream interface {
	SubscribeChanges(ctx context.Context, table string) (Subscription, error)
}

// Subscription is an open change feed. Events is closed when the feed ends;
// Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan model.RowChange
	Err() error
	Close() error
}

// BlobStore stores image bytes and returns a public URL.
type BlobStore interface {
	UploadBlob(ctx context.Context, data []byte, contentType string) (string, error)
}

// LocalStore is on-device key/value storage.
type LocalStore interface {
	GetLocalValue(ctx context.Context, key string) ([]byte, bool, error)
	SetLocalValue(ctx context.Context, key string, value []byte) error
	DeleteLocalValue(ctx context.Context, key string) error
}
