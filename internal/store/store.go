// Package store keeps one JSON document per entity key (room id, extension).
//
// Every backend makes Update atomic per key: fn observes the latest committed
// document and its result is either stored whole or discarded. Different keys
// never contend with each other.
package store

import (
	"context"
)

// Kinds of documents. Each kind is an independent keyspace.
const (
	KindRoom     = "room"
	KindPresence = "presence"
)

// UpdateFunc mutates doc in place. exists is false on the first write of a key.
// Returning an error aborts the update without persisting anything.
type UpdateFunc[T any] func(doc *T, exists bool) error

type Documents[T any] interface {
	// Get returns the document and whether it exists.
	Get(ctx context.Context, key string) (T, bool, error)
	// Update runs fn inside the per-key atomic region and returns the stored document.
	Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error)
	// List returns every document of the kind ordered by key.
	List(ctx context.Context) ([]T, error)
}
