// Package docstore defines the document store interface the server and its
// components persist records through. Drivers are pluggable; the built-in
// one lives in the boltdoc subpackage.
package docstore

import (
	"context"
	"errors"
)

// ErrNoDocuments is returned by FindOne when nothing matches the filter.
var ErrNoDocuments = errors.New("docstore: no documents in result")

// Filter selects documents by equality on top-level fields. Values are
// compared after JSON normalization, so ints and float64s holding the same
// number match.
type Filter map[string]any

// Collection is a named set of JSON documents.
type Collection interface {
	// Name returns the full collection name, namespace prefix included.
	Name() string

	// FindOne decodes the first document matching filter into out.
	// Returns ErrNoDocuments when nothing matches.
	FindOne(ctx context.Context, filter Filter, out any) error

	// Find decodes all documents matching filter into out, which must be a
	// pointer to a slice. A nil filter matches everything.
	Find(ctx context.Context, filter Filter, out any) error

	// InsertOne stores a new document and returns its id. A document without
	// an "id" field is assigned a random one.
	InsertOne(ctx context.Context, doc any) (string, error)

	// ReplaceOne overwrites the first document matching filter with doc and
	// reports whether a document was replaced. With upsert set, a missing
	// document is inserted instead.
	ReplaceOne(ctx context.Context, filter Filter, doc any, upsert bool) (bool, error)

	// DeleteOne removes the first document matching filter and reports
	// whether one was removed.
	DeleteOne(ctx context.Context, filter Filter) (bool, error)

	// DeleteMany removes every document matching filter and returns the
	// number removed.
	DeleteMany(ctx context.Context, filter Filter) (int, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, filter Filter) (int, error)
}

// Store hands out collections. Component code only ever sees this interface;
// destructive whole-database operations live on Root.
type Store interface {
	// Collection returns the named collection, creating it lazily.
	Collection(name string) Collection

	// Namespace returns a view of the store where collection names are
	// prefixed with the given string.
	Namespace(prefix string) Store
}

// Root is the owning handle to a document store. Only the server core holds
// it; namespaced views delegated to components cannot discard or close.
type Root interface {
	Store

	// Discard drops all stored data.
	Discard(ctx context.Context) error

	// Close releases the store.
	Close(ctx context.Context) error
}

// namespaced prefixes collection names before delegating to the parent.
type namespaced struct {
	parent Store
	prefix string
}

// NewNamespace wraps a store so all collection names gain the given prefix.
// Drivers use it to implement Store.Namespace.
func NewNamespace(parent Store, prefix string) Store {
	return &namespaced{parent: parent, prefix: prefix}
}

func (n *namespaced) Collection(name string) Collection {
	return n.parent.Collection(n.prefix + name)
}

func (n *namespaced) Namespace(prefix string) Store {
	return &namespaced{parent: n.parent, prefix: n.prefix + prefix}
}
