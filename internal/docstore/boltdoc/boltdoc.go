// Package boltdoc implements the document store interface on BoltDB. Each
// collection is a bucket; documents are stored as JSON keyed by their id.
package boltdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/morrigan-server/morrigan/internal/docstore"
)

// Store is the built-in BoltDB-backed document store.
type Store struct {
	db *bolt.DB
}

var _ docstore.Root = (*Store)(nil)

// Open creates or opens a document database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open document db: %w", err)
	}
	return &Store{db: db}, nil
}

// Collection returns the named collection. The backing bucket is created on
// first write.
func (s *Store) Collection(name string) docstore.Collection {
	return &collection{db: s.db, name: name}
}

// Namespace returns a view with the given collection name prefix.
func (s *Store) Namespace(prefix string) docstore.Store {
	return docstore.NewNamespace(s, prefix)
}

// Discard drops every collection in the database.
func (s *Store) Discard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			cp := make([]byte, len(name))
			copy(cp, name)
			names = append(names, cp)
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

type collection struct {
	db   *bolt.DB
	name string
}

func (c *collection) Name() string { return c.name }

func (c *collection) bucket() []byte { return []byte(c.name) }

func (c *collection) FindOne(ctx context.Context, filter docstore.Filter, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket())
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if found {
				return nil
			}
			doc, err := decode(v)
			if err != nil {
				return err
			}
			if !docstore.Match(doc, filter) {
				return nil
			}
			found = true
			return json.Unmarshal(v, out)
		})
	})
	if err != nil {
		return err
	}
	if !found {
		return docstore.ErrNoDocuments
	}
	return nil
}

func (c *collection) Find(ctx context.Context, filter docstore.Filter, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var raws []json.RawMessage
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket())
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			doc, err := decode(v)
			if err != nil {
				return err
			}
			if docstore.Match(doc, filter) {
				cp := make([]byte, len(v))
				copy(cp, v)
				raws = append(raws, cp)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	arr, err := json.Marshal(raws)
	if err != nil {
		return err
	}
	return json.Unmarshal(arr, out)
}

func (c *collection) InsertOne(ctx context.Context, doc any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, data, err := normalize(doc, "")
	if err != nil {
		return "", err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket())
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return id, nil
}

func (c *collection) ReplaceOne(ctx context.Context, filter docstore.Filter, doc any, upsert bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	replaced := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket())
		if err != nil {
			return err
		}

		var matchKey []byte
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			d, err := decode(v)
			if err != nil {
				return err
			}
			if docstore.Match(d, filter) {
				matchKey = make([]byte, len(k))
				copy(matchKey, k)
				break
			}
		}

		if matchKey == nil {
			if !upsert {
				return nil
			}
			id, data, err := normalize(doc, "")
			if err != nil {
				return err
			}
			return b.Put([]byte(id), data)
		}

		// The replacement keeps the matched document's id.
		_, data, err := normalize(doc, string(matchKey))
		if err != nil {
			return err
		}
		replaced = true
		return b.Put(matchKey, data)
	})
	return replaced, err
}

func (c *collection) DeleteOne(ctx context.Context, filter docstore.Filter) (bool, error) {
	n, err := c.delete(ctx, filter, 1)
	return n > 0, err
}

func (c *collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int, error) {
	return c.delete(ctx, filter, -1)
}

func (c *collection) delete(ctx context.Context, filter docstore.Filter, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deleted := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket())
		if b == nil {
			return nil
		}

		var keys [][]byte
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if limit >= 0 && len(keys) >= limit {
				break
			}
			d, err := decode(v)
			if err != nil {
				return err
			}
			if docstore.Match(d, filter) {
				cp := make([]byte, len(k))
				copy(cp, k)
				keys = append(keys, cp)
			}
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (c *collection) Count(ctx context.Context, filter docstore.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket())
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			d, err := decode(v)
			if err != nil {
				return err
			}
			if docstore.Match(d, filter) {
				count++
			}
			return nil
		})
	})
	return count, err
}

func decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}

// normalize marshals doc and makes sure it carries an id: forceID when
// given, the document's own otherwise, a fresh uuid as a last resort.
func normalize(doc any, forceID string) (string, []byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("marshal document: %w", err)
	}
	m, err := decode(data)
	if err != nil {
		return "", nil, err
	}

	id := forceID
	if id == "" {
		id, _ = m["id"].(string)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if m["id"] != id {
		m["id"] = id
		if data, err = json.Marshal(m); err != nil {
			return "", nil, fmt.Errorf("marshal document: %w", err)
		}
	}
	return id, data, nil
}
