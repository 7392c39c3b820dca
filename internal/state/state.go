// Package state provides the ordered key/value state store backed by
// BoltDB. Each component reads and writes through its own namespace.
package state

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("state")

// Store wraps a BoltDB database holding namespaced state entries.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the state database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns a view of the store where every key is prefixed with
// "<name>/". Namespaces isolate components from each other.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{s: s, prefix: []byte(name + "/")}
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Namespace is a prefixed view of the state store.
type Namespace struct {
	s      *Store
	prefix []byte
}

func (n *Namespace) key(k string) []byte {
	return append(append([]byte{}, n.prefix...), k...)
}

// Get returns the value stored under key, or nil when absent.
func (n *Namespace) Get(key string) ([]byte, error) {
	var data []byte
	err := n.s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get(n.key(key))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// Put stores value under key.
func (n *Namespace) Put(key string, value []byte) error {
	return n.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(n.key(key), value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (n *Namespace) Delete(key string) error {
	return n.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Delete(n.key(key))
	})
}

// List returns all entries in this namespace whose key starts with prefix,
// in key order. Keys are reported without the namespace part.
func (n *Namespace) List(prefix string) ([]Entry, error) {
	var entries []Entry
	full := n.key(prefix)

	err := n.s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		for k, v := c.Seek(full); k != nil && bytes.HasPrefix(k, full); k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			entries = append(entries, Entry{
				Key:   string(k[len(n.prefix):]),
				Value: data,
			})
		}
		return nil
	})
	return entries, err
}
