// Package keyindex maintains a secondary, scan-friendly index of live
// CacheKeys backed by goleveldb, so the admin "list cached keys" endpoint
// doesn't have to walk the cache directory tree on every request. This is
// a read-optimization layer only: the filesystem remains the system of
// record for CacheEntry existence.
package keyindex

import (
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Index is a sorted key-value store of CacheKey -> indexed-at timestamp.
type Index struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the index at path.
func Open(path string) (*Index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("keyindex: open %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

// Put records key as live, stamped with the current time.
func (i *Index) Put(key string) error {
	val := time.Now().UTC().Format(time.RFC3339)
	return i.db.Put([]byte(key), []byte(val), nil)
}

// Delete removes key from the index.
func (i *Index) Delete(key string) error {
	return i.db.Delete([]byte(key), nil)
}

// List returns every indexed CacheKey in sorted order.
func (i *Index) List() ([]string, error) {
	var out []string
	iter := i.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		out = append(out, string(iter.Key()))
	}
	return out, iter.Error()
}

// ListPrefix returns every indexed CacheKey starting with prefix, in
// sorted order.
func (i *Index) ListPrefix(prefix string) ([]string, error) {
	var out []string
	iter := i.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		out = append(out, string(iter.Key()))
	}
	return out, iter.Error()
}

// Close closes the underlying leveldb handle.
func (i *Index) Close() error {
	return i.db.Close()
}
