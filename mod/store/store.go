// Package store provides a small bucketed key-value database on top of
// boltdb, replacing the teacher's unretrieved mod/database package with
// the same call surface (NewTable / Write / Read / ListTable) its caller
// (mod/hoststats) expects.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
)

// Database wraps a single boltdb file. Tables map directly to bolt
// buckets.
type Database struct {
	db *bolt.DB
}

// Open opens (creating if absent) the boltdb file at path.
func Open(path string) (*Database, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Database{db: db}, nil
}

// NewTable ensures a bucket named name exists.
func (d *Database) NewTable(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// Write JSON-encodes value and stores it under key in table.
func (d *Database) Write(table, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: no such table %q", table)
		}
		return b.Put([]byte(key), data)
	})
}

// Read decodes the value stored under key in table into dest. It returns
// an error if the key is absent.
func (d *Database) Read(table, key string, dest interface{}) error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: no such table %q", table)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("store: key %q not found in %q", key, table)
		}
		return json.Unmarshal(v, dest)
	})
}

// Delete removes key from table, if present.
func (d *Database) Delete(table, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ListTable returns every [key, rawJSON] pair stored in table.
func (d *Database) ListTable(table string) ([][2]string, error) {
	var out [][2]string
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, [2]string{string(k), string(v)})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", table, err)
	}
	return out, nil
}

// Close closes the underlying boltdb handle.
func (d *Database) Close() error {
	return d.db.Close()
}
