// Package boltdb wraps the embedded bbolt file that backs every durable store
// when no Postgres URL is configured. Each store owns its buckets; this
// package only opens the file and provides JSON helpers.
package boltdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created under the data directory.
const FileName = "cosigner.db"

// ErrMissing is returned by GetJSON when the key is absent.
var ErrMissing = errors.New("boltdb: key not found")

// Open opens (creating if needed) the database under dir and ensures the
// given buckets exist. bbolt fsyncs on every committed Update, which is the
// flush guarantee the stores rely on.
func Open(dir string, buckets ...[]byte) (*bolt.DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, FileName), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	if err := EnsureBuckets(db, buckets...); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureBuckets creates the named top-level buckets.
func EnsureBuckets(db *bolt.DB, buckets ...[]byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetJSON decodes the value at key into v.
func GetJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrMissing
	}
	return json.Unmarshal(raw, v)
}

// PutJSON encodes v and stores it at key.
func PutJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put(key, raw)
}

// Bucket returns the named bucket or an error if the schema was not created.
func Bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("boltdb: bucket %s missing", name)
	}
	return b, nil
}

// Ping checks the file is still usable, for readiness probes.
func Ping(db *bolt.DB) error {
	return db.View(func(*bolt.Tx) error { return nil })
}
