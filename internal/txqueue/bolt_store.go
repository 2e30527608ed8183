package txqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhentan/cosigner/internal/boltdb"
	"github.com/zhentan/cosigner/internal/pagination"
)

var (
	bucketTransactions = []byte("transactions")
	bucketByGroup      = []byte("transactions_by_group")
	bucketByStatus     = []byte("transactions_by_status")
)

// BoltStore persists transactions in the shared bbolt file. Records are JSON
// documents keyed by id; two index buckets keep (group|status, createdAt, id)
// keys so listings iterate in order without decoding every record.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the transaction buckets in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if err := boltdb.EnsureBuckets(db, bucketTransactions, bucketByGroup, bucketByStatus); err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// indexKey sorts ascending by createdAt then id within prefix.
func indexKey(prefix string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", prefix, createdAt.UnixNano(), id))
}

func (s *BoltStore) Create(_ context.Context, t *Transaction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		if b.Get([]byte(t.ID)) != nil {
			return ErrDuplicateID
		}
		if err := boltdb.PutJSON(b, []byte(t.ID), t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByGroup).Put(indexKey(t.SignerGroup, t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketByStatus).Put(indexKey(string(t.Status), t.CreatedAt, t.ID), []byte(t.ID))
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*Transaction, error) {
	var t Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltdb.GetJSON(tx.Bucket(bucketTransactions), []byte(id), &t)
	})
	if errors.Is(err, boltdb.ErrMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Update runs fn inside a bbolt write transaction, so the read, the change
// and the fsync happen under the single-writer lock.
func (s *BoltStore) Update(_ context.Context, id string, fn func(t *Transaction) error) (*Transaction, error) {
	var out *Transaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		var current Transaction
		if err := boltdb.GetJSON(b, []byte(id), &current); err != nil {
			if errors.Is(err, boltdb.ErrMissing) {
				return ErrNotFound
			}
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errUnchanged) {
				out = &current
				return nil
			}
			return err
		}
		if err := boltdb.PutJSON(b, []byte(id), next); err != nil {
			return err
		}
		if current.Status != next.Status {
			idx := tx.Bucket(bucketByStatus)
			if err := idx.Delete(indexKey(string(current.Status), current.CreatedAt, id)); err != nil {
				return err
			}
			if err := idx.Put(indexKey(string(next.Status), next.CreatedAt, id), []byte(id)); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListBySigner(_ context.Context, group string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var start []byte
	if after != nil {
		start = indexKey(group, after.CreatedAt, after.ID)
	}
	return s.scanDesc(bucketByGroup, group, start, limit)
}

func (s *BoltStore) ListByStatus(_ context.Context, status Status, order Order, limit int) ([]*Transaction, error) {
	if order == OldestFirst {
		return s.scanAsc(bucketByStatus, string(status), limit)
	}
	return s.scanDesc(bucketByStatus, string(status), nil, limit)
}

// scanAsc walks index keys under prefix from oldest to newest.
func (s *BoltStore) scanAsc(index []byte, prefix string, limit int) ([]*Transaction, error) {
	var out []*Transaction
	p := []byte(prefix + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(index).Cursor()
		records := tx.Bucket(bucketTransactions)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var t Transaction
			if err := boltdb.GetJSON(records, v, &t); err != nil {
				return fmt.Errorf("index points at missing record %s: %w", v, err)
			}
			out = append(out, &t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// scanDesc walks index keys under prefix from newest to oldest. When start
// is set, iteration begins strictly below it.
func (s *BoltStore) scanDesc(index []byte, prefix string, start []byte, limit int) ([]*Transaction, error) {
	var out []*Transaction
	p := []byte(prefix + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(index).Cursor()
		records := tx.Bucket(bucketTransactions)

		var k, v []byte
		if start != nil {
			k, v = c.Seek(start)
			if k == nil {
				k, v = c.Last()
			}
			for k != nil && bytes.Compare(k, start) >= 0 {
				k, v = c.Prev()
			}
		} else {
			// first key past the prefix range, then step back
			upper := append(bytes.Clone(p[:len(p)-1]), 0x01)
			k, v = c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Prev() {
			var t Transaction
			if err := boltdb.GetJSON(records, v, &t); err != nil {
				return fmt.Errorf("index points at missing record %s: %w", v, err)
			}
			out = append(out, &t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

var _ Store = (*BoltStore)(nil)
