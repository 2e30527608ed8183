package admission

import (
	"context"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/zhentan/cosigner/internal/boltdb"
)

var (
	bucketSettings  = []byte("group_settings")
	bucketDecisions = []byte("decisions")
)

// BoltStore keeps settings keyed by group and one nested decision bucket per
// group, keyed by a big-endian sequence so a reverse cursor walk is newest
// first.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the admission buckets in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if err := boltdb.EnsureBuckets(db, bucketSettings, bucketDecisions); err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetSettings(_ context.Context, group string) (*Settings, error) {
	var out Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltdb.GetJSON(tx.Bucket(bucketSettings), []byte(group), &out)
	})
	if errors.Is(err, boltdb.ErrMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) PutSettings(_ context.Context, st *Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return boltdb.PutJSON(tx.Bucket(bucketSettings), []byte(st.SignerGroup), st)
	})
}

func (s *BoltStore) AppendDecision(_ context.Context, d *Decision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDecisions).CreateBucketIfNotExists([]byte(d.Group))
		if err != nil {
			return fmt.Errorf("failed to create decision bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return boltdb.PutJSON(b, fmt.Appendf(nil, "%020d", seq), d)
	})
}

func (s *BoltStore) RecentDecisions(_ context.Context, group string, limit int) ([]*Decision, error) {
	var out []*Decision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions).Bucket([]byte(group))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			var d Decision
			if err := boltdb.GetJSON(b, k, &d); err != nil {
				return err
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}
