package patterns

import (
	"context"
	"errors"

	bolt "go.etcd.io/bbolt"

	"github.com/zhentan/cosigner/internal/boltdb"
)

var (
	bucketRecipients = []byte("pattern_recipients")
	bucketDaily      = []byte("pattern_daily")
	bucketApplied    = []byte("pattern_applied")
	bucketLimits     = []byte("pattern_limits")
	keyLimits        = []byte("global")
)

// BoltStore persists patterns in the shared bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the pattern buckets in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if err := boltdb.EnsureBuckets(db, bucketRecipients, bucketDaily, bucketApplied, bucketLimits); err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetRecipient(_ context.Context, address string) (*RecipientPattern, error) {
	var p RecipientPattern
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltdb.GetJSON(tx.Bucket(bucketRecipients), []byte(address), &p)
	})
	if errors.Is(err, boltdb.ErrMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListRecipients(_ context.Context) ([]*RecipientPattern, error) {
	var out []*RecipientPattern
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients)
		return b.ForEach(func(k, _ []byte) error {
			var p RecipientPattern
			if err := boltdb.GetJSON(b, k, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CountKnownRecipients(ctx context.Context) (int, error) {
	all, err := s.ListRecipients(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range all {
		if p.Known() {
			n++
		}
	}
	return n, nil
}

func (s *BoltStore) GetDaily(_ context.Context, day string) (*DailyAggregate, error) {
	var d DailyAggregate
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltdb.GetJSON(tx.Bucket(bucketDaily), []byte(day), &d)
	})
	if errors.Is(err, boltdb.ErrMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Apply runs the dedupe check and both updates in one bbolt transaction.
func (s *BoltStore) Apply(_ context.Context, exec Execution) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		done := tx.Bucket(bucketApplied)
		if done.Get([]byte(exec.TxID)) != nil {
			return nil
		}
		if err := done.Put([]byte(exec.TxID), []byte(exec.At.Format(DayLayout))); err != nil {
			return err
		}

		rb := tx.Bucket(bucketRecipients)
		var current *RecipientPattern
		var p RecipientPattern
		switch err := boltdb.GetJSON(rb, []byte(exec.Recipient), &p); {
		case err == nil:
			current = &p
		case !errors.Is(err, boltdb.ErrMissing):
			return err
		}
		if err := boltdb.PutJSON(rb, []byte(exec.Recipient), applyToRecipient(current, exec)); err != nil {
			return err
		}

		db := tx.Bucket(bucketDaily)
		day := DayKey(exec.At)
		var currentDay *DailyAggregate
		var d DailyAggregate
		switch err := boltdb.GetJSON(db, []byte(day), &d); {
		case err == nil:
			currentDay = &d
		case !errors.Is(err, boltdb.ErrMissing):
			return err
		}
		if err := boltdb.PutJSON(db, []byte(day), applyToDaily(currentDay, exec)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BoltStore) Annotate(_ context.Context, address, label, category string) (*RecipientPattern, error) {
	var out *RecipientPattern
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients)
		p := RecipientPattern{Address: address, Category: DefaultCategory}
		if err := boltdb.GetJSON(b, []byte(address), &p); err != nil && !errors.Is(err, boltdb.ErrMissing) {
			return err
		}
		p.Label = label
		if category != "" {
			p.Category = category
		}
		out = &p
		return boltdb.PutJSON(b, []byte(address), p)
	})
	return out, err
}

func (s *BoltStore) GetLimits(_ context.Context) (*Limits, error) {
	var l Limits
	err := s.db.View(func(tx *bolt.Tx) error {
		return boltdb.GetJSON(tx.Bucket(bucketLimits), keyLimits, &l)
	})
	if errors.Is(err, boltdb.ErrMissing) {
		return nil, ErrNoLimits
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) PutLimits(_ context.Context, l Limits) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return boltdb.PutJSON(tx.Bucket(bucketLimits), keyLimits, l)
	})
}

var _ Store = (*BoltStore)(nil)
