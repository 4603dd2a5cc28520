package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketActions = []byte("actions")
	bucketAdapter = []byte("adapter")
	keyAdapter    = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketActions, bucketAdapter} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// AppendAction assigns rec the next sequence number and stores it.
func (s *BoltStore) AppendAction(rec *ActionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketActions)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		if rec.Time.IsZero() {
			rec.Time = time.Now()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// ListActions returns up to limit records, newest first. limit <= 0 returns all.
func (s *BoltStore) ListActions(limit int) ([]*ActionRecord, error) {
	var out []*ActionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		if b == nil {
			return nil // no bucket = no actions
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec ActionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("action %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// PruneActions deletes all but the newest keep records.
func (s *BoltStore) PruneActions(keep int) error {
	if keep < 0 {
		keep = 0
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketActions)
		}
		n := b.Stats().KeyN
		if n <= keep {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < n-keep; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) SaveAdapterState(state *AdapterState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAdapter)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAdapter)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyAdapter, data)
	})
}

func (s *BoltStore) GetAdapterState() (*AdapterState, error) {
	var state AdapterState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAdapter)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAdapter)
		}
		data := b.Get(keyAdapter)
		if data == nil {
			return fmt.Errorf("adapter state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
