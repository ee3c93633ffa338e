// Package boltdb provides a durable, single-file storage backend on BoltDB.
// Records live in a commit-ordered log bucket keyed by an 8-byte big-endian
// sequence; a bucket per aggregate indexes version to log sequence. A batch
// is written in one BoltDB transaction, so it commits all-or-nothing.
package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/codec"
)

var (
	// logBucketKey is the bucket holding every record in commit order.
	logBucketKey = []byte("log")

	// aggregatesBucketKey is the bucket of per-aggregate index buckets. The
	// keys of a child bucket are versions encoded as 8-byte big-endian
	// packets, the values log sequences in the same encoding.
	aggregatesBucketKey = []byte("aggregates")
)

// Open opens or creates a BoltDB file and returns a storage that owns the
// handle. Close releases it.
func Open(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, owned: true}, nil
}

// New wraps an existing BoltDB handle. The caller keeps ownership.
func New(db *bbolt.DB) *Storage {
	return &Storage{db: db}
}

var _ strand.Storage = (*Storage)(nil)

type Storage struct {
	db    *bbolt.DB
	owned bool
}

// Close closes the underlying database if the storage owns it.
func (s *Storage) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) Append(ctx context.Context, aggregateID string, records []*strand.Record, expectedVersion uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		log, err := tx.CreateBucketIfNotExists(logBucketKey)
		if err != nil {
			return err
		}

		aggs, err := tx.CreateBucketIfNotExists(aggregatesBucketKey)
		if err != nil {
			return err
		}

		agg, err := aggs.CreateBucketIfNotExists([]byte(aggregateID))
		if err != nil {
			return err
		}

		current := lastVersion(agg)
		if current != expectedVersion {
			return fmt.Errorf("%w: expected %d, stored %d", strand.ErrVersionConflict, expectedVersion, current)
		}

		for i, rec := range records {
			want := expectedVersion + uint64(i) + 1
			if rec.Version != want {
				return fmt.Errorf("strand: record version %d, want %d", rec.Version, want)
			}

			seq, err := log.NextSequence()
			if err != nil {
				return err
			}

			b, err := codec.JSON.Marshal(rec)
			if err != nil {
				return err
			}

			if err := log.Put(marshalUint64(seq), b); err != nil {
				return err
			}
			if err := agg.Put(marshalUint64(rec.Version), marshalUint64(seq)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Storage) Read(ctx context.Context, aggregateID string, afterVersion uint64) ([]*strand.Record, error) {
	var records []*strand.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		log := tx.Bucket(logBucketKey)
		aggs := tx.Bucket(aggregatesBucketKey)
		if log == nil || aggs == nil {
			return nil
		}

		agg := aggs.Bucket([]byte(aggregateID))
		if agg == nil {
			return nil
		}

		c := agg.Cursor()
		for k, v := c.Seek(marshalUint64(afterVersion + 1)); k != nil; k, v = c.Next() {
			rec, err := unmarshalRecord(log.Get(v))
			if err != nil {
				return err
			}
			records = append(records, rec)
		}

		return nil
	})

	return records, err
}

func (s *Storage) ReadByType(ctx context.Context, eventType string, since time.Time) ([]*strand.Record, error) {
	var records []*strand.Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		log := tx.Bucket(logBucketKey)
		if log == nil {
			return nil
		}

		return log.ForEach(func(_, v []byte) error {
			rec, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			if rec.Type != eventType {
				return nil
			}
			if !since.IsZero() && rec.Time.Before(since) {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})

	return records, err
}

func (s *Storage) Version(ctx context.Context, aggregateID string) (uint64, error) {
	var version uint64

	err := s.db.View(func(tx *bbolt.Tx) error {
		aggs := tx.Bucket(aggregatesBucketKey)
		if aggs == nil {
			return nil
		}

		agg := aggs.Bucket([]byte(aggregateID))
		if agg == nil {
			return nil
		}

		version = lastVersion(agg)
		return nil
	})

	return version, err
}

// lastVersion reads the highest version key in an aggregate bucket. Keys are
// big-endian, so the cursor's last key is the highest.
func lastVersion(agg *bbolt.Bucket) uint64 {
	k, _ := agg.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

func marshalUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func unmarshalRecord(b []byte) (*strand.Record, error) {
	var rec strand.Record
	if err := codec.JSON.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
