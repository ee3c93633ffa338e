// Package inmemory provides an in-process storage backend. It carries the
// reference semantics for the storage contract: strictly atomic batches,
// contiguous versions enforced by a unique (aggregate, version) index, and
// commit-order scans. It is also the backend of choice for tests.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/strand"
)

type indexKey struct {
	AggregateID string
	Version     uint64
}

func New() *Storage {
	return &Storage{
		index:    make(map[indexKey]int),
		versions: make(map[string]uint64),
	}
}

var _ strand.Storage = (*Storage)(nil)

// Storage keeps every record in commit order in a single table, with a
// unique (aggregate, version) index and the current version per aggregate.
type Storage struct {
	mu       sync.RWMutex
	table    []*strand.Record
	index    map[indexKey]int
	versions map[string]uint64
}

func (s *Storage) Append(ctx context.Context, aggregateID string, records []*strand.Record, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.versions[aggregateID]
	if current != expectedVersion {
		return fmt.Errorf("%w: expected %d, stored %d", strand.ErrVersionConflict, expectedVersion, current)
	}

	// Validate the whole batch before touching the table so a bad record
	// cannot leave a partial batch behind.
	for i, rec := range records {
		want := expectedVersion + uint64(i) + 1
		if rec.Version != want {
			return fmt.Errorf("strand: record version %d, want %d", rec.Version, want)
		}
		if _, ok := s.index[indexKey{aggregateID, rec.Version}]; ok {
			return fmt.Errorf("%w: version %d exists", strand.ErrVersionConflict, rec.Version)
		}
	}

	for _, rec := range records {
		cp := copyRecord(rec)
		s.table = append(s.table, cp)
		s.index[indexKey{aggregateID, cp.Version}] = len(s.table) - 1
		s.versions[aggregateID] = cp.Version
	}

	return nil
}

func (s *Storage) Read(ctx context.Context, aggregateID string, afterVersion uint64) ([]*strand.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*strand.Record
	for v := afterVersion + 1; ; v++ {
		i, ok := s.index[indexKey{aggregateID, v}]
		if !ok {
			return records, nil
		}
		records = append(records, copyRecord(s.table[i]))
	}
}

func (s *Storage) ReadByType(ctx context.Context, eventType string, since time.Time) ([]*strand.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*strand.Record
	for _, rec := range s.table {
		if rec.Type != eventType {
			continue
		}
		if !since.IsZero() && rec.Time.Before(since) {
			continue
		}
		records = append(records, copyRecord(rec))
	}

	return records, nil
}

func (s *Storage) Version(ctx context.Context, aggregateID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.versions[aggregateID], nil
}

// copyRecord guards the table against callers mutating shared record state.
func copyRecord(rec *strand.Record) *strand.Record {
	cp := *rec
	if rec.Data != nil {
		cp.Data = append([]byte(nil), rec.Data...)
	}
	if rec.Meta != nil {
		cp.Meta = make(map[string]string, len(rec.Meta))
		for k, v := range rec.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
