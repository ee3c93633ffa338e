package strand

import (
	"context"
	"errors"
	"time"
)

var (
	ErrVersionConflict   = errors.New("strand: version conflict")
	ErrEventTypeRequired = errors.New("strand: event type required")
	ErrAggregateRequired = errors.New("strand: aggregate id required")
)

// Record is the encoded, storage-level form of an event. The event store
// encodes payloads through the type registry before handing records to a
// Storage and decodes them on the way out.
type Record struct {
	ID          string
	AggregateID string
	Type        string
	Schema      uint32
	Version     uint64
	Time        time.Time
	Data        []byte
	Meta        map[string]string
}

// Storage is the persistence contract for an event store. Implementations
// must enforce uniqueness and contiguity of (aggregateID, version) and the
// optimistic concurrency check atomically for the whole batch.
type Storage interface {
	// Append persists the records all-or-nothing. The expected version must
	// equal the aggregate's current highest version at the instant of the
	// write, otherwise ErrVersionConflict is returned. Record versions are
	// pre-assigned by the event store as expectedVersion+1 onward.
	Append(ctx context.Context, aggregateID string, records []*Record, expectedVersion uint64) error

	// Read returns all records for the aggregate with a version greater than
	// afterVersion, in ascending version order.
	Read(ctx context.Context, aggregateID string, afterVersion uint64) ([]*Record, error)

	// ReadByType returns records of one event type across all aggregates, in
	// commit order. A non-zero since time bounds the scan to records
	// committed at or after it.
	ReadByType(ctx context.Context, eventType string, since time.Time) ([]*Record, error)

	// Version returns the aggregate's current highest version, zero if the
	// aggregate has no records.
	Version(ctx context.Context, aggregateID string) (uint64, error)
}
