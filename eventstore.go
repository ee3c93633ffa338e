package strand

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/strand/codec"
)

type storeOptFn func(es *EventStore) error

func (f storeOptFn) addStoreOption(es *EventStore) error {
	return f(es)
}

// EventStoreOption is an option when binding an event store.
type EventStoreOption interface {
	addStoreOption(es *EventStore) error
}

// Dispatch sets the dispatcher that committed events are delivered to, in
// commit order, after every durable append.
func Dispatch(d *Dispatcher) EventStoreOption {
	return storeOptFn(func(es *EventStore) error {
		es.dispatcher = d
		return nil
	})
}

type appendOpts struct {
	expVersion *uint64
}

type appendOptFn func(o *appendOpts) error

func (f appendOptFn) appendOpt(o *appendOpts) error {
	return f(o)
}

// AppendOption is an option for the event store Append operation.
type AppendOption interface {
	appendOpt(o *appendOpts) error
}

// ExpectVersion indicates the expected current version of the aggregate at
// the instant of append. Zero means the aggregate must not exist yet. If it
// does not match, the append fails with ErrVersionConflict.
func ExpectVersion(version uint64) AppendOption {
	return appendOptFn(func(o *appendOpts) error {
		o.expVersion = &version
		return nil
	})
}

type loadOpts struct {
	afterVersion uint64
}

type loadOptFn func(o *loadOpts) error

func (f loadOptFn) loadOpt(o *loadOpts) error {
	return f(o)
}

// LoadOption is an option for the event store Load operation.
type LoadOption interface {
	loadOpt(o *loadOpts) error
}

type loadByTypeOpts struct {
	since time.Time
}

type loadByTypeOptFn func(o *loadByTypeOpts) error

func (f loadByTypeOptFn) loadByTypeOpt(o *loadByTypeOpts) error {
	return f(o)
}

// LoadByTypeOption is an option for the event store LoadByType operation.
type LoadByTypeOption interface {
	loadByTypeOpt(o *loadByTypeOpts) error
}

// SinceTime bounds a cross-aggregate scan to events committed at or after
// the given time. This serves consumers polling with a time cursor.
func SinceTime(t time.Time) LoadByTypeOption {
	return loadByTypeOptFn(func(o *loadByTypeOpts) error {
		o.since = t
		return nil
	})
}

// AfterVersion specifies the version after which events should be fetched.
// This is useful when partially applied state has been derived up to a known
// version and only the latest events need to be fetched.
func AfterVersion(version uint64) LoadOption {
	return loadOptFn(func(o *loadOpts) error {
		o.afterVersion = version
		return nil
	})
}

// EventStore provides an append-only event log per aggregate with optimistic
// concurrency control, backed by a pluggable storage.
type EventStore struct {
	name       string
	storage    Storage
	engine     *Engine
	dispatcher *Dispatcher
}

// Name returns the name the store was bound with.
func (es *EventStore) Name() string {
	return es.name
}

// encode validates an event and produces its storage record. The version and
// time are stamped by Append.
func (es *EventStore) encode(aggregateID string, event *Event) (*Record, error) {
	if v, ok := event.Data.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCommandRejected, err)
		}
	}

	var (
		data   []byte
		schema uint32
		err    error
	)

	// Without a type registry, payloads are raw byte slices.
	if es.engine.types == nil {
		data, err = codec.Binary.Marshal(event.Data)
		if err != nil {
			return nil, err
		}
		schema = event.Schema
	} else {
		var name string
		name, schema, err = es.engine.types.Lookup(event.Data)
		if err != nil {
			return nil, err
		}
		if event.Type == "" {
			event.Type = name
		}
		data, err = es.engine.types.Marshal(event.Data)
		if err != nil {
			return nil, err
		}
	}

	if event.Type == "" {
		return nil, ErrEventTypeRequired
	}

	return &Record{
		ID:          event.ID,
		AggregateID: aggregateID,
		Type:        event.Type,
		Schema:      schema,
		Data:        data,
		Meta:        event.Meta,
	}, nil
}

// decode reconstitutes an event from its storage record. Unknown event type
// and schema combinations are a hard error.
func (es *EventStore) decode(rec *Record) (*Event, error) {
	var (
		data any
		err  error
	)

	if es.engine.types == nil {
		var b []byte
		err = codec.Binary.Unmarshal(rec.Data, &b)
		data = b
	} else {
		data, err = es.engine.types.Decode(rec.Type, rec.Schema, rec.Data)
	}
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:          rec.ID,
		AggregateID: rec.AggregateID,
		Type:        rec.Type,
		Schema:      rec.Schema,
		Version:     rec.Version,
		Time:        rec.Time,
		Data:        data,
		Meta:        rec.Meta,
	}, nil
}

// Append appends new events to the aggregate's history and returns the
// resulting version. The store assigns each event a contiguous version
// starting after the expected version, a commit timestamp, and an ID when
// one is not supplied. The batch is persisted all-or-nothing. When the
// expected version does not match the stored one, ErrVersionConflict is
// returned and nothing is persisted.
func (es *EventStore) Append(ctx context.Context, aggregateID string, events []*Event, opts ...AppendOption) (uint64, error) {
	var o appendOpts
	for _, opt := range opts {
		if err := opt.appendOpt(&o); err != nil {
			return 0, err
		}
	}

	if aggregateID == "" {
		return 0, ErrAggregateRequired
	}

	var expected uint64
	if o.expVersion != nil {
		expected = *o.expVersion
	} else {
		var err error
		expected, err = es.storage.Version(ctx, aggregateID)
		if err != nil {
			return 0, err
		}
	}

	records := make([]*Record, len(events))
	for i, event := range events {
		rec, err := es.encode(aggregateID, event)
		if err != nil {
			return 0, err
		}

		if rec.ID == "" {
			rec.ID = es.engine.id.New()
		}
		rec.Version = expected + uint64(i) + 1
		rec.Time = es.engine.clock.Now()

		records[i] = rec
	}

	if err := es.storage.Append(ctx, aggregateID, records, expected); err != nil {
		return 0, err
	}

	version := expected + uint64(len(records))

	// Stamp the store-assigned fields back on the caller's events and fan
	// out to subscribers. The commit is already durable, so a consumer
	// failure is logged and isolated rather than surfaced.
	for i, event := range events {
		event.ID = records[i].ID
		event.AggregateID = aggregateID
		event.Type = records[i].Type
		event.Schema = records[i].Schema
		event.Version = records[i].Version
		event.Time = records[i].Time

		if es.dispatcher != nil {
			if err := es.dispatcher.Publish(ctx, event); err != nil {
				es.engine.log.Warn("event delivery failed",
					zap.String("store", es.name),
					zap.String("event_id", event.ID),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}
	}

	return version, nil
}

// Load fetches events for an aggregate in version order along with the
// aggregate's current version.
func (es *EventStore) Load(ctx context.Context, aggregateID string, opts ...LoadOption) ([]*Event, uint64, error) {
	var o loadOpts
	for _, opt := range opts {
		if err := opt.loadOpt(&o); err != nil {
			return nil, 0, err
		}
	}

	records, err := es.storage.Read(ctx, aggregateID, o.afterVersion)
	if err != nil {
		return nil, 0, err
	}

	if len(records) == 0 {
		version, err := es.storage.Version(ctx, aggregateID)
		return nil, version, err
	}

	events := make([]*Event, len(records))
	for i, rec := range records {
		event, err := es.decode(rec)
		if err != nil {
			return nil, 0, err
		}
		events[i] = event
	}

	return events, records[len(records)-1].Version, nil
}

// LoadByType fetches events of one type across all aggregates in commit
// order. This is the catch-up scan used by projections for rebuilds. A
// non-zero since time in the option bounds the scan.
func (es *EventStore) LoadByType(ctx context.Context, eventType string, opts ...LoadByTypeOption) ([]*Event, error) {
	var o loadByTypeOpts
	for _, opt := range opts {
		if err := opt.loadByTypeOpt(&o); err != nil {
			return nil, err
		}
	}

	records, err := es.storage.ReadByType(ctx, eventType, o.since)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(records))
	for i, rec := range records {
		event, err := es.decode(rec)
		if err != nil {
			return nil, err
		}
		events[i] = event
	}

	return events, nil
}

// Version returns the aggregate's current version, zero if it has no events.
func (es *EventStore) Version(ctx context.Context, aggregateID string) (uint64, error) {
	return es.storage.Version(ctx, aggregateID)
}

// Evolve replays the aggregate's events through the state's transition
// function and returns the version the state now reflects. The fold is left
// to right in version order.
func (es *EventStore) Evolve(ctx context.Context, aggregateID string, state Evolver, opts ...LoadOption) (uint64, error) {
	events, version, err := es.Load(ctx, aggregateID, opts...)
	if err != nil {
		return 0, err
	}

	for _, event := range events {
		if err := state.Evolve(event); err != nil {
			return 0, err
		}
	}

	return version, nil
}
