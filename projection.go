package strand

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// View is the read model maintained by a projection. Apply mutates the view
// for one event; Reset discards all derived state ahead of a rebuild. A view
// is derived state only: it must be reconstructible from the event log alone.
type View interface {
	Apply(event *Event) error
	Reset() error
}

type projectionOptFn func(p *Projection) error

func (f projectionOptFn) addProjectionOption(p *Projection) error {
	return f(p)
}

// ProjectionOption is an option when creating a projection.
type ProjectionOption interface {
	addProjectionOption(p *Projection) error
}

// Projection keeps a view eventually consistent with the event log. It wraps
// the view with idempotent delivery: the last applied version is tracked per
// aggregate and a redelivered or out-of-date event is skipped, so
// at-least-once delivery cannot corrupt the view. Queries go through Read
// and never touch the write path.
type Projection struct {
	name string
	view View
	log  *zap.Logger

	mu      sync.RWMutex
	applied map[string]uint64
}

// Projection wraps a view with delivery bookkeeping under the given name.
func (e *Engine) Projection(name string, view View, opts ...ProjectionOption) (*Projection, error) {
	p := &Projection{
		name:    name,
		view:    view,
		log:     e.log.Named("projection").With(zap.String("projection", name)),
		applied: make(map[string]uint64),
	}

	for _, o := range opts {
		if err := o.addProjectionOption(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// HandleEvent implements Handler. Events at or below the last applied
// version for their aggregate are skipped.
func (p *Projection) HandleEvent(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(event)
}

func (p *Projection) apply(event *Event) error {
	if event.Version <= p.applied[event.AggregateID] {
		p.log.Debug("skipping applied event",
			zap.String("event_id", event.ID),
			zap.Uint64("version", event.Version),
		)
		return nil
	}

	if err := p.view.Apply(event); err != nil {
		return fmt.Errorf("strand: projection %s: apply %s: %w", p.name, event.Type, err)
	}

	p.applied[event.AggregateID] = event.Version
	return nil
}

// Rebuild discards the view and replays every event of the given types from
// the store, version by version per aggregate. This is the recovery path for
// view schema changes and read-side bugs.
func (p *Projection) Rebuild(ctx context.Context, store *EventStore, eventTypes ...string) error {
	var events []*Event
	for _, t := range eventTypes {
		batch, err := store.LoadByType(ctx, t)
		if err != nil {
			return err
		}
		events = append(events, batch...)
	}

	// Replay order must respect per-aggregate version order. Ordering across
	// aggregates is not guaranteed by the log and views must not depend on it.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].AggregateID != events[j].AggregateID {
			return events[i].AggregateID < events[j].AggregateID
		}
		return events[i].Version < events[j].Version
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.view.Reset(); err != nil {
		return fmt.Errorf("strand: projection %s: reset: %w", p.name, err)
	}
	p.applied = make(map[string]uint64)

	for _, event := range events {
		if err := p.apply(event); err != nil {
			return err
		}
	}

	return nil
}

// AsOf returns the version of the aggregate the view currently reflects,
// zero if no event for it has been applied. Callers use this as a staleness
// indicator for read-after-write checks.
func (p *Projection) AsOf(aggregateID string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.applied[aggregateID]
}

// Read runs a query function under the projection's read lock. The function
// must only read from the view.
func (p *Projection) Read(fn func(view View) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return fn(p.view)
}
