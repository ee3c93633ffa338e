package strand

import (
	"go.uber.org/zap"

	"github.com/strandlabs/strand/clock"
	"github.com/strandlabs/strand/id"
	"github.com/strandlabs/strand/types"
)

type engineOption func(o *Engine) error

func (f engineOption) addOption(o *Engine) error {
	return f(o)
}

// EngineOption models an option when creating an engine.
type EngineOption interface {
	addOption(o *Engine) error
}

// TypeRegistry sets an explicit type registry. Without one, event payloads
// are treated as raw byte slices.
func TypeRegistry(types *types.Registry) EngineOption {
	return engineOption(func(o *Engine) error {
		o.types = types
		return nil
	})
}

// Clock sets a clock implementation. Default is clock.Time.
func Clock(clock clock.Clock) EngineOption {
	return engineOption(func(o *Engine) error {
		o.clock = clock
		return nil
	})
}

// ID sets a unique ID generator implementation. Default is id.NUID.
func ID(id id.ID) EngineOption {
	return engineOption(func(o *Engine) error {
		o.id = id
		return nil
	})
}

// Logger sets a logger for the engine and everything derived from it.
// Default is a no-op logger.
func Logger(log *zap.Logger) EngineOption {
	return engineOption(func(o *Engine) error {
		o.log = log
		return nil
	})
}

// Engine holds the shared dependencies for event stores, dispatchers,
// executors, projections, and choreographies. All state is injected through
// it rather than ambient globals.
type Engine struct {
	id    id.ID
	clock clock.Clock
	types *types.Registry
	log   *zap.Logger
}

// EventStore binds a named store to a storage backend.
func (e *Engine) EventStore(name string, storage Storage, opts ...EventStoreOption) (*EventStore, error) {
	es := &EventStore{
		name:    name,
		storage: storage,
		engine:  e,
	}

	for _, o := range opts {
		if err := o.addStoreOption(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Dispatcher initializes an event dispatcher bound to the engine's logger.
func (e *Engine) Dispatcher() *Dispatcher {
	return &Dispatcher{
		log: e.log.Named("dispatcher"),
	}
}

// New initializes a new engine.
func New(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		id:    id.NUID,
		clock: clock.Time,
		log:   zap.NewNop(),
	}

	for _, o := range opts {
		if err := o.addOption(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}
