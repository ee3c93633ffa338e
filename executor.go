package strand

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/strand/resilience"
)

type executorOptFn func(x *Executor) error

func (f executorOptFn) addExecutorOption(x *Executor) error {
	return f(x)
}

// ExecutorOption is an option when creating an executor.
type ExecutorOption interface {
	addExecutorOption(x *Executor) error
}

// Retry overrides the policy used to retry a command on a version conflict.
// The retryable set is forced to version conflicts regardless of the policy's
// own predicate, since any other failure is terminal for a command.
func Retry(policy resilience.RetryPolicy) ExecutorOption {
	return executorOptFn(func(x *Executor) error {
		x.retry = policy
		return nil
	})
}

// Executor turns commands into committed events for one kind of aggregate.
// It owns the load-decide-append cycle: replay current state, decide on the
// command, and append the resulting events with the loaded version as the
// optimistic concurrency token. Conflicting appends are retried against
// freshly loaded state a bounded number of times.
type Executor struct {
	store *EventStore
	init  func() Decider
	retry resilience.RetryPolicy
	log   *zap.Logger
}

// Executor binds a command executor to a store. The init function returns a
// zero-valued aggregate to fold events into on each attempt.
func (e *Engine) Executor(store *EventStore, init func() Decider, opts ...ExecutorOption) (*Executor, error) {
	x := &Executor{
		store: store,
		init:  init,
		retry: resilience.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			Jitter:      0.5,
		},
		log: e.log.Named("executor"),
	}

	for _, o := range opts {
		if err := o.addExecutorOption(x); err != nil {
			return nil, err
		}
	}

	x.retry.Retryable = IsVersionConflict

	return x, nil
}

// Execute decides on the command against the aggregate's current state and
// appends the produced events. It returns the committed events on success, a
// rejection if the command is invalid against current state, or a version
// conflict once retries are exhausted. A rejected command has no side
// effects.
func (x *Executor) Execute(ctx context.Context, aggregateID string, command *Command) ([]*Event, error) {
	if command.Type == "" {
		return nil, ErrCommandType
	}

	if v, ok := command.Data.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCommandRejected, err)
		}
	}

	var committed []*Event

	err := x.retry.Execute(ctx, func(ctx context.Context) error {
		state := x.init()

		version, err := x.store.Evolve(ctx, aggregateID, state)
		if err != nil {
			return err
		}

		events, err := state.Decide(command)
		if err != nil {
			if IsRejected(err) {
				return err
			}
			return fmt.Errorf("%w: %s", ErrCommandRejected, err)
		}

		for _, event := range events {
			if command.ID != "" {
				event.setMeta(MetaCausationID, command.ID)
			}
			for k, v := range command.Meta {
				event.setMeta(k, v)
			}
		}

		_, err = x.store.Append(ctx, aggregateID, events, ExpectVersion(version))
		if err != nil {
			return err
		}

		committed = events
		return nil
	})
	if err != nil {
		if IsVersionConflict(err) {
			x.log.Debug("command conflicted after retries",
				zap.String("aggregate_id", aggregateID),
				zap.String("command_type", command.Type),
			)
		}
		return nil, err
	}

	return committed, nil
}
