package strand

import "errors"

var (
	ErrCommandRejected = errors.New("strand: command rejected")
	ErrCommandType     = errors.New("strand: command type required")
)

// Evolver is the pure transition function of an aggregate. Current state is
// the left-fold of the aggregate's events, in version order, through Evolve.
type Evolver interface {
	Evolve(event *Event) error
}

// Decider is an aggregate that can decide on a command against its current
// state. A decision produces zero or more new events, or an error when the
// command violates a business invariant. Decide must not have side effects;
// persistence and delivery happen on append.
type Decider interface {
	Evolver

	Decide(command *Command) ([]*Event, error)
}

// IsRejected reports whether the error is a command rejection, meaning the
// command was refused before anything was persisted. Rejections are never
// retried automatically.
func IsRejected(err error) bool {
	return errors.Is(err, ErrCommandRejected)
}

// IsVersionConflict reports whether the error is an optimistic concurrency
// conflict, meaning the aggregate changed between load and append. The
// caller may reload and retry.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
