package strand

import (
	"time"
)

// Meta keys reserved by strand. These are carried on events for traceability
// and never affect how an event is applied.
const (
	// MetaCorrelationID links every event belonging to one logical
	// multi-step transaction.
	MetaCorrelationID = "correlation-id"

	// MetaCausationID is the ID of the event that directly caused this one.
	MetaCausationID = "causation-id"

	// MetaSource identifies the component that produced the event.
	MetaSource = "source"
)

// Validator can be optionally implemented by user-defined types and will be
// validated in different contexts, such as before a command is decided on.
type Validator interface {
	Validate() error
}

// Event is an immutable fact about an aggregate. Once appended to a store, an
// event is never updated or deleted.
type Event struct {
	// ID of the event. NUID, ULID, XID, or UUID are recommended. If empty,
	// one is assigned on append using the configured ID generator.
	ID string

	// AggregateID identifies the entity this event describes.
	AggregateID string

	// Type is a unique name describing the meaning of the event.
	Type string

	// Schema is the revision of the payload shape for this event type. It is
	// distinct from Version: Schema evolves when the payload changes shape,
	// Version orders events within an aggregate. Zero means revision 1.
	Schema uint32

	// Version is the position of the event in the aggregate's history. It is
	// assigned by the store, is contiguous starting at 1, and doubles as the
	// optimistic concurrency token.
	Version uint64

	// Time of when the event was committed. Assigned by the store at append
	// time, never by the caller.
	Time time.Time

	// Data is the event payload. This must be a byte slice (pre-encoded) or
	// a value of a type registered in the type registry.
	Data any

	// Meta associated with the event. Traceability only.
	Meta map[string]string
}

// CorrelationID returns the correlation ID carried in the event meta.
func (e *Event) CorrelationID() string {
	return e.Meta[MetaCorrelationID]
}

// CausationID returns the causation ID carried in the event meta.
func (e *Event) CausationID() string {
	return e.Meta[MetaCausationID]
}

func (e *Event) setMeta(key, value string) {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
}

// Command is a request to change one aggregate. It is decided on against the
// aggregate's current state and results in zero or more events.
type Command struct {
	ID   string
	Type string
	Time time.Time
	Data any

	// Meta is copied onto produced events for traceability.
	Meta map[string]string
}
