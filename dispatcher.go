package strand

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler reacts to a committed event. Returning an error never undoes the
// commit; the dispatcher records the failure and continues delivery.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

type subscription struct {
	pattern string
	handler Handler
}

// Dispatcher delivers each published event to every matching subscriber,
// sequentially in subscription registration order. Delivery across events
// follows publish order. A failing handler does not prevent delivery to the
// remaining handlers for the same event.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []subscription
	log  *zap.Logger
}

// Subscribe registers a handler for an event type, or every type using the
// Wildcard pattern. Handlers for one event run in registration order.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subs = append(d.subs, subscription{
		pattern: eventType,
		handler: handler,
	})
}

// Publish delivers the event to every matching subscriber. Handler errors
// are aggregated and returned after all subscribers have been invoked; they
// never short-circuit the fan-out.
func (d *Dispatcher) Publish(ctx context.Context, event *Event) error {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	var errs error
	for _, sub := range subs {
		if sub.pattern != Wildcard && sub.pattern != event.Type {
			continue
		}

		if err := sub.handler.HandleEvent(ctx, event); err != nil {
			d.log.Warn("handler failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.String("pattern", sub.pattern),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
