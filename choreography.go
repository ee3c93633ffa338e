package strand

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrStepNotRegistered = errors.New("strand: step handler not registered")
	ErrStepUnknown       = errors.New("strand: step unknown")
	ErrFlowUnknown       = errors.New("strand: flow unknown")
)

// Status of a flow or a step within it.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// Step declares one reaction in a choreography: an event type that triggers
// it and the event type it produces on success. On failure, an event named
// Name+"Failed" is published instead.
type Step struct {
	Name     string
	Trigger  string
	Produces string
}

// FailedEventType returns the event type published when the step fails.
func (s Step) FailedEventType() string {
	return s.Name + "Failed"
}

// StepHandler performs a step's work in reaction to its trigger event and
// returns the payload for the produced event.
type StepHandler func(ctx context.Context, event *Event) (any, error)

// StepRecord captures the outcome of one step for one correlation.
type StepRecord struct {
	Step    string
	Status  Status
	EventID string
}

type flow struct {
	status  Status
	records []StepRecord
}

type choreographyOptFn func(c *Choreography) error

func (f choreographyOptFn) addChoreographyOption(c *Choreography) error {
	return f(c)
}

// ChoreographyOption is an option when declaring a choreography.
type ChoreographyOption interface {
	addChoreographyOption(c *Choreography) error
}

// Choreography drives a decentralized multi-step transaction by reacting to
// events and publishing the next one. Each produced event carries the
// triggering event's ID as its causation ID and propagates the correlation
// ID unchanged, so a chain is causally ordered per correlation while
// independent correlations interleave freely.
//
// The choreography stops advancing a correlation once it reaches a terminal
// status. It never rolls prior steps back: compensation is an explicit,
// forward-moving action taken by handlers subscribed to the step's failed
// event type, which then report it through Compensated.
type Choreography struct {
	name  string
	steps []Step

	byTrigger map[string]int
	last      map[string]bool

	dispatcher *Dispatcher
	engine     *Engine
	log        *zap.Logger

	mu       sync.Mutex
	handlers map[string]StepHandler
	flows    map[string]*flow
}

// Choreography declares a named choreography on the dispatcher. The steps
// must have unique, non-empty names and trigger event types; the
// choreography subscribes itself to every trigger.
func (e *Engine) Choreography(name string, d *Dispatcher, steps []Step, opts ...ChoreographyOption) (*Choreography, error) {
	c := &Choreography{
		name:       name,
		steps:      steps,
		byTrigger:  make(map[string]int),
		last:       make(map[string]bool),
		dispatcher: d,
		engine:     e,
		log:        e.log.Named("choreography").With(zap.String("flow", name)),
		handlers:   make(map[string]StepHandler),
		flows:      make(map[string]*flow),
	}

	triggers := make(map[string]bool)
	for _, s := range steps {
		triggers[s.Trigger] = true
	}

	for i, s := range steps {
		if s.Name == "" || s.Trigger == "" || s.Produces == "" {
			return nil, fmt.Errorf("%w: step %d is incomplete", ErrStepUnknown, i)
		}
		if _, ok := c.byTrigger[s.Trigger]; ok {
			return nil, fmt.Errorf("%w: duplicate trigger %q", ErrStepUnknown, s.Trigger)
		}
		c.byTrigger[s.Trigger] = i

		// A step whose produced event triggers no further step ends the flow.
		if !triggers[s.Produces] {
			c.last[s.Name] = true
		}
	}

	for _, o := range opts {
		if err := o.addChoreographyOption(c); err != nil {
			return nil, err
		}
	}

	for _, s := range steps {
		d.Subscribe(s.Trigger, c)
	}

	return c, nil
}

// Handle registers the handler that performs a step's work.
func (c *Choreography) Handle(stepName string, handler StepHandler) error {
	for _, s := range c.steps {
		if s.Name == stepName {
			c.mu.Lock()
			c.handlers[stepName] = handler
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrStepUnknown, stepName)
}

// HandleEvent implements Handler. An event whose type triggers a step
// advances the flow identified by the event's correlation ID, or starts a
// new flow keyed by the event's own ID when no correlation is set.
func (c *Choreography) HandleEvent(ctx context.Context, event *Event) error {
	i, ok := c.byTrigger[event.Type]
	if !ok {
		return nil
	}
	step := c.steps[i]

	correlationID := event.CorrelationID()
	if correlationID == "" {
		correlationID = event.ID
	}

	c.mu.Lock()
	fl, ok := c.flows[correlationID]
	if !ok {
		fl = &flow{status: StatusPending}
		c.flows[correlationID] = fl
	}
	if fl.status.terminal() {
		// The event is observed but the chain no longer advances.
		c.mu.Unlock()
		c.log.Debug("event on terminal flow",
			zap.String("correlation_id", correlationID),
			zap.String("event_type", event.Type),
			zap.String("status", string(fl.status)),
		)
		return nil
	}
	handler, registered := c.handlers[step.Name]
	c.mu.Unlock()

	if !registered {
		return fmt.Errorf("%w: %s", ErrStepNotRegistered, step.Name)
	}

	result, err := handler(ctx, event)
	if err != nil {
		return c.fail(ctx, step, event, correlationID, err)
	}

	return c.advance(ctx, step, event, correlationID, result)
}

func (c *Choreography) advance(ctx context.Context, step Step, cause *Event, correlationID string, result any) error {
	produced := &Event{
		ID:          c.engine.id.New(),
		AggregateID: cause.AggregateID,
		Type:        step.Produces,
		Time:        c.engine.clock.Now(),
		Data:        result,
	}
	produced.setMeta(MetaCorrelationID, correlationID)
	produced.setMeta(MetaCausationID, cause.ID)
	produced.setMeta(MetaSource, c.name)

	c.mu.Lock()
	fl := c.flows[correlationID]
	fl.records = append(fl.records, StepRecord{
		Step:    step.Name,
		Status:  StatusCompleted,
		EventID: produced.ID,
	})
	if c.last[step.Name] {
		fl.status = StatusCompleted
	}
	c.mu.Unlock()

	return c.dispatcher.Publish(ctx, produced)
}

func (c *Choreography) fail(ctx context.Context, step Step, cause *Event, correlationID string, stepErr error) error {
	failed := &Event{
		ID:          c.engine.id.New(),
		AggregateID: cause.AggregateID,
		Type:        step.FailedEventType(),
		Time:        c.engine.clock.Now(),
	}
	failed.setMeta(MetaCorrelationID, correlationID)
	failed.setMeta(MetaCausationID, cause.ID)
	failed.setMeta(MetaSource, c.name)
	failed.setMeta("error", stepErr.Error())

	c.mu.Lock()
	fl := c.flows[correlationID]
	fl.status = StatusFailed
	fl.records = append(fl.records, StepRecord{
		Step:    step.Name,
		Status:  StatusFailed,
		EventID: failed.ID,
	})
	c.mu.Unlock()

	c.log.Warn("step failed",
		zap.String("correlation_id", correlationID),
		zap.String("step", step.Name),
		zap.Error(stepErr),
	)

	return c.dispatcher.Publish(ctx, failed)
}

// Compensated marks a failed flow as compensated. It is called by the
// handlers that performed the compensating actions; the choreography itself
// never compensates anything.
func (c *Choreography) Compensated(correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl, ok := c.flows[correlationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFlowUnknown, correlationID)
	}
	if fl.status != StatusFailed {
		return fmt.Errorf("strand: flow %s is %s, only a failed flow compensates", correlationID, fl.status)
	}

	fl.status = StatusCompensated
	fl.records = append(fl.records, StepRecord{
		Step:   "compensation",
		Status: StatusCompensated,
	})
	return nil
}

// Status returns the flow's status for a correlation ID.
func (c *Choreography) Status(correlationID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl, ok := c.flows[correlationID]
	if !ok {
		return "", false
	}
	return fl.status, true
}

// Records returns the step records accumulated for a correlation ID.
func (c *Choreography) Records(correlationID string) []StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl, ok := c.flows[correlationID]
	if !ok {
		return nil
	}
	records := make([]StepRecord, len(fl.records))
	copy(records, fl.records)
	return records
}
