/*
Package strand is a durable, replayable event-sourced workflow engine with
CQRS projections and event choreography.

# Setup

Initialize an engine, typically with a type registry for event payloads.

	tr, err := types.NewRegistry(map[string]*types.Type{
		"user-created": {Init: func() any { return &UserCreated{} }},
		"user-updated": {Init: func() any { return &UserUpdated{} }},
	})

	e, err := strand.New(strand.TypeRegistry(tr))

# EventStore

Bind an event store to a storage backend. Backends are provided for
in-process tables, BoltDB files, and NATS JetStream streams.

	d := e.Dispatcher()
	es, err := e.EventStore("users", inmemory.New(), strand.Dispatch(d))

Append events with an expected version of zero, meaning the aggregate must
not exist yet. The store assigns versions, timestamps, and IDs.

	version, err := es.Append(ctx, "u1", []*strand.Event{{
		Data: &UserCreated{Email: "a@b.com"},
	}}, strand.ExpectVersion(0))

Load the aggregate's history, or fold it directly into a state value.

	events, version, err := es.Load(ctx, "u1")

	var user User
	version, err = es.Evolve(ctx, "u1", &user)

# Commands

An aggregate implementing Decider turns commands into events. The executor
owns the load-decide-append cycle and retries version conflicts against
fresh state.

	x, err := e.Executor(es, func() strand.Decider { return &User{} })
	events, err := x.Execute(ctx, "u1", &strand.Command{
		Type: "create-user",
		Data: &CreateUser{Email: "a@b.com"},
	})

# Projections

A projection keeps a query-optimized view eventually consistent with the
log, idempotently under at-least-once delivery, and can rebuild the view
from scratch at any time.

	p, err := e.Projection("user-directory", view)
	d.Subscribe("user-created", p)
	d.Subscribe("user-updated", p)

# Choreography

A choreography reacts to events with registered step handlers and publishes
each step's produced event, stamped with the correlation and causation IDs
that chain the flow. Failures publish a step-failed event; compensation is
an explicit follow-up by subscribers of that event.

	c, err := e.Choreography("fulfillment", d, []strand.Step{
		{Name: "reserve", Trigger: "order-placed", Produces: "stock-reserved"},
		{Name: "charge", Trigger: "stock-reserved", Produces: "payment-charged"},
	})
	err = c.Handle("reserve", reserveStock)
*/
package strand
