package strand_test

import (
	"context"
	"errors"
	"testing"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/testutil"
)

func fulfillmentSteps() []strand.Step {
	return []strand.Step{
		{Name: "reserve", Trigger: "order-placed", Produces: "stock-reserved"},
		{Name: "charge", Trigger: "stock-reserved", Produces: "payment-charged"},
	}
}

func TestChoreographyCausalChain(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New(strand.ID(&testutil.Seq{}))
	is.NoErr(err)

	d := e.Dispatcher()

	// Observe the whole chain.
	var chain []*strand.Event
	d.Subscribe(strand.Wildcard, strand.HandlerFunc(func(ctx context.Context, event *strand.Event) error {
		chain = append(chain, event)
		return nil
	}))

	c, err := e.Choreography("fulfillment", d, fulfillmentSteps())
	is.NoErr(err)

	is.NoErr(c.Handle("reserve", func(ctx context.Context, event *strand.Event) (any, error) {
		return map[string]string{"sku": "x"}, nil
	}))
	is.NoErr(c.Handle("charge", func(ctx context.Context, event *strand.Event) (any, error) {
		return map[string]string{"amount": "10"}, nil
	}))

	trigger := &strand.Event{ID: "evt-1", AggregateID: "o1", Type: "order-placed"}
	is.NoErr(d.Publish(context.Background(), trigger))

	// trigger, stock-reserved, payment-charged.
	is.Equal(len(chain), 3)
	is.Equal(chain[1].Type, "stock-reserved")
	is.Equal(chain[2].Type, "payment-charged")

	// Every produced event is caused by the one that triggered its step and
	// the whole chain shares one correlation ID.
	is.Equal(chain[1].CausationID(), trigger.ID)
	is.Equal(chain[2].CausationID(), chain[1].ID)
	is.Equal(chain[1].CorrelationID(), trigger.ID)
	is.Equal(chain[2].CorrelationID(), trigger.ID)

	status, ok := c.Status(trigger.ID)
	is.True(ok)
	is.Equal(status, strand.StatusCompleted)

	records := c.Records(trigger.ID)
	is.Equal(len(records), 2)
	is.Equal(records[0].Step, "reserve")
	is.Equal(records[0].Status, strand.StatusCompleted)
	is.Equal(records[1].Step, "charge")
}

func TestChoreographyFailureAndCompensation(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New()
	is.NoErr(err)

	d := e.Dispatcher()

	c, err := e.Choreography("fulfillment", d, fulfillmentSteps())
	is.NoErr(err)

	is.NoErr(c.Handle("reserve", func(ctx context.Context, event *strand.Event) (any, error) {
		return nil, nil
	}))
	is.NoErr(c.Handle("charge", func(ctx context.Context, event *strand.Event) (any, error) {
		return nil, errors.New("card declined")
	}))

	// Compensation is an explicit subscriber of the failed event, not
	// anything the choreography does on its own.
	var compensated []string
	d.Subscribe("chargeFailed", strand.HandlerFunc(func(ctx context.Context, event *strand.Event) error {
		compensated = append(compensated, event.CorrelationID())
		return c.Compensated(event.CorrelationID())
	}))

	trigger := &strand.Event{ID: "evt-1", AggregateID: "o1", Type: "order-placed"}
	is.NoErr(d.Publish(context.Background(), trigger))

	is.Equal(compensated, []string{"evt-1"})

	status, ok := c.Status("evt-1")
	is.True(ok)
	is.Equal(status, strand.StatusCompensated)

	// A terminal flow no longer advances, even on a fresh trigger.
	is.NoErr(d.Publish(context.Background(), &strand.Event{
		ID:   "evt-2",
		Type: "order-placed",
		Meta: map[string]string{strand.MetaCorrelationID: "evt-1"},
	}))

	status, _ = c.Status("evt-1")
	is.Equal(status, strand.StatusCompensated)

	records := c.Records("evt-1")
	is.Equal(records[0].Step, "reserve")
	is.Equal(records[0].Status, strand.StatusCompleted)
	is.Equal(records[1].Step, "charge")
	is.Equal(records[1].Status, strand.StatusFailed)
}

func TestChoreographyFailedEventDetail(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New()
	is.NoErr(err)

	d := e.Dispatcher()

	c, err := e.Choreography("fulfillment", d, fulfillmentSteps())
	is.NoErr(err)

	is.NoErr(c.Handle("reserve", func(ctx context.Context, event *strand.Event) (any, error) {
		return nil, errors.New("out of stock")
	}))

	var failed *strand.Event
	d.Subscribe("reserveFailed", strand.HandlerFunc(func(ctx context.Context, event *strand.Event) error {
		failed = event
		return nil
	}))

	trigger := &strand.Event{ID: "evt-9", AggregateID: "o9", Type: "order-placed"}
	is.NoErr(d.Publish(context.Background(), trigger))

	is.True(failed != nil)
	is.Equal(failed.CausationID(), "evt-9")
	is.Equal(failed.Meta["error"], "out of stock")

	status, ok := c.Status("evt-9")
	is.True(ok)
	is.Equal(status, strand.StatusFailed)

	// Only a failed flow can be marked compensated.
	err = c.Compensated("missing")
	is.Err(err, strand.ErrFlowUnknown)
}

func TestChoreographyUnregisteredStep(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New()
	is.NoErr(err)

	d := e.Dispatcher()

	c, err := e.Choreography("fulfillment", d, fulfillmentSteps())
	is.NoErr(err)

	err = c.Handle("refund", func(ctx context.Context, event *strand.Event) (any, error) {
		return nil, nil
	})
	is.Err(err, strand.ErrStepUnknown)

	// Publishing a trigger without a registered handler surfaces through
	// the dispatcher's aggregated error.
	err = d.Publish(context.Background(), &strand.Event{ID: "evt-1", Type: "order-placed"})
	is.Err(err, strand.ErrStepNotRegistered)
}
