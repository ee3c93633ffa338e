package strand_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/storage/inmemory"
	"github.com/strandlabs/strand/testutil"
	"github.com/strandlabs/strand/types"
)

type OrderPlaced struct {
	ID string
}

type OrderShipped struct {
	ID string
}

type OrderStats struct {
	OrdersPlaced  int
	OrdersShipped int
}

func (s *OrderStats) Evolve(event *strand.Event) error {
	switch event.Data.(type) {
	case *OrderPlaced:
		s.OrdersPlaced++
	case *OrderShipped:
		s.OrdersShipped++
	}
	return nil
}

func orderTypes(t *testing.T) *types.Registry {
	t.Helper()

	tr, err := types.NewRegistry(map[string]*types.Type{
		"order-placed": {
			Init: func() any { return &OrderPlaced{} },
		},
		"order-shipped": {
			Init: func() any { return &OrderShipped{} },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestEventStoreNoRegistry(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New()
	is.NoErr(err)

	es, err := e.EventStore("orders", inmemory.New())
	is.NoErr(err)

	ctx := context.Background()

	version, err := es.Append(ctx, "1", []*strand.Event{{
		Type: "foo",
		Data: []byte("hello"),
	}})
	is.NoErr(err)
	is.Equal(version, uint64(1))

	events, _, err := es.Load(ctx, "1")
	is.NoErr(err)
	is.Equal(events[0].Type, "foo")
	is.Equal(events[0].Data, []byte("hello"))
	is.Equal(events[0].Version, uint64(1))
}

func TestEventStoreWithRegistry(t *testing.T) {
	is := testutil.NewIs(t)

	tests := []struct {
		Name string
		Run  func(t *testing.T, es *strand.EventStore, aggregateID string)
	}{
		{
			"append-load-no-occ",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()
				devent := OrderPlaced{ID: "123"}
				version, err := es.Append(ctx, aggregateID, []*strand.Event{{
					Data: &devent,
				}})
				is.NoErr(err)
				is.Equal(version, uint64(1))

				events, lversion, err := es.Load(ctx, aggregateID)
				is.NoErr(err)

				is.Equal(version, lversion)
				is.Equal(len(events), 1)

				is.True(events[0].ID != "")
				is.True(!events[0].Time.IsZero())
				is.Equal(events[0].Type, "order-placed")
				is.Equal(events[0].AggregateID, aggregateID)
				data, ok := events[0].Data.(*OrderPlaced)
				is.True(ok)
				is.Equal(*data, devent)
			},
		},
		{
			"append-load-with-occ",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()

				event1 := &strand.Event{
					Data: &OrderPlaced{ID: "123"},
					Meta: map[string]string{
						"geo": "eu",
					},
				}

				version, err := es.Append(ctx, aggregateID, []*strand.Event{event1}, strand.ExpectVersion(0))
				is.NoErr(err)
				is.Equal(version, uint64(1))

				event2 := &strand.Event{
					Data: &OrderShipped{ID: "123"},
				}

				// Stale expected version must conflict and persist nothing.
				_, err = es.Append(ctx, aggregateID, []*strand.Event{event2}, strand.ExpectVersion(0))
				is.Err(err, strand.ErrVersionConflict)

				version, err = es.Append(ctx, aggregateID, []*strand.Event{event2}, strand.ExpectVersion(1))
				is.NoErr(err)
				is.Equal(version, uint64(2))

				events, lversion, err := es.Load(ctx, aggregateID)
				is.NoErr(err)

				is.Equal(version, lversion)
				is.Equal(len(events), 2)
				is.Equal(events[0].Meta["geo"], "eu")
			},
		},
		{
			"append-load-partial",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()

				version, err := es.Append(ctx, aggregateID, []*strand.Event{{Data: &OrderPlaced{ID: "123"}}}, strand.ExpectVersion(0))
				is.NoErr(err)
				is.Equal(version, uint64(1))

				version, err = es.Append(ctx, aggregateID, []*strand.Event{{Data: &OrderShipped{ID: "123"}}}, strand.ExpectVersion(1))
				is.NoErr(err)
				is.Equal(version, uint64(2))

				events, lversion, err := es.Load(ctx, aggregateID, strand.AfterVersion(1))
				is.NoErr(err)

				is.Equal(version, lversion)
				is.Equal(len(events), 1)
				is.Equal(events[0].Type, "order-shipped")
			},
		},
		{
			"version-contiguity",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()

				// A batch and two singles; versions come out 1, 2, 3, 4.
				_, err := es.Append(ctx, aggregateID, []*strand.Event{
					{Data: &OrderPlaced{ID: "1"}},
					{Data: &OrderPlaced{ID: "2"}},
				}, strand.ExpectVersion(0))
				is.NoErr(err)

				_, err = es.Append(ctx, aggregateID, []*strand.Event{{Data: &OrderShipped{ID: "1"}}})
				is.NoErr(err)
				_, err = es.Append(ctx, aggregateID, []*strand.Event{{Data: &OrderShipped{ID: "2"}}})
				is.NoErr(err)

				events, lversion, err := es.Load(ctx, aggregateID)
				is.NoErr(err)
				is.Equal(lversion, uint64(4))
				for i, event := range events {
					is.Equal(event.Version, uint64(i)+1)
				}
			},
		},
		{
			"concurrent-append",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()

				// Exactly one of two appends with the same expected version
				// may win.
				errs := make([]error, 2)
				var g errgroup.Group
				for i := 0; i < 2; i++ {
					i := i
					g.Go(func() error {
						_, errs[i] = es.Append(ctx, aggregateID, []*strand.Event{
							{Data: &OrderPlaced{ID: fmt.Sprintf("c%d", i)}},
						}, strand.ExpectVersion(0))
						return nil
					})
				}
				is.NoErr(g.Wait())

				var conflicts, wins int
				for _, err := range errs {
					if err == nil {
						wins++
					} else if strand.IsVersionConflict(err) {
						conflicts++
					}
				}
				is.Equal(wins, 1)
				is.Equal(conflicts, 1)

				// Retrying with the refreshed version succeeds.
				version, err := es.Version(ctx, aggregateID)
				is.NoErr(err)
				_, err = es.Append(ctx, aggregateID, []*strand.Event{
					{Data: &OrderPlaced{ID: "retry"}},
				}, strand.ExpectVersion(version))
				is.NoErr(err)
			},
		},
		{
			"evolve",
			func(t *testing.T, es *strand.EventStore, aggregateID string) {
				ctx := context.Background()

				_, err := es.Append(ctx, aggregateID, []*strand.Event{
					{Data: &OrderPlaced{ID: "1"}},
					{Data: &OrderPlaced{ID: "2"}},
					{Data: &OrderPlaced{ID: "3"}},
					{Data: &OrderShipped{ID: "2"}},
				})
				is.NoErr(err)

				var stats OrderStats
				version, err := es.Evolve(ctx, aggregateID, &stats)
				is.NoErr(err)
				is.Equal(version, uint64(4))

				is.Equal(stats.OrdersPlaced, 3)
				is.Equal(stats.OrdersShipped, 1)

				// Folding the same history into a fresh state yields the
				// same result.
				var again OrderStats
				_, err = es.Evolve(ctx, aggregateID, &again)
				is.NoErr(err)
				is.Equal(stats, again)

				// New event, partial fold with AfterVersion.
				version, err = es.Append(ctx, aggregateID, []*strand.Event{{Data: &OrderShipped{ID: "1"}}})
				is.NoErr(err)
				is.Equal(version, uint64(5))

				version2, err := es.Evolve(ctx, aggregateID, &stats, strand.AfterVersion(4))
				is.NoErr(err)
				is.Equal(version, version2)

				is.Equal(stats.OrdersPlaced, 3)
				is.Equal(stats.OrdersShipped, 2)
			},
		},
	}

	e, err := strand.New(strand.TypeRegistry(orderTypes(t)))
	is.NoErr(err)

	for i, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			// Fresh storage for each test.
			es, err := e.EventStore("orders", inmemory.New())
			is.NoErr(err)

			test.Run(t, es, fmt.Sprintf("order-%d", i))
		})
	}
}

func TestEventStoreLoadByType(t *testing.T) {
	is := testutil.NewIs(t)

	clk := testutil.NewClock(time.Minute)

	e, err := strand.New(
		strand.TypeRegistry(orderTypes(t)),
		strand.Clock(clk),
	)
	is.NoErr(err)

	es, err := e.EventStore("orders", inmemory.New())
	is.NoErr(err)

	ctx := context.Background()

	_, err = es.Append(ctx, "1", []*strand.Event{{Data: &OrderPlaced{ID: "1"}}})
	is.NoErr(err)
	_, err = es.Append(ctx, "2", []*strand.Event{{Data: &OrderPlaced{ID: "2"}}})
	is.NoErr(err)
	cutoff := clk.Last().Add(time.Second)
	_, err = es.Append(ctx, "1", []*strand.Event{{Data: &OrderShipped{ID: "1"}}})
	is.NoErr(err)
	_, err = es.Append(ctx, "3", []*strand.Event{{Data: &OrderPlaced{ID: "3"}}})
	is.NoErr(err)

	// Cross-aggregate scan in commit order.
	events, err := es.LoadByType(ctx, "order-placed")
	is.NoErr(err)
	is.Equal(len(events), 3)
	is.Equal(events[0].AggregateID, "1")
	is.Equal(events[1].AggregateID, "2")
	is.Equal(events[2].AggregateID, "3")

	// Bounded by a time cursor.
	events, err = es.LoadByType(ctx, "order-placed", strand.SinceTime(cutoff))
	is.NoErr(err)
	is.Equal(len(events), 1)
	is.Equal(events[0].AggregateID, "3")
}

func TestEventStoreDispatch(t *testing.T) {
	is := testutil.NewIs(t)

	e, err := strand.New(strand.TypeRegistry(orderTypes(t)))
	is.NoErr(err)

	d := e.Dispatcher()

	var got []string
	d.Subscribe(strand.Wildcard, strand.HandlerFunc(func(ctx context.Context, event *strand.Event) error {
		got = append(got, fmt.Sprintf("%s/%d", event.Type, event.Version))
		return nil
	}))

	es, err := e.EventStore("orders", inmemory.New(), strand.Dispatch(d))
	is.NoErr(err)

	ctx := context.Background()

	_, err = es.Append(ctx, "1", []*strand.Event{
		{Data: &OrderPlaced{ID: "1"}},
		{Data: &OrderShipped{ID: "1"}},
	})
	is.NoErr(err)

	// Committed events are delivered in commit order.
	is.Equal(got, []string{"order-placed/1", "order-shipped/2"})
}
