// Package storagetest provides the behavioral suite every storage backend
// must pass. Backend test files call Run with a constructor for a fresh
// storage.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/testutil"
)

// Run exercises the behavior every storage backend must share. Each subtest
// gets a fresh storage from init, so backends with external state can
// isolate streams or files per subtest.
func Run(t *testing.T, init func(t *testing.T) strand.Storage) {
	ctx := context.Background()
	base := time.Date(2023, 4, 11, 9, 0, 0, 0, time.UTC)

	rec := func(aggregateID, eventType string, version uint64, at time.Time) *strand.Record {
		return &strand.Record{
			ID:          fmt.Sprintf("%s-%d", aggregateID, version),
			AggregateID: aggregateID,
			Type:        eventType,
			Schema:      1,
			Version:     version,
			Time:        at,
			Data:        []byte(`{"n":1}`),
			Meta:        map[string]string{strand.MetaCorrelationID: "c-1"},
		}
	}

	batch := func(aggregateID, eventType string, after uint64, n int) []*strand.Record {
		var records []*strand.Record
		for i := 0; i < n; i++ {
			version := after + uint64(i) + 1
			records = append(records, rec(aggregateID, eventType, version, base.Add(time.Duration(version)*time.Second)))
		}
		return records
	}

	t.Run("empty", func(t *testing.T) {
		is := testutil.NewIs(t)
		s := init(t)

		version, err := s.Version(ctx, "orders-1")
		is.NoErr(err)
		is.Equal(version, uint64(0))

		records, err := s.Read(ctx, "orders-1", 0)
		is.NoErr(err)
		is.Equal(len(records), 0)
	})

	t.Run("append-read", func(t *testing.T) {
		is := testutil.NewIs(t)
		s := init(t)

		is.NoErr(s.Append(ctx, "orders-1", batch("orders-1", "order-placed", 0, 3), 0))

		version, err := s.Version(ctx, "orders-1")
		is.NoErr(err)
		is.Equal(version, uint64(3))

		records, err := s.Read(ctx, "orders-1", 0)
		is.NoErr(err)
		is.Equal(len(records), 3)
		for i, r := range records {
			is.Equal(r.Version, uint64(i)+1)
			is.Equal(r.AggregateID, "orders-1")
			is.Equal(r.Type, "order-placed")
			is.Equal(string(r.Data), `{"n":1}`)
			is.Equal(r.Meta[strand.MetaCorrelationID], "c-1")
			is.True(r.Time.Equal(base.Add(time.Duration(i+1) * time.Second)))
		}

		records, err = s.Read(ctx, "orders-1", 2)
		is.NoErr(err)
		is.Equal(len(records), 1)
		is.Equal(records[0].Version, uint64(3))
	})

	t.Run("version-conflict", func(t *testing.T) {
		is := testutil.NewIs(t)
		s := init(t)

		is.NoErr(s.Append(ctx, "orders-1", batch("orders-1", "order-placed", 0, 1), 0))

		// Stale expectation, the aggregate moved on.
		err := s.Append(ctx, "orders-1", batch("orders-1", "order-placed", 0, 1), 0)
		is.Err(err, strand.ErrVersionConflict)

		// Expectation ahead of the stored version.
		err = s.Append(ctx, "orders-1", batch("orders-1", "order-placed", 5, 1), 5)
		is.Err(err, strand.ErrVersionConflict)

		// The failed appends left nothing behind.
		version, err := s.Version(ctx, "orders-1")
		is.NoErr(err)
		is.Equal(version, uint64(1))
	})

	t.Run("record-versions", func(t *testing.T) {
		is := testutil.NewIs(t)
		s := init(t)

		// Record versions must continue from the expected version.
		err := s.Append(ctx, "orders-1", batch("orders-1", "order-placed", 1, 1), 0)
		if err == nil {
			t.Error("expected error")
		}

		version, err := s.Version(ctx, "orders-1")
		is.NoErr(err)
		is.Equal(version, uint64(0))
	})

	t.Run("read-by-type", func(t *testing.T) {
		is := testutil.NewIs(t)
		s := init(t)

		is.NoErr(s.Append(ctx, "orders-1", []*strand.Record{rec("orders-1", "order-placed", 1, base)}, 0))
		is.NoErr(s.Append(ctx, "orders-2", []*strand.Record{rec("orders-2", "order-placed", 1, base.Add(time.Second))}, 0))
		is.NoErr(s.Append(ctx, "orders-1", []*strand.Record{rec("orders-1", "order-shipped", 2, base.Add(2*time.Second))}, 1))
		is.NoErr(s.Append(ctx, "orders-2", []*strand.Record{rec("orders-2", "order-placed", 2, base.Add(3*time.Second))}, 1))

		records, err := s.ReadByType(ctx, "order-placed", time.Time{})
		is.NoErr(err)
		is.Equal(len(records), 3)

		// Commit order across aggregates.
		is.Equal(records[0].AggregateID, "orders-1")
		is.Equal(records[1].AggregateID, "orders-2")
		is.Equal(records[2].AggregateID, "orders-2")

		records, err = s.ReadByType(ctx, "order-placed", base.Add(time.Second))
		is.NoErr(err)
		is.Equal(len(records), 2)
		is.Equal(records[0].Version, uint64(1))
		is.Equal(records[1].Version, uint64(2))
	})
}
