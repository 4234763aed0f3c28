package bufferqueue

import (
	"testing"
	"time"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/clock"
)

func TestEnqueue_RejectedWhenNotBuffering(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	q := New(c, 10)

	if err := q.Enqueue(Item{ID: "a"}); apperr.KindOf(err) != apperr.KindState {
		t.Fatalf("expected state error when idle, got %v", err)
	}
}

func TestEnqueue_DropsOnCapacity(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	q := New(c, 1)
	q.StartBuffering()

	if err := q.Enqueue(Item{ID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(Item{ID: "b"}); apperr.KindOf(err) != apperr.KindCapacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", q.Stats().Dropped)
	}
}

func TestDrain_OrdersByPriorityDescThenEnqueuedAtAsc(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	q := New(c, 0)
	q.StartBuffering()

	q.Enqueue(Item{ID: "low-first", Priority: 1, EnqueuedAt: 1})
	q.Enqueue(Item{ID: "high", Priority: 5, EnqueuedAt: 2})
	q.Enqueue(Item{ID: "low-second", Priority: 1, EnqueuedAt: 3})

	out := q.Drain()
	if len(out) != 3 || out[0].ID != "high" || out[1].ID != "low-first" || out[2].ID != "low-second" {
		t.Fatalf("drain order = %+v", out)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got %d", q.Len())
	}
}

func TestDrainBatch_PeelsTopNLeavesRest(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	q := New(c, 0)
	q.StartBuffering()

	for i, id := range []string{"a", "b", "c"} {
		q.Enqueue(Item{ID: id, Priority: 1, EnqueuedAt: int64(i)})
	}

	batch := q.DrainBatch(2)
	if len(batch) != 2 || q.Len() != 1 {
		t.Fatalf("batch = %+v, remaining = %d", batch, q.Len())
	}
}

func TestDrain_PrunesExpiredItems(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	q := New(c, 0)
	q.StartBuffering()

	q.Enqueue(Item{ID: "expired", EnqueuedAt: 0, ExpiresAt: 5})
	c.Advance(10 * time.Millisecond)
	q.Enqueue(Item{ID: "fresh", EnqueuedAt: 10})

	out := q.Drain()
	if len(out) != 1 || out[0].ID != "fresh" {
		t.Fatalf("drain = %+v, want only fresh", out)
	}
	if q.Stats().Expired != 1 {
		t.Fatalf("expired stat = %d, want 1", q.Stats().Expired)
	}
}
