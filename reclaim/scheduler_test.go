package reclaim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backstop-io/backstop/queue"
	"github.com/backstop-io/backstop/stream"
)

type fakeDeadLetterer struct {
	mu    sync.Mutex
	moved []string
	q     *queue.Queue
	err   error
}

func (f *fakeDeadLetterer) MoveToDeadLetter(ctx context.Context, id string, fields map[string]string, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.moved = append(f.moved, id)
	if f.q != nil {
		f.q.Ack(ctx, id)
	}
	return true, nil
}

type fixture struct {
	q        *queue.Queue
	mc       *stream.MemoryClient
	st       *stream.Store
	attempts *MemoryAttemptStore
	dead     *fakeDeadLetterer
	sched    *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mc := stream.NewMemoryClient()
	st, err := stream.New(mc)
	if err != nil {
		t.Fatalf("stream.New failed: %v", err)
	}
	attempts := NewMemoryAttemptStore()
	q := queue.New(st, "work", "workers",
		queue.WithConsumer("reclaimer"),
		queue.WithCounters(attempts))
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	dead := &fakeDeadLetterer{q: q}
	return &fixture{
		q:        q,
		mc:       mc,
		st:       st,
		attempts: attempts,
		dead:     dead,
		sched:    New(q, attempts, dead, opts...),
	}
}

// stall enqueues a message and simulates a consumer that claimed it and
// crashed without acking.
func (f *fixture) stall(t *testing.T, fields map[string]string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.q.Enqueue(ctx, fields)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	batch, err := f.q.ConsumeBatch(ctx, 100, time.Millisecond)
	if err != nil {
		t.Fatalf("ConsumeBatch failed: %v", err)
	}
	if len(batch) == 0 {
		t.Fatal("expected a delivery")
	}
	return id
}

func TestReclaimStalled(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims a stalled message after the idle threshold", func(t *testing.T) {
		f := newFixture(t)
		id := f.stall(t, map[string]string{queue.FieldCandidateID: "42"})
		f.mc.Advance(time.Minute)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 5, 100, false)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.Reclaimed != 1 {
			t.Errorf("Reclaimed = %d, want 1", sum.Reclaimed)
		}
		if n, _ := f.attempts.Get(ctx, id); n != 1 {
			t.Errorf("attempt count = %d, want 1", n)
		}
	})

	t.Run("defers messages that are not stalled yet", func(t *testing.T) {
		f := newFixture(t)
		f.stall(t, map[string]string{queue.FieldCandidateID: "42"})
		f.mc.Advance(10 * time.Second)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 5, 100, false)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.BackoffDeferred != 1 || sum.Reclaimed != 0 {
			t.Errorf("unexpected summary: %+v", sum)
		}
	})

	t.Run("backoff requires exponentially longer idle per attempt", func(t *testing.T) {
		f := newFixture(t, WithBackoff(time.Minute, time.Hour))
		id := f.stall(t, map[string]string{queue.FieldCandidateID: "42"})

		// First reclaim: no attempts yet, so idleThreshold gates.
		f.mc.Advance(31 * time.Second)
		sum, _ := f.sched.ReclaimStalled(ctx, 30*time.Second, 10, 100, true)
		if sum.Reclaimed != 1 {
			t.Fatalf("first pass Reclaimed = %d, want 1", sum.Reclaimed)
		}

		// attempts=1 now requires backoff(1)=1m of idle; 31s is not enough.
		f.mc.Advance(31 * time.Second)
		sum, _ = f.sched.ReclaimStalled(ctx, 30*time.Second, 10, 100, true)
		if sum.BackoffDeferred != 1 || sum.Reclaimed != 0 {
			t.Fatalf("second pass summary: %+v", sum)
		}

		// Past the backoff window it reclaims again.
		f.mc.Advance(time.Minute)
		sum, _ = f.sched.ReclaimStalled(ctx, 30*time.Second, 10, 100, true)
		if sum.Reclaimed != 1 {
			t.Fatalf("third pass Reclaimed = %d, want 1", sum.Reclaimed)
		}
		if n, _ := f.attempts.Get(ctx, id); n != 2 {
			t.Errorf("attempt count = %d, want 2", n)
		}
	})

	t.Run("dead-letters messages at the retry ceiling ignoring backoff", func(t *testing.T) {
		f := newFixture(t, WithBackoff(time.Hour, time.Hour))
		id := f.stall(t, map[string]string{queue.FieldCandidateID: "42"})
		f.mc.Advance(time.Minute)

		// Delivery count is already 1; ceiling of 1 routes it immediately,
		// even though the backoff window is an hour.
		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 1, 100, true)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.DeadLettered != 1 {
			t.Errorf("DeadLettered = %d, want 1", sum.DeadLettered)
		}
		if len(f.dead.moved) != 1 || f.dead.moved[0] != id {
			t.Errorf("expected %s moved, got %v", id, f.dead.moved)
		}
	})

	t.Run("caps reclaims per pass and defers the excess", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			f.stall(t, map[string]string{queue.FieldCandidateID: "c"})
		}
		f.mc.Advance(time.Minute)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 5, 1, false)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.Reclaimed != 1 {
			t.Errorf("Reclaimed = %d, want 1", sum.Reclaimed)
		}
		if sum.Skipped != 2 {
			t.Errorf("Skipped = %d, want 2", sum.Skipped)
		}
	})

	t.Run("pacing defers claims once the token bucket drains", func(t *testing.T) {
		// Zero refill rate with a burst of one: the pacer admits exactly one
		// claim, so the rest defer even though the per-pass cap has room.
		f := newFixture(t, WithPacing(0, 1))
		for i := 0; i < 3; i++ {
			f.stall(t, map[string]string{queue.FieldCandidateID: "c"})
		}
		f.mc.Advance(time.Minute)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 5, 100, false)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.Reclaimed != 1 {
			t.Errorf("Reclaimed = %d, want 1", sum.Reclaimed)
		}
		if sum.Skipped != 2 {
			t.Errorf("Skipped = %d, want 2", sum.Skipped)
		}

		entries, _ := f.q.Pending(ctx, 100, 0)
		if len(entries) != 3 {
			t.Errorf("pending = %d entries, want all 3 retained for the next pass", len(entries))
		}
	})

	t.Run("cleans up pending entries whose message was trimmed", func(t *testing.T) {
		f := newFixture(t)
		id := f.stall(t, map[string]string{queue.FieldCandidateID: "42"})
		if _, err := f.st.Delete(ctx, "work", id); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		f.mc.Advance(time.Minute)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 1, 100, false)
		if err != nil {
			t.Fatalf("ReclaimStalled failed: %v", err)
		}
		if sum.Skipped != 1 || sum.DeadLettered != 0 {
			t.Errorf("unexpected summary: %+v", sum)
		}
		entries, _ := f.q.Pending(ctx, 100, 0)
		if len(entries) != 0 {
			t.Errorf("expected stale pending entry cleared, got %v", entries)
		}
	})

	t.Run("dead-letter failure is counted, not raised", func(t *testing.T) {
		f := newFixture(t)
		f.dead.err = context.DeadlineExceeded
		f.stall(t, map[string]string{queue.FieldCandidateID: "42"})
		f.mc.Advance(time.Minute)

		sum, err := f.sched.ReclaimStalled(ctx, 30*time.Second, 1, 100, false)
		if err != nil {
			t.Fatalf("expected pass to complete, got %v", err)
		}
		if sum.Errors != 1 {
			t.Errorf("Errors = %d, want 1", sum.Errors)
		}
	})
}

func TestCleanOrphanedCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pendingID := f.stall(t, map[string]string{queue.FieldCandidateID: "1"})
	f.attempts.Increment(ctx, pendingID)
	f.attempts.Increment(ctx, "1000-0") // no matching pending entry

	count, err := f.sched.CountOrphanedCounters(ctx)
	if err != nil {
		t.Fatalf("CountOrphanedCounters failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	removed, err := f.sched.CleanOrphanedCounters(ctx)
	if err != nil {
		t.Fatalf("CleanOrphanedCounters failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if n, _ := f.attempts.Get(ctx, pendingID); n != 1 {
		t.Errorf("live counter should survive, got %d", n)
	}
	if n, _ := f.attempts.Get(ctx, "1000-0"); n != 0 {
		t.Errorf("orphan counter should be cleared, got %d", n)
	}
}
