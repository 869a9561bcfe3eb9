package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backstop-io/backstop/stream"
)

type fakeCounters struct {
	mu      sync.Mutex
	cleared []string
	err     error
}

func (f *fakeCounters) Clear(ctx context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, ids...)
	return nil
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *stream.MemoryClient) {
	t.Helper()
	mc := stream.NewMemoryClient()
	st, err := stream.New(mc)
	if err != nil {
		t.Fatalf("stream.New failed: %v", err)
	}
	q := New(st, "work", "workers", opts...)
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return q, mc
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Enqueue stamps enqueued_at", func(t *testing.T) {
		q, _ := newTestQueue(t)
		id, err := q.Enqueue(ctx, map[string]string{FieldCandidateID: "42"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		fields, ok, err := q.Get(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Get failed: ok=%v err=%v", ok, err)
		}
		if fields[FieldEnqueuedAt] == "" {
			t.Error("expected enqueued_at to be stamped")
		}
		if fields[FieldCandidateID] != "42" {
			t.Errorf("candidate_id = %q, want 42", fields[FieldCandidateID])
		}
	})

	t.Run("Enqueue keeps a caller-supplied enqueued_at", func(t *testing.T) {
		q, _ := newTestQueue(t)
		id, _ := q.Enqueue(ctx, map[string]string{FieldEnqueuedAt: "12345"})
		fields, _, _ := q.Get(ctx, id)
		if fields[FieldEnqueuedAt] != "12345" {
			t.Errorf("enqueued_at = %q, want 12345", fields[FieldEnqueuedAt])
		}
	})

	t.Run("ConsumeBatch delivers each message once", func(t *testing.T) {
		q, _ := newTestQueue(t)
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})

		batch, err := q.ConsumeBatch(ctx, 10, time.Millisecond)
		if err != nil {
			t.Fatalf("ConsumeBatch failed: %v", err)
		}
		if len(batch) != 1 || batch[0].ID != id {
			t.Fatalf("unexpected batch: %v", batch)
		}

		batch, err = q.ConsumeBatch(ctx, 10, time.Millisecond)
		if err != nil {
			t.Fatalf("second ConsumeBatch failed: %v", err)
		}
		if len(batch) != 0 {
			t.Errorf("expected empty batch on timeout, got %v", batch)
		}
	})

	t.Run("Ack clears the reclaim counter", func(t *testing.T) {
		counters := &fakeCounters{}
		q, _ := newTestQueue(t, WithCounters(counters))
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.ConsumeBatch(ctx, 10, time.Millisecond)

		acked, err := q.Ack(ctx, id)
		if err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		if !acked {
			t.Error("expected ack to report true")
		}
		if len(counters.cleared) != 1 || counters.cleared[0] != id {
			t.Errorf("expected counter cleared for %s, got %v", id, counters.cleared)
		}
	})

	t.Run("counter failure does not fail the ack", func(t *testing.T) {
		counters := &fakeCounters{err: context.DeadlineExceeded}
		q, _ := newTestQueue(t, WithCounters(counters))
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.ConsumeBatch(ctx, 10, time.Millisecond)

		acked, err := q.Ack(ctx, id)
		if err != nil {
			t.Fatalf("Ack should swallow counter failure, got %v", err)
		}
		if !acked {
			t.Error("expected ack to succeed")
		}
	})

	t.Run("AckDelete removes history", func(t *testing.T) {
		q, _ := newTestQueue(t)
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.ConsumeBatch(ctx, 10, time.Millisecond)

		acked, err := q.AckDelete(ctx, id)
		if err != nil || !acked {
			t.Fatalf("AckDelete failed: acked=%v err=%v", acked, err)
		}
		if _, ok, _ := q.Get(ctx, id); ok {
			t.Error("expected entry to be deleted")
		}
	})

	t.Run("Resume re-reads this consumer's own pending slice", func(t *testing.T) {
		q, _ := newTestQueue(t, WithConsumer("worker-1"))
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.ConsumeBatch(ctx, 10, time.Millisecond) // delivered, never acked

		// A restarted worker-1 picks its unfinished delivery back up.
		batch, err := q.Resume(ctx, 10)
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if len(batch) != 1 || batch[0].ID != id {
			t.Fatalf("unexpected resume batch: %v", batch)
		}
		if batch[0].Fields[FieldCandidateID] != "1" {
			t.Errorf("candidate_id = %q, want 1", batch[0].Fields[FieldCandidateID])
		}

		// Once acked it is no longer part of the pending slice.
		if _, err := q.Ack(ctx, id); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		batch, err = q.Resume(ctx, 10)
		if err != nil {
			t.Fatalf("Resume after ack failed: %v", err)
		}
		if len(batch) != 0 {
			t.Errorf("expected empty resume batch after ack, got %v", batch)
		}
	})

	t.Run("Claim recovers a stalled delivery", func(t *testing.T) {
		q, mc := newTestQueue(t, WithConsumer("reclaimer"))
		id, _ := q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.ConsumeBatch(ctx, 10, time.Millisecond) // consumer claims, never acks
		mc.Advance(time.Minute)

		got, err := q.Claim(ctx, 30*time.Second, id)
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != id {
			t.Fatalf("unexpected claim result: %v", got)
		}
	})

	t.Run("Stats reports depth", func(t *testing.T) {
		q, _ := newTestQueue(t)
		q.Enqueue(ctx, map[string]string{FieldCandidateID: "1"})
		q.Enqueue(ctx, map[string]string{FieldCandidateID: "2"})
		q.ConsumeBatch(ctx, 1, time.Millisecond)

		st := q.Stats(ctx)
		if st.Length != 2 {
			t.Errorf("Length = %d, want 2", st.Length)
		}
		if st.Pending != 1 {
			t.Errorf("Pending = %d, want 1", st.Pending)
		}
	})
}
