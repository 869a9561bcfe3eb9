package replaylog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		store := NewMemoryStore()
		inserted, err := store.Insert(ctx, &Record{
			OriginalMsgID:   "1700000000000-0",
			DeadLetterMsgID: "1700000001000-0",
			CandidateID:     "42",
			ReplayedBy:      "operator-1",
		})
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if !inserted {
			t.Error("Insert() = false, want true for fresh record")
		}

		rec, err := store.Get(ctx, "1700000000000-0")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.CandidateID != "42" {
			t.Errorf("CandidateID = %q, want %q", rec.CandidateID, "42")
		}
		if rec.ReplayedAt.IsZero() {
			t.Error("ReplayedAt not stamped on insert")
		}
	})

	t.Run("duplicate insert returns false without error", func(t *testing.T) {
		store := NewMemoryStore()
		rec := &Record{OriginalMsgID: "1-0", DeadLetterMsgID: "2-0", ReplayedBy: "op"}
		if _, err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		inserted, err := store.Insert(ctx, rec)
		if err != nil {
			t.Fatalf("Insert() duplicate error = %v", err)
		}
		if inserted {
			t.Error("Insert() = true for duplicate, want false")
		}
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		store := NewMemoryStore()
		if _, err := store.Get(ctx, "missing-0"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("set new message id", func(t *testing.T) {
		store := NewMemoryStore()
		store.Insert(ctx, &Record{OriginalMsgID: "1-0", DeadLetterMsgID: "2-0", ReplayedBy: "op"})

		if err := store.SetNewMessageID(ctx, "1-0", "3-0"); err != nil {
			t.Fatalf("SetNewMessageID() error = %v", err)
		}
		rec, err := store.Get(ctx, "1-0")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.NewMsgID != "3-0" {
			t.Errorf("NewMsgID = %q, want %q", rec.NewMsgID, "3-0")
		}
	})

	t.Run("concurrent insert single winner", func(t *testing.T) {
		store := NewMemoryStore()
		const workers = 16

		var wg sync.WaitGroup
		wins := make(chan bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := store.Insert(ctx, &Record{
					OriginalMsgID:   "contested-0",
					DeadLetterMsgID: "dl-0",
					ReplayedBy:      "racer",
				})
				if err != nil {
					t.Errorf("Insert() error = %v", err)
					return
				}
				wins <- inserted
			}()
		}
		wg.Wait()
		close(wins)

		var winners int
		for w := range wins {
			if w {
				winners++
			}
		}
		if winners != 1 {
			t.Errorf("got %d insert winners, want exactly 1", winners)
		}
	})

	t.Run("retention delete", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		store.now = func() time.Time { return now }

		store.Insert(ctx, &Record{OriginalMsgID: "old-0", DeadLetterMsgID: "d-0", ReplayedBy: "op",
			ReplayedAt: now.Add(-48 * time.Hour)})
		store.Insert(ctx, &Record{OriginalMsgID: "new-0", DeadLetterMsgID: "d-1", ReplayedBy: "op",
			ReplayedAt: now.Add(-time.Hour)})

		n, err := store.CountOlderThan(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("CountOlderThan() error = %v", err)
		}
		if n != 1 {
			t.Errorf("CountOlderThan() = %d, want 1", n)
		}

		deleted, err := store.DeleteOlderThan(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if deleted != 1 {
			t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
		}
		if _, err := store.Get(ctx, "old-0"); !errors.Is(err, ErrNotFound) {
			t.Errorf("old record still present after delete")
		}
		if _, err := store.Get(ctx, "new-0"); err != nil {
			t.Errorf("recent record deleted: %v", err)
		}
	})
}
