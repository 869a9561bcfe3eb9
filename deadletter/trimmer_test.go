package deadletter

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/backstop-io/backstop/archive"
	"github.com/backstop-io/backstop/queue"
)

// failingArchive wraps a store and fails upserts for one dead-letter id.
type failingArchive struct {
	*archive.MemoryStore
	failID string
}

func (f *failingArchive) Upsert(ctx context.Context, entry *archive.Entry) error {
	if entry.DeadLetterMsgID == f.failID {
		return errors.New("archive store unavailable")
	}
	return f.MemoryStore.Upsert(ctx, entry)
}

func deadLetterN(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fields := map[string]string{queue.FieldCandidateID: strconv.Itoa(i)}
		id := f.stall(t, fields)
		if _, err := f.pipeline.MoveToDeadLetter(ctx, id, fields, "max_reclaims_exceeded"); err != nil {
			t.Fatalf("MoveToDeadLetter failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestArchiveAndTrim(t *testing.T) {
	ctx := context.Background()

	t.Run("archives the oldest entries beyond the cap", func(t *testing.T) {
		f := newFixture(t)
		deadLetterN(t, f, 5)
		arch := archive.NewMemoryStore()
		trimmer := NewTrimmer(f.st, "work:dead", arch)

		sum, err := trimmer.ArchiveAndTrim(ctx, 3)
		if err != nil {
			t.Fatalf("ArchiveAndTrim() error = %v", err)
		}
		if sum.Archived != 2 || sum.Trimmed != 2 || sum.Errors != 0 {
			t.Errorf("Summary = %+v, want 2 archived and trimmed", sum)
		}
		if n, _ := f.pipeline.Count(ctx); n != 3 {
			t.Errorf("stream has %d entries, want 3", n)
		}
		if arch.Len() != 2 {
			t.Errorf("archive has %d entries, want 2", arch.Len())
		}

		// Archived rows carry the original identity for later audits.
		entries, _ := f.pipeline.List(ctx, "-", 10)
		for _, kept := range entries {
			if _, ok, _ := arch.Get(ctx, kept.ID); ok {
				t.Errorf("entry %s archived but still within the cap", kept.ID)
			}
		}
	})

	t.Run("within cap is a no-op", func(t *testing.T) {
		f := newFixture(t)
		deadLetterN(t, f, 2)
		trimmer := NewTrimmer(f.st, "work:dead", archive.NewMemoryStore())

		sum, err := trimmer.ArchiveAndTrim(ctx, 10)
		if err != nil {
			t.Fatalf("ArchiveAndTrim() error = %v", err)
		}
		if sum.Archived != 0 || sum.Trimmed != 0 {
			t.Errorf("Summary = %+v, want no work", sum)
		}
	})

	t.Run("archive failure blocks the trim of that entry", func(t *testing.T) {
		f := newFixture(t)
		deadLetterN(t, f, 4)
		entries, _ := f.pipeline.List(ctx, "-", 10)

		arch := &failingArchive{
			MemoryStore: archive.NewMemoryStore(),
			failID:      entries[0].ID,
		}
		trimmer := NewTrimmer(f.st, "work:dead", arch)

		sum, err := trimmer.ArchiveAndTrim(ctx, 2)
		if err != nil {
			t.Fatalf("ArchiveAndTrim() error = %v", err)
		}
		if sum.Errors != 1 || sum.Archived != 1 || sum.Trimmed != 1 {
			t.Errorf("Summary = %+v, want 1 archived, 1 trimmed, 1 error", sum)
		}

		// The unarchived entry is still on the stream for the next pass.
		if _, ok, err := f.st.Get(ctx, "work:dead", entries[0].ID); err != nil || !ok {
			t.Errorf("unarchived entry was trimmed: ok=%v err=%v", ok, err)
		}
	})

	t.Run("re-archiving after a crash is harmless", func(t *testing.T) {
		f := newFixture(t)
		deadLetterN(t, f, 3)
		entries, _ := f.pipeline.List(ctx, "-", 10)
		arch := archive.NewMemoryStore()

		// Simulate a pass that archived but crashed before deleting.
		first := entries[0]
		arch.Upsert(ctx, &archive.Entry{
			DeadLetterMsgID: first.ID,
			OriginalMsgID:   first.OriginalMsgID,
			Reason:          first.Reason,
			Fields:          first.Fields,
			DeadLetteredAt:  first.DeadLetteredAt,
		})

		trimmer := NewTrimmer(f.st, "work:dead", arch)
		sum, err := trimmer.ArchiveAndTrim(ctx, 1)
		if err != nil {
			t.Fatalf("ArchiveAndTrim() error = %v", err)
		}
		if sum.Errors != 0 || sum.Trimmed != 2 {
			t.Errorf("Summary = %+v, want 2 trimmed without errors", sum)
		}
		if arch.Len() != 2 {
			t.Errorf("archive has %d entries, want 2", arch.Len())
		}
	})
}
