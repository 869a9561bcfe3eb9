package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/backstop-io/backstop/archive"
	"github.com/backstop-io/backstop/lock"
	"github.com/backstop-io/backstop/outbox"
	"github.com/backstop-io/backstop/replaylog"
)

// fixture builds memory stores with one old and one recent row each, plus
// one expired lock.
func fixture(t *testing.T) (*archive.MemoryStore, *replaylog.MemoryStore, *outbox.MemoryStore, *lock.MemoryLocker) {
	t.Helper()
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)

	arch := archive.NewMemoryStore()
	arch.Upsert(ctx, &archive.Entry{DeadLetterMsgID: "old-0", OriginalMsgID: "a-0",
		Reason: "r", Fields: map[string]string{}, ArchivedAt: old})
	arch.Upsert(ctx, &archive.Entry{DeadLetterMsgID: "new-0", OriginalMsgID: "b-0",
		Reason: "r", Fields: map[string]string{}})

	replay := replaylog.NewMemoryStore()
	replay.Insert(ctx, &replaylog.Record{OriginalMsgID: "old-1", DeadLetterMsgID: "d-0",
		ReplayedBy: "op", ReplayedAt: old})
	replay.Insert(ctx, &replaylog.Record{OriginalMsgID: "new-1", DeadLetterMsgID: "d-1",
		ReplayedBy: "op"})

	ob := outbox.NewMemoryStore()
	oldID, _ := ob.Add(ctx, &outbox.Record{AggregateType: "candidate", AggregateID: "1",
		EventKind: "created", Payload: []byte("{}"), CreatedAt: old, ProcessAfter: old})
	ob.Add(ctx, &outbox.Record{AggregateType: "candidate", AggregateID: "2",
		EventKind: "created", Payload: []byte("{}")})
	// Process the old record long ago so it is a retention candidate.
	claimed, _ := ob.Claim(ctx, "proc-fixture", 1)
	if len(claimed) != 1 || claimed[0].ID != oldID {
		t.Fatalf("fixture claim = %v", claimed)
	}
	ob.Complete(ctx, oldID, "proc-fixture", true, nil)
	// The memory outbox stamps processed_at with its clock; rewind is not
	// possible, so use a zero retention window for outbox in tests below.

	locker := lock.NewMemoryLocker()
	locker.Acquire(ctx, "expired-job", "w", -time.Minute)
	locker.Acquire(ctx, "live-job", "w", time.Hour)

	return arch, replay, ob, locker
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()
	const window = 24 * time.Hour

	t.Run("dry run reports candidates and deletes nothing", func(t *testing.T) {
		arch, replay, ob, locker := fixture(t)
		gc := NewGC().WithArchive(arch).WithReplayLog(replay).WithOutbox(ob).WithLocks(locker)

		sum := gc.RunAll(ctx, window, window, 0, true)
		if sum.Errors != 0 {
			t.Fatalf("Errors = %d", sum.Errors)
		}

		want := map[string]TableSummary{
			TableArchive: {Candidates: 1},
			TableReplay:  {Candidates: 1},
			TableOutbox:  {Candidates: 1},
			TableLocks:   {Candidates: 1},
		}
		if diff := cmp.Diff(want, sum.Tables); diff != "" {
			t.Errorf("summary mismatch (-want +got):\n%s", diff)
		}

		// Nothing was removed.
		if n, _ := arch.CountOlderThan(ctx, window); n != 1 {
			t.Error("dry run deleted archive rows")
		}
		if n, _ := replay.CountOlderThan(ctx, window); n != 1 {
			t.Error("dry run deleted replay rows")
		}
		if n, _ := locker.CountExpired(ctx); n != 1 {
			t.Error("dry run deleted lock rows")
		}
	})

	t.Run("real run matches dry-run candidates", func(t *testing.T) {
		arch, replay, ob, locker := fixture(t)
		gc := NewGC().WithArchive(arch).WithReplayLog(replay).WithOutbox(ob).WithLocks(locker)

		dry := gc.RunAll(ctx, window, window, 0, true)
		wet := gc.RunAll(ctx, window, window, 0, false)

		for table, dryTS := range dry.Tables {
			wetTS := wet.Tables[table]
			if wetTS.Candidates != dryTS.Candidates {
				t.Errorf("%s: candidates %d (real) != %d (dry)", table, wetTS.Candidates, dryTS.Candidates)
			}
			if wetTS.Deleted != dryTS.Candidates {
				t.Errorf("%s: deleted %d, want %d", table, wetTS.Deleted, dryTS.Candidates)
			}
		}

		// Recent rows survive.
		if _, ok, _ := arch.Get(ctx, "new-0"); !ok {
			t.Error("recent archive row deleted")
		}
		if _, err := replay.Get(ctx, "new-1"); err != nil {
			t.Error("recent replay row deleted")
		}
		if ok, _ := locker.Acquire(ctx, "live-job", "other", time.Minute); ok {
			t.Error("live lock deleted")
		}
	})

	t.Run("unwired tables are skipped", func(t *testing.T) {
		arch, _, _, _ := fixture(t)
		gc := NewGC().WithArchive(arch)

		sum := gc.RunAll(ctx, window, window, window, false)
		if len(sum.Tables) != 1 {
			t.Errorf("swept %d tables, want 1: %v", len(sum.Tables), sum.Tables)
		}
		if _, ok := sum.Tables[TableArchive]; !ok {
			t.Error("archive table missing from summary")
		}
	})

	t.Run("one failing table does not stop the run", func(t *testing.T) {
		_, replay, _, _ := fixture(t)
		gc := NewGC().WithArchive(failingPruner{}).WithReplayLog(replay)

		sum := gc.RunAll(ctx, window, window, 0, false)
		if sum.Errors != 1 {
			t.Errorf("Errors = %d, want 1", sum.Errors)
		}
		if ts, ok := sum.Tables[TableReplay]; !ok || ts.Deleted != 1 {
			t.Errorf("replay table not swept despite archive failure: %v", sum.Tables)
		}
	})
}

type failingPruner struct{}

func (failingPruner) CountOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func (failingPruner) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}
