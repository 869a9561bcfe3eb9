// Package retention prunes aged durable state left behind by the recovery
// core: archived dead letters, replay-log records, processed outbox rows,
// expired lock rows, and orphaned reclaim counters.
//
// Each run reports per-table candidate and deleted counts. A dry run reports
// the same candidate counts it would delete, so a retention policy can be
// audited before deletion is enabled.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Well-known table keys in a run summary.
const (
	TableArchive  = "dead_letter_archive"
	TableReplay   = "replay_log"
	TableOutbox   = "outbox"
	TableLocks    = "distributed_locks"
	TableCounters = "reclaim_attempts"
)

// AgePruner prunes rows older than an age. Satisfied by the archive and
// replay-log stores.
type AgePruner interface {
	CountOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// OutboxPruner prunes processed outbox rows older than an age.
type OutboxPruner interface {
	CountProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// LockPruner prunes expired lock rows. Expiry itself is the criterion; locks
// carry no retention window.
type LockPruner interface {
	CountExpired(ctx context.Context) (int64, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// CounterPruner prunes reclaim-attempt counters whose message no longer
// appears on the pending list. Satisfied by the reclaim scheduler.
type CounterPruner interface {
	CountOrphanedCounters(ctx context.Context) (int, error)
	CleanOrphanedCounters(ctx context.Context) (int, error)
}

// TableSummary reports one table's share of a run.
type TableSummary struct {
	// Candidates is how many rows matched the retention criterion.
	Candidates int64
	// Deleted is how many rows were removed. Always zero on a dry run.
	Deleted int64
}

// Summary reports one retention run.
type Summary struct {
	// Tables maps table keys to their per-table counts. Only wired tables
	// appear.
	Tables map[string]TableSummary
	// Errors counts tables whose prune failed. Failures are logged and do
	// not stop the rest of the run.
	Errors int
}

// GC runs retention sweeps across the core's durable state. Wire only the
// stores a deployment uses; unwired tables are skipped.
type GC struct {
	archive  AgePruner
	replay   AgePruner
	outbox   OutboxPruner
	locks    LockPruner
	counters CounterPruner
	logger   *slog.Logger
}

// NewGC creates an empty retention sweeper. Wire stores with the With*
// setters.
func NewGC() *GC {
	return &GC{
		logger: slog.Default().With("component", "retention"),
	}
}

// WithArchive wires the dead-letter archive store. Returns the GC for
// chaining.
func (g *GC) WithArchive(p AgePruner) *GC {
	g.archive = p
	return g
}

// WithReplayLog wires the replay-log store. Returns the GC for chaining.
func (g *GC) WithReplayLog(p AgePruner) *GC {
	g.replay = p
	return g
}

// WithOutbox wires the outbox store. Returns the GC for chaining.
func (g *GC) WithOutbox(p OutboxPruner) *GC {
	g.outbox = p
	return g
}

// WithLocks wires the distributed-lock store. Returns the GC for chaining.
func (g *GC) WithLocks(p LockPruner) *GC {
	g.locks = p
	return g
}

// WithCounters wires the reclaim-attempt counter pruner. Returns the GC for
// chaining.
func (g *GC) WithCounters(p CounterPruner) *GC {
	g.counters = p
	return g
}

// WithLogger sets a custom logger. Returns the GC for chaining.
func (g *GC) WithLogger(l *slog.Logger) *GC {
	g.logger = l
	return g
}

// RunAll sweeps every wired table. Age windows apply per table; expired
// locks and orphaned counters are pruned regardless of age. With dryRun set,
// candidates are counted and nothing is deleted.
func (g *GC) RunAll(ctx context.Context, archiveAge, replayAge, outboxAge time.Duration, dryRun bool) Summary {
	sum := Summary{Tables: make(map[string]TableSummary)}

	if g.archive != nil {
		g.pruneByAge(ctx, &sum, TableArchive, g.archive, archiveAge, dryRun)
	}
	if g.replay != nil {
		g.pruneByAge(ctx, &sum, TableReplay, g.replay, replayAge, dryRun)
	}
	if g.outbox != nil {
		g.pruneByAge(ctx, &sum, TableOutbox, outboxAdapter{g.outbox}, outboxAge, dryRun)
	}
	if g.locks != nil {
		g.pruneUnconditional(ctx, &sum, TableLocks,
			g.locks.CountExpired, g.locks.CleanupExpired, dryRun)
	}
	if g.counters != nil {
		g.pruneUnconditional(ctx, &sum, TableCounters,
			intPruner(g.counters.CountOrphanedCounters),
			intPruner(g.counters.CleanOrphanedCounters), dryRun)
	}

	g.logger.Info("retention run complete",
		"dry_run", dryRun,
		"tables", len(sum.Tables),
		"errors", sum.Errors)
	return sum
}

func (g *GC) pruneByAge(ctx context.Context, sum *Summary, table string, p AgePruner, age time.Duration, dryRun bool) {
	var ts TableSummary

	candidates, err := p.CountOlderThan(ctx, age)
	if err != nil {
		g.logger.Error("retention count failed", "table", table, "error", err)
		sum.Errors++
		return
	}
	ts.Candidates = candidates

	if !dryRun && candidates > 0 {
		deleted, err := p.DeleteOlderThan(ctx, age)
		if err != nil {
			g.logger.Error("retention delete failed", "table", table, "error", err)
			sum.Errors++
			sum.Tables[table] = ts
			return
		}
		ts.Deleted = deleted
	}
	sum.Tables[table] = ts
	g.logger.Debug("retention table swept", "table", table,
		"candidates", ts.Candidates, "deleted", ts.Deleted, "dry_run", dryRun)
}

func (g *GC) pruneUnconditional(ctx context.Context, sum *Summary, table string,
	count func(context.Context) (int64, error),
	clean func(context.Context) (int64, error),
	dryRun bool,
) {
	var ts TableSummary

	candidates, err := count(ctx)
	if err != nil {
		g.logger.Error("retention count failed", "table", table, "error", err)
		sum.Errors++
		return
	}
	ts.Candidates = candidates

	if !dryRun && candidates > 0 {
		deleted, err := clean(ctx)
		if err != nil {
			g.logger.Error("retention delete failed", "table", table, "error", err)
			sum.Errors++
			sum.Tables[table] = ts
			return
		}
		ts.Deleted = deleted
	}
	sum.Tables[table] = ts
	g.logger.Debug("retention table swept", "table", table,
		"candidates", ts.Candidates, "deleted", ts.Deleted, "dry_run", dryRun)
}

// outboxAdapter narrows the outbox prune surface to the shared age-pruner
// shape.
type outboxAdapter struct {
	p OutboxPruner
}

func (a outboxAdapter) CountOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return a.p.CountProcessedOlderThan(ctx, age)
}

func (a outboxAdapter) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return a.p.DeleteProcessedOlderThan(ctx, age)
}

// intPruner lifts an int-returning prune function to the int64 shape.
func intPruner(fn func(context.Context) (int, error)) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		n, err := fn(ctx)
		return int64(n), err
	}
}
