// Package reclaim recovers stalled messages from the pending-entry list.
//
// A message stalls when a consumer claims it and then crashes (or hangs)
// without acknowledging. The scheduler periodically enumerates the pending
// list and, for each stalled entry, either re-claims it for delivery (with
// per-message exponential backoff between attempts) or routes it to the
// dead-letter pipeline once it has exhausted its retry ceiling.
//
// Passes are safe to run from multiple workers concurrently: the store's
// claim-by-idle-time primitive guarantees only one claimer wins each message,
// and a claim miss is a normal outcome, not an error.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	backstop "github.com/backstop-io/backstop"
	"github.com/backstop-io/backstop/queue"
)

// ReasonMaxReclaims is the dead-letter reason for messages that exhausted
// the retry ceiling.
const ReasonMaxReclaims = "max_reclaims_exceeded"

// DeadLetterer routes a message that exhausted its retry ceiling off the
// main queue. Returns false when a matching dead-letter entry already
// existed and only the stale pending entry was cleaned up.
type DeadLetterer interface {
	MoveToDeadLetter(ctx context.Context, id string, fields map[string]string, reason string) (bool, error)
}

// Summary reports the outcome of one reclaim pass. Partial failures never
// abort the pass; they are counted in Errors.
type Summary struct {
	// Reclaimed messages were re-claimed for delivery this pass.
	Reclaimed int
	// DeadLettered messages exhausted the retry ceiling and were moved.
	DeadLettered int
	// Skipped candidates lost a claim race, exceeded the per-pass cap, or
	// referenced entries that no longer exist; they are re-evaluated on
	// the next pass.
	Skipped int
	// BackoffDeferred candidates have not been idle long enough for their
	// attempt count yet.
	BackoffDeferred int
	// Errors counts candidates whose handling failed.
	Errors int
}

// Scheduler decides which stalled messages are re-delivered and which are
// dead-lettered.
type Scheduler struct {
	queue     *queue.Queue
	attempts  AttemptStore
	dead      DeadLetterer
	base      time.Duration
	max       time.Duration
	pace      *rate.Limiter
	scanCount int64
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBackoff sets the base and cap of the per-message exponential backoff:
// required idle grows as min(max, base*2^(attempts-1)).
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) {
		s.base = base
		s.max = max
	}
}

// WithPacing rate-limits claims across passes with a local token bucket, on
// top of the per-pass cap. Use when many workers run passes against the same
// stream and per-pass caps alone still allow bursts.
func WithPacing(claimsPerSecond float64, burst int) Option {
	return func(s *Scheduler) {
		s.pace = rate.NewLimiter(rate.Limit(claimsPerSecond), burst)
	}
}

// WithScanCount bounds how many pending entries one pass examines.
// Default 512.
func WithScanCount(n int64) Option {
	return func(s *Scheduler) {
		s.scanCount = n
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a reclaim scheduler for the given queue.
func New(q *queue.Queue, attempts AttemptStore, dead DeadLetterer, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:     q,
		attempts:  attempts,
		dead:      dead,
		base:      time.Second,
		max:       5 * time.Minute,
		scanCount: 512,
		logger:    slog.Default().With("component", "reclaim"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReclaimStalled runs one reclaim pass.
//
// Every pending entry is examined. Entries whose delivery count has reached
// maxReclaims are dead-lettered unconditionally, ignoring backoff. The rest
// must have been idle at least idleThreshold (or, with useBackoff, at least
// min(maxBackoff, base*2^(attempts-1))) to become candidates. Candidates are
// claimed oldest-first up to maxPerPass; the excess is deliberately deferred
// to the next pass rather than burst-reclaimed under load. Each successful
// claim increments the message's attempt counter.
func (s *Scheduler) ReclaimStalled(ctx context.Context, idleThreshold time.Duration, maxReclaims, maxPerPass int, useBackoff bool) (Summary, error) {
	var sum Summary

	entries, err := s.queue.Pending(ctx, s.scanCount, 0)
	if err != nil {
		return sum, fmt.Errorf("list pending: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		// Retry ceiling breached: route to dead-letter, ignoring backoff.
		if entry.Deliveries >= int64(maxReclaims) {
			s.deadLetter(ctx, entry.ID, &sum)
			continue
		}

		requiredIdle := idleThreshold
		if useBackoff {
			attempts, err := s.attempts.Get(ctx, entry.ID)
			if err != nil {
				s.logger.Error("attempt count unavailable", "id", entry.ID, "error", err)
				sum.Errors++
				continue
			}
			if attempts >= 1 {
				requiredIdle = backstop.Backoff(s.base, s.max, attempts)
			}
		}
		if entry.Idle < requiredIdle {
			sum.BackoffDeferred++
			continue
		}

		// Rate limits: per-pass cap first, then the optional pacer.
		if sum.Reclaimed >= maxPerPass {
			sum.Skipped++
			continue
		}
		if s.pace != nil && !s.pace.Allow() {
			sum.Skipped++
			continue
		}

		claimed, err := s.queue.Claim(ctx, requiredIdle, entry.ID)
		if err != nil {
			s.logger.Error("claim failed", "id", entry.ID, "error", err)
			sum.Errors++
			continue
		}
		if len(claimed) == 0 {
			// Another worker won, or the entry vanished. Normal outcome.
			sum.Skipped++
			continue
		}

		if _, err := s.attempts.Increment(ctx, entry.ID); err != nil {
			s.logger.Warn("attempt counter increment failed", "id", entry.ID, "error", err)
		}
		sum.Reclaimed++
	}

	s.logger.Info("reclaim pass complete",
		"reclaimed", sum.Reclaimed,
		"dead_lettered", sum.DeadLettered,
		"skipped", sum.Skipped,
		"backoff_deferred", sum.BackoffDeferred,
		"errors", sum.Errors)
	return sum, nil
}

// deadLetter routes one ceiling-breached entry to the dead-letter pipeline.
func (s *Scheduler) deadLetter(ctx context.Context, id string, sum *Summary) {
	fields, ok, err := s.queue.Get(ctx, id)
	if err != nil {
		s.logger.Error("read for dead-letter failed", "id", id, "error", err)
		sum.Errors++
		return
	}
	if !ok {
		// Entry was trimmed out from under its pending record; nothing
		// left to preserve, so just clear the stale state.
		if _, err := s.queue.Ack(ctx, id); err != nil {
			s.logger.Error("stale pending cleanup failed", "id", id, "error", err)
			sum.Errors++
			return
		}
		sum.Skipped++
		return
	}

	if _, err := s.dead.MoveToDeadLetter(ctx, id, fields, ReasonMaxReclaims); err != nil {
		s.logger.Error("dead-letter failed", "id", id, "error", err)
		sum.Errors++
		return
	}
	sum.DeadLettered++
}

// CountOrphanedCounters returns how many attempt counters reference messages
// that no longer appear on the pending list.
func (s *Scheduler) CountOrphanedCounters(ctx context.Context) (int, error) {
	orphans, err := s.orphanedCounters(ctx)
	return len(orphans), err
}

// CleanOrphanedCounters removes attempt counters whose message no longer
// appears on the pending list (acknowledged or dead-lettered while the
// counter clear was missed). Returns how many were removed.
func (s *Scheduler) CleanOrphanedCounters(ctx context.Context) (int, error) {
	orphans, err := s.orphanedCounters(ctx)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := s.attempts.Clear(ctx, orphans...); err != nil {
		return 0, fmt.Errorf("clear orphaned counters: %w", err)
	}
	return len(orphans), nil
}

func (s *Scheduler) orphanedCounters(ctx context.Context) ([]string, error) {
	counts, err := s.attempts.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	if len(counts) == 0 {
		return nil, nil
	}
	entries, err := s.queue.Pending(ctx, 10_000, 0)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	pending := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		pending[e.ID] = struct{}{}
	}
	var orphans []string
	for id := range counts {
		if _, ok := pending[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}
