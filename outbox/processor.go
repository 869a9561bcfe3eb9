package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/backstop-io/backstop/lock"
)

// Summary reports the outcome of one processing batch.
type Summary struct {
	Claimed   int
	Delivered int
	Failed    int
}

// Processor claims outbox records and delivers them.
//
// Multiple processors can run against the same store; the store's claim
// arbitration keeps their batches disjoint.
//
// Example:
//
//	store := outbox.NewPostgresStore(db)
//	proc := outbox.NewProcessor(store, outbox.DelivererFunc(
//	    func(ctx context.Context, rec *outbox.Record) error {
//	        _, err := q.Enqueue(ctx, fieldsFor(rec))
//	        return err
//	    },
//	)).WithBatchSize(50)
//
//	summary, err := proc.ProcessBatch(ctx)
type Processor struct {
	store     Store
	deliverer Deliverer
	id        string
	batchSize int
	logger    *slog.Logger
}

// NewProcessor creates an outbox processor. The processor id defaults to a
// generated value unique to this instance.
func NewProcessor(store Store, d Deliverer) *Processor {
	return &Processor{
		store:     store,
		deliverer: d,
		id:        "outbox-" + uuid.NewString(),
		batchSize: 100,
		logger:    slog.Default().With("component", "outbox.processor"),
	}
}

// WithID sets a stable processor id. Returns the processor for chaining.
func (p *Processor) WithID(id string) *Processor {
	p.id = id
	return p
}

// WithBatchSize sets the number of records claimed per batch. Returns the
// processor for chaining.
func (p *Processor) WithBatchSize(size int) *Processor {
	p.batchSize = size
	return p
}

// WithLogger sets a custom logger. Returns the processor for chaining.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// ID returns the processor id used for claims.
func (p *Processor) ID() string {
	return p.id
}

// ProcessBatch claims one batch of eligible records and delivers each one,
// reporting every outcome back to the store. Delivery failures are recorded
// and rescheduled, not returned: the error is non-nil only when the store
// itself fails.
func (p *Processor) ProcessBatch(ctx context.Context) (Summary, error) {
	var sum Summary

	records, err := p.store.Claim(ctx, p.id, p.batchSize)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		deliverErr := p.deliverer.Deliver(ctx, rec)
		if deliverErr != nil {
			sum.Failed++
			p.logger.Warn("outbox delivery failed",
				"event_id", rec.ID,
				"event_kind", rec.EventKind,
				"retry_count", rec.RetryCount,
				"error", deliverErr)
		} else {
			sum.Delivered++
		}

		if err := p.store.Complete(ctx, rec.ID, p.id, deliverErr == nil, deliverErr); err != nil {
			p.logger.Error("failed to record outbox outcome",
				"event_id", rec.ID,
				"error", err)
		}
	}
	return sum, nil
}

// Runner polls an outbox processor on an interval, optionally guarded by a
// distributed lock so only one instance drains the table at a time.
//
// Example:
//
//	runner := outbox.NewRunner(proc).
//	    WithPollDelay(time.Second).
//	    WithLock(locker, "outbox-processor", 30*time.Second)
//	go runner.Start(ctx)
type Runner struct {
	proc      *Processor
	pollDelay time.Duration
	logger    *slog.Logger

	locker   lock.Locker
	lockName string
	lockTTL  time.Duration
}

// NewRunner creates a runner for the given processor. The default poll delay
// is one second.
func NewRunner(proc *Processor) *Runner {
	return &Runner{
		proc:      proc,
		pollDelay: time.Second,
		logger:    slog.Default().With("component", "outbox.runner"),
	}
}

// WithPollDelay sets the interval between batches. Returns the runner for
// chaining.
func (r *Runner) WithPollDelay(d time.Duration) *Runner {
	r.pollDelay = d
	return r
}

// WithLock guards each batch with a distributed lock. A tick that fails to
// win the lock is skipped silently. Returns the runner for chaining.
func (r *Runner) WithLock(l lock.Locker, name string, ttl time.Duration) *Runner {
	r.locker = l
	r.lockName = name
	r.lockTTL = ttl
	return r
}

// WithLogger sets a custom logger. Returns the runner for chaining.
func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l
	return r
}

// Start polls until the context is cancelled. It returns the context's error.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pollDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// RunOnce processes a single batch, honoring the lock guard if configured.
// Useful for tests, manual triggers, and cron-style scheduling.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) error {
	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, r.lockName, r.proc.ID(), r.lockTTL)
		if err != nil {
			r.logger.Error("outbox lock acquire failed", "lock", r.lockName, "error", err)
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if _, err := r.locker.Release(ctx, r.lockName, r.proc.ID()); err != nil {
				r.logger.Warn("outbox lock release failed", "lock", r.lockName, "error", err)
			}
		}()
	}

	sum, err := r.proc.ProcessBatch(ctx)
	if err != nil {
		r.logger.Error("outbox batch failed", "error", err)
		return err
	}
	if sum.Claimed > 0 {
		r.logger.Debug("outbox batch processed",
			"claimed", sum.Claimed,
			"delivered", sum.Delivered,
			"failed", sum.Failed)
	}
	return nil
}
