// Package outbox implements the consumer side of the transactional outbox
// pattern.
//
// Producers insert an outbox row in the same database transaction that
// mutates their domain state, which guarantees the event exists if and only
// if the state change committed. This package claims those rows in batches,
// hands them to a deliverer (typically an enqueue onto the work stream), and
// records the outcome: success stamps processed_at, failure increments the
// retry count and pushes process_after out on an exponential schedule.
//
// Claiming uses row locks that skip contended rows, so multiple processor
// instances drain the same table without handing the same event to two
// workers.
package outbox

import (
	"context"
	"time"
)

// Record is a single outbox row.
type Record struct {
	// ID is the database-assigned event id.
	ID int64

	// AggregateType and AggregateID identify the domain entity whose
	// transaction produced the event.
	AggregateType string
	AggregateID   string

	// EventKind names the event for routing.
	EventKind string

	// Payload is the serialized event body, opaque to the processor.
	Payload []byte

	CreatedAt time.Time

	// ProcessedAt is nil until the event is delivered successfully.
	ProcessedAt *time.Time

	// RetryCount is how many delivery attempts have failed.
	RetryCount int

	// ProcessAfter is the earliest time the record is eligible for a claim.
	ProcessAfter time.Time

	// ClaimedBy and ClaimedAt record the processor currently holding the
	// record. A live claim suppresses eligibility until it ages past the
	// store's claim TTL, at which point the record is treated as abandoned
	// and claimable again.
	ClaimedBy string
	ClaimedAt *time.Time

	// LastError is the message of the most recent delivery failure.
	LastError string
}

// Store persists outbox records and arbitrates claims between processors.
type Store interface {
	// Claim atomically selects up to batchSize unprocessed records whose
	// process_after has passed and that no other processor holds a live
	// claim on, marks them claimed by processorID, and returns them. Two
	// claimers never receive the same record while a claim is live; a claim
	// abandoned by a crashed processor becomes claimable again once it ages
	// past the store's claim TTL.
	Claim(ctx context.Context, processorID string, batchSize int) ([]*Record, error)

	// Complete records the outcome of a delivery attempt. On success the
	// record is stamped processed and never claimed again. On failure the
	// retry count is incremented and process_after is pushed out on an
	// exponential schedule; nothing else on the record changes.
	Complete(ctx context.Context, eventID int64, processorID string, success bool, procErr error) error

	// CountProcessedOlderThan returns how many processed records are older
	// than the given age, measured by processed time.
	CountProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// DeleteProcessedOlderThan removes processed records older than the
	// given age and returns how many were removed. Unprocessed records are
	// never deleted.
	DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Deliverer hands a claimed record to its destination. Implementations
// typically enqueue onto the work stream; any error marks the attempt failed
// and reschedules the record.
type Deliverer interface {
	Deliver(ctx context.Context, rec *Record) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, rec *Record) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}
