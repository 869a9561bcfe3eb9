// Package replaylog provides the durable idempotency ledger for dead-letter
// replay.
//
// A record is written by compare-and-insert *before* a dead letter is
// re-enqueued: whichever replayer inserts first wins, and every other
// concurrent or later attempt observes the existing record and no-ops. At
// most one record ever exists per original message id.
//
// Implementations:
//   - PostgresStore: INSERT ... ON CONFLICT DO NOTHING (see postgres.go)
//   - MongoStore: unique-index insert (see mongodb.go)
//   - MemoryStore: for testing (see memory.go)
package replaylog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("replaylog: record not found")

// Record is one replay-ledger entry. Records are created once and read for
// idempotency checks; only the new message id is filled in after the fact,
// as a non-critical follow-up.
type Record struct {
	// OriginalMsgID is the id of the message on the main stream, unique
	// across the ledger.
	OriginalMsgID string
	// DeadLetterMsgID is the id of the dead-letter stream entry replayed.
	DeadLetterMsgID string
	// CandidateID is the work item's subject, when present.
	CandidateID string
	// IdempotencyKey is the producer's idempotency key, when present.
	IdempotencyKey string
	// NewMsgID is the re-enqueued message's id. Empty while the enqueue is
	// in flight, and permanently empty for no-op replays (subject already
	// processed).
	NewMsgID string
	// ReplayedBy identifies the replayer.
	ReplayedBy string
	// ReplayedAt is when the replay intent was recorded.
	ReplayedAt time.Time
}

// Store is the ledger interface.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert records replay intent via compare-and-insert. Returns false
	// (with no error) when a record for the original message id already
	// exists, meaning a concurrent racer won or the replay already happened.
	Insert(ctx context.Context, rec *Record) (bool, error)

	// Get returns the record for an original message id, or ErrNotFound.
	Get(ctx context.Context, originalMsgID string) (*Record, error)

	// SetNewMessageID fills in the re-enqueued message id after a replay
	// completes. Callers treat failures as non-critical.
	SetNewMessageID(ctx context.Context, originalMsgID, newMsgID string) error

	// CountOlderThan counts records older than age, for retention dry runs.
	CountOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// DeleteOlderThan removes records older than age, returning the count.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
