// Package archive stores dead-letter entries durably before they are trimmed
// from the bounded dead-letter stream.
//
// The dead-letter stream is capped, so old entries are eventually evicted. The
// trimmer copies each entry into an archive store first, which means the full
// failure history survives stream trimming and remains queryable. Archive rows
// are pruned independently by the retention sweeper.
package archive

import (
	"context"
	"time"
)

// Entry is an archived dead-letter entry. Fields carries the complete field
// map of the stream entry, prefixed payload fields included, so a replay or
// audit can reconstruct the original message.
type Entry struct {
	// DeadLetterMsgID is the entry's id on the dead-letter stream. It is
	// the archive's unique key: archiving the same entry twice is a no-op.
	DeadLetterMsgID string

	// OriginalMsgID is the id the message had on the work stream before it
	// was dead-lettered.
	OriginalMsgID string

	// Reason records why the message was dead-lettered.
	Reason string

	// Fields is the full field map of the dead-letter stream entry.
	Fields map[string]string

	// DeadLetteredAt is when the message was moved to the dead-letter
	// stream, parsed from the entry itself.
	DeadLetteredAt time.Time

	// ArchivedAt is when the entry was copied into the archive.
	ArchivedAt time.Time
}

// Store persists archived dead-letter entries.
type Store interface {
	// Upsert stores an entry keyed by its dead-letter message id. Archiving
	// an entry that is already present succeeds without modifying the
	// stored row, so a crashed trim pass can safely re-archive.
	Upsert(ctx context.Context, entry *Entry) error

	// Get returns an archived entry by dead-letter message id. The boolean
	// is false when no such entry is archived.
	Get(ctx context.Context, deadLetterMsgID string) (*Entry, bool, error)

	// CountOlderThan returns how many archived entries are older than the
	// given age, measured by archive time.
	CountOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// DeleteOlderThan removes archived entries older than the given age and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
