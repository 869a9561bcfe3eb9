package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/backstop-io/backstop/archive"
	"github.com/backstop-io/backstop/stream"
)

// Trimmer keeps the dead-letter stream bounded without losing history: every
// entry is copied into the archive store before it is deleted, and an entry
// that fails to archive is left on the stream for the next pass.
type Trimmer struct {
	store    *stream.Store
	dlStream string
	archive  archive.Store
	logger   *slog.Logger
}

// NewTrimmer creates a trimmer for the given dead-letter stream.
func NewTrimmer(store *stream.Store, dlStream string, arch archive.Store) *Trimmer {
	return &Trimmer{
		store:    store,
		dlStream: dlStream,
		archive:  arch,
		logger:   slog.Default().With("component", "deadletter.trimmer"),
	}
}

// WithLogger sets a custom logger. Returns the trimmer for chaining.
func (t *Trimmer) WithLogger(l *slog.Logger) *Trimmer {
	t.logger = l
	return t
}

// TrimSummary reports the outcome of one ArchiveAndTrim pass.
type TrimSummary struct {
	Archived int
	Trimmed  int
	Errors   int
}

// ArchiveAndTrim archives and deletes the oldest entries beyond maxLen.
// The archive write is idempotent, so a crash between archive and delete
// re-archives harmlessly on the next pass. Per-entry archive failures block
// the delete of that entry and are counted, not raised.
func (t *Trimmer) ArchiveAndTrim(ctx context.Context, maxLen int64) (TrimSummary, error) {
	var sum TrimSummary

	length, err := t.store.Len(ctx, t.dlStream)
	if err != nil {
		return sum, fmt.Errorf("archive and trim: %w", err)
	}
	excess := length - maxLen
	if excess <= 0 {
		return sum, nil
	}

	oldest, err := t.store.Range(ctx, t.dlStream, "-", excess)
	if err != nil {
		return sum, fmt.Errorf("archive and trim: %w", err)
	}

	for _, msg := range oldest {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		entry := parseEntry(msg)

		err := t.archive.Upsert(ctx, &archive.Entry{
			DeadLetterMsgID: entry.ID,
			OriginalMsgID:   entry.OriginalMsgID,
			Reason:          entry.Reason,
			Fields:          entry.Fields,
			DeadLetteredAt:  entry.DeadLetteredAt,
		})
		if err != nil {
			sum.Errors++
			t.logger.Warn("archive failed, entry left on stream",
				"dead_letter_id", entry.ID, "error", err)
			continue
		}
		sum.Archived++

		if _, err := t.store.Delete(ctx, t.dlStream, entry.ID); err != nil {
			sum.Errors++
			t.logger.Warn("trim delete failed after archive",
				"dead_letter_id", entry.ID, "error", err)
			continue
		}
		sum.Trimmed++
	}

	if sum.Archived > 0 || sum.Errors > 0 {
		t.logger.Info("dead-letter stream trimmed",
			"archived", sum.Archived,
			"trimmed", sum.Trimmed,
			"errors", sum.Errors)
	}
	return sum, nil
}
