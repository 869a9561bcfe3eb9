// Package deadletter moves poison messages out of the work stream and
// replays them back in.
//
// A message that exhausts its reclaim budget is copied onto a dedicated
// dead-letter stream with its original fields preserved, then acknowledged
// off the work stream. The ordering is strict: the dead-letter write is the
// durable step and always happens first, so a crash between the two steps
// leaves the message doubly tracked, never lost.
//
// Replay reverses the move. It is idempotent per original message id: a
// durable replay-log record is inserted with compare-and-insert semantics
// before the message is re-enqueued, so two operators (or a retried job)
// racing on the same entry inject exactly one new message.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	backstop "github.com/backstop-io/backstop"
	"github.com/backstop-io/backstop/queue"
	"github.com/backstop-io/backstop/replaylog"
	"github.com/backstop-io/backstop/stream"
)

// Dead-letter entry metadata fields. Original message fields are carried
// alongside these under the OrigFieldPrefix to keep the namespaces disjoint.
const (
	FieldOriginalMsgID  = "original_msg_id"
	FieldOriginalStream = "original_stream"
	FieldReason         = "reason"
	FieldDeadLetteredAt = "dead_lettered_at"
	FieldDeadLetteredBy = "dead_lettered_by"

	// OrigFieldPrefix prefixes every original field copied onto a
	// dead-letter entry.
	OrigFieldPrefix = "orig_"
)

// ErrEntryNotFound is returned by Replay when the dead-letter entry does not
// exist (bad id, or already trimmed).
var ErrEntryNotFound = errors.New("deadletter: entry not found")

// dupScanPage is the page size used when scanning the dead-letter stream for
// an existing entry with the same original message id.
const dupScanPage = 256

// Entry is a parsed dead-letter stream entry.
type Entry struct {
	// ID is the entry's id on the dead-letter stream.
	ID string
	// OriginalMsgID is the id the message had on the work stream.
	OriginalMsgID string
	// OriginalStream is the work stream the message came from.
	OriginalStream string
	// Reason is the dead-letter reason code.
	Reason string
	// DeadLetteredBy is the consumer identity that moved the message.
	DeadLetteredBy string
	// DeadLetteredAt is when the message was moved.
	DeadLetteredAt time.Time
	// OriginalFields is the reconstructed original field map, prefix
	// stripped.
	OriginalFields map[string]string
	// Fields is the raw entry field map, metadata and prefixed originals
	// included.
	Fields map[string]string
}

// ProcessedCheck reports whether the unit of work carried by the original
// fields has already been executed by external business state. Used by
// Replay to record a no-op instead of re-enqueueing finished work.
type ProcessedCheck func(ctx context.Context, origFields map[string]string) (bool, error)

// Pipeline moves messages between the work queue and the dead-letter stream.
type Pipeline struct {
	store            *stream.Store
	queue            *queue.Queue
	dlStream         string
	dlMaxLen         int64
	replayLog        replaylog.Store
	identity         string
	idempotencyCheck bool
	processedCheck   ProcessedCheck
	logger           *slog.Logger
	tracer           trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxLen caps the dead-letter stream length (approximate). Pair with a
// Trimmer to archive entries before the cap evicts them.
func WithMaxLen(maxLen int64) Option {
	return func(p *Pipeline) {
		p.dlMaxLen = maxLen
	}
}

// WithIdentity sets the identity recorded on dead-letter entries and replay
// records. Defaults to the queue's consumer identity.
func WithIdentity(id string) Option {
	return func(p *Pipeline) {
		p.identity = id
	}
}

// WithoutIdempotencyCheck disables the replay-log lookup before replay.
// Replay still inserts the replay record, so double injection remains
// impossible; the lookup only short-circuits the common repeat case.
func WithoutIdempotencyCheck() Option {
	return func(p *Pipeline) {
		p.idempotencyCheck = false
	}
}

// WithProcessedCheck wires an external already-processed check into Replay.
func WithProcessedCheck(check ProcessedCheck) Option {
	return func(p *Pipeline) {
		p.processedCheck = check
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a dead-letter pipeline between q and the dlStream key, using
// replayLog for replay idempotency.
func New(store *stream.Store, q *queue.Queue, dlStream string, replayLog replaylog.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:            store,
		queue:            q,
		dlStream:         dlStream,
		replayLog:        replayLog,
		identity:         q.Consumer(),
		idempotencyCheck: true,
		logger:           slog.Default().With("component", "deadletter"),
		tracer:           otel.Tracer("github.com/backstop-io/backstop/deadletter"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StreamKey returns the dead-letter stream key.
func (p *Pipeline) StreamKey() string { return p.dlStream }

// MoveToDeadLetter copies a message onto the dead-letter stream and then
// acknowledges the original. Returns true when a new dead-letter entry was
// written; false when an entry for the same original message already existed
// (the original is still acknowledged, so a stale pending entry from an
// earlier crash self-heals).
//
// The write happens before the ack, and an ack failure after a successful
// write is reported as success: the entry is durable, and the pending entry
// it leaves behind is cleaned up by a later pass.
func (p *Pipeline) MoveToDeadLetter(ctx context.Context, id string, fields map[string]string, reason string) (bool, error) {
	existing, found, err := p.findByOriginalID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("dead-letter duplicate scan: %w", err)
	}
	if found {
		p.logger.Info("message already dead-lettered, acking original",
			"id", id, "dead_letter_id", existing)
		p.ackOriginal(ctx, id)
		return false, nil
	}

	entry := make(map[string]string, len(fields)+5)
	entry[FieldOriginalMsgID] = id
	entry[FieldOriginalStream] = p.queue.Key()
	entry[FieldReason] = reason
	entry[FieldDeadLetteredAt] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	entry[FieldDeadLetteredBy] = p.identity
	for k, v := range fields {
		entry[OrigFieldPrefix+k] = v
	}

	dlID, err := p.store.Append(ctx, p.dlStream, entry, p.dlMaxLen)
	if err != nil {
		return false, fmt.Errorf("dead-letter write: %w", err)
	}

	p.logger.Warn("message dead-lettered",
		"id", id,
		"dead_letter_id", dlID,
		"reason", reason,
		"candidate_id", fields[queue.FieldCandidateID])

	// The dead-letter entry is durable; from here on the move succeeded no
	// matter what the ack does.
	p.ackOriginal(ctx, id)
	return true, nil
}

func (p *Pipeline) ackOriginal(ctx context.Context, id string) {
	acked, err := p.queue.Ack(ctx, id)
	if err != nil {
		p.logger.Warn("ack after dead-letter write failed", "id", id, "error", err)
		return
	}
	if !acked {
		p.logger.Debug("original not pending at ack time", "id", id)
	}
}

// Replay re-enqueues a dead-lettered message onto the work queue. It returns
// the new message id when the replay happened, and replayed=false with no
// error when the entry was already replayed, already processed, or lost to a
// concurrent replayer.
func (p *Pipeline) Replay(ctx context.Context, dlMsgID string) (newID string, replayed bool, err error) {
	ctx, span := p.tracer.Start(ctx, "deadletter.Replay",
		trace.WithAttributes(attribute.String("deadletter.msg_id", dlMsgID)))
	defer span.End()

	msg, ok, err := p.store.Get(ctx, p.dlStream, dlMsgID)
	if err != nil {
		return "", false, fmt.Errorf("read dead-letter entry: %w", err)
	}
	if !ok {
		return "", false, ErrEntryNotFound
	}
	entry := parseEntry(msg)
	if entry.OriginalMsgID == "" {
		return "", false, fmt.Errorf("dead-letter entry %s has no original message id", dlMsgID)
	}
	span.SetAttributes(attribute.String("deadletter.original_msg_id", entry.OriginalMsgID))

	if p.idempotencyCheck {
		_, err := p.replayLog.Get(ctx, entry.OriginalMsgID)
		if err == nil {
			p.logger.Info("replay skipped, already replayed", "original_id", entry.OriginalMsgID)
			return "", false, nil
		}
		if !errors.Is(err, replaylog.ErrNotFound) {
			return "", false, fmt.Errorf("replay idempotency check: %w", err)
		}
	}

	rec := &replaylog.Record{
		OriginalMsgID:   entry.OriginalMsgID,
		DeadLetterMsgID: dlMsgID,
		CandidateID:     entry.OriginalFields[queue.FieldCandidateID],
		IdempotencyKey:  entry.OriginalFields[queue.FieldIdempotencyKey],
		ReplayedBy:      p.identity,
	}

	if p.processedCheck != nil {
		processed, err := p.processedCheck(ctx, entry.OriginalFields)
		if err != nil {
			return "", false, fmt.Errorf("replay processed check: %w", err)
		}
		if processed {
			// Record the decision so later replays short-circuit on the
			// replay log instead of re-querying business state.
			if _, err := p.replayLog.Insert(ctx, rec); err != nil {
				return "", false, fmt.Errorf("record no-op replay: %w", err)
			}
			p.logger.Info("replay skipped, already processed",
				"original_id", entry.OriginalMsgID,
				"candidate_id", rec.CandidateID)
			return "", false, nil
		}
	}

	// Record replay intent before re-enqueueing: of two concurrent
	// replayers, only the one that wins this insert injects a message.
	inserted, err := p.replayLog.Insert(ctx, rec)
	if err != nil {
		return "", false, fmt.Errorf("record replay: %w", err)
	}
	if !inserted {
		p.logger.Info("replay lost to concurrent replayer", "original_id", entry.OriginalMsgID)
		return "", false, nil
	}

	newID, err = p.queue.Enqueue(ctx, entry.OriginalFields)
	if err != nil {
		// The replay record exists with no new message id; operators see
		// the half-finished replay in the log and can retry with the
		// idempotency check disabled or fix forward by hand.
		return "", false, fmt.Errorf("re-enqueue replayed message: %w", err)
	}
	span.SetAttributes(attribute.String("deadletter.new_msg_id", newID))

	backstop.NonCritical(ctx, p.logger, "record new message id", func(ctx context.Context) error {
		return p.replayLog.SetNewMessageID(ctx, entry.OriginalMsgID, newID)
	})
	backstop.NonCritical(ctx, p.logger, "delete replayed dead-letter entry", func(ctx context.Context) error {
		_, err := p.store.Delete(ctx, p.dlStream, dlMsgID)
		return err
	})

	p.logger.Info("dead-letter replayed",
		"original_id", entry.OriginalMsgID,
		"new_id", newID,
		"candidate_id", rec.CandidateID)
	return newID, true, nil
}

// Summary reports the outcome of a ReplayAll pass.
type Summary struct {
	Replayed int
	Skipped  int
	Errors   int
}

// ReplayAll walks the dead-letter stream from the oldest entry and replays
// each one, stopping after maxReplays successful replays (0 means no limit).
// Per-entry failures are counted, not raised.
func (p *Pipeline) ReplayAll(ctx context.Context, batchSize int64, maxReplays int) (Summary, error) {
	var sum Summary
	start := "-"

	for {
		page, err := p.store.Range(ctx, p.dlStream, start, batchSize)
		if err != nil {
			return sum, fmt.Errorf("replay all: %w", err)
		}
		if len(page) == 0 {
			return sum, nil
		}

		for _, msg := range page {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if maxReplays > 0 && sum.Replayed >= maxReplays {
				return sum, nil
			}
			_, replayed, err := p.Replay(ctx, msg.ID)
			switch {
			case err != nil:
				sum.Errors++
				p.logger.Warn("replay failed", "dead_letter_id", msg.ID, "error", err)
			case replayed:
				sum.Replayed++
			default:
				sum.Skipped++
			}
		}

		if int64(len(page)) < batchSize {
			return sum, nil
		}
		start = stream.ExclusiveStart(page[len(page)-1].ID)
	}
}

// List returns up to count parsed dead-letter entries starting at start ("-"
// for the oldest).
func (p *Pipeline) List(ctx context.Context, start string, count int64) ([]Entry, error) {
	msgs, err := p.store.Range(ctx, p.dlStream, start, count)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, parseEntry(msg))
	}
	return entries, nil
}

// Count returns the number of entries on the dead-letter stream.
func (p *Pipeline) Count(ctx context.Context) (int64, error) {
	return p.store.Len(ctx, p.dlStream)
}

// findByOriginalID scans the dead-letter stream for an entry whose
// original_msg_id matches id.
func (p *Pipeline) findByOriginalID(ctx context.Context, id string) (string, bool, error) {
	start := "-"
	for {
		page, err := p.store.Range(ctx, p.dlStream, start, dupScanPage)
		if err != nil {
			return "", false, err
		}
		if len(page) == 0 {
			return "", false, nil
		}
		for _, msg := range page {
			if msg.Fields[FieldOriginalMsgID] == id {
				return msg.ID, true, nil
			}
		}
		if int64(len(page)) < dupScanPage {
			return "", false, nil
		}
		start = stream.ExclusiveStart(page[len(page)-1].ID)
	}
}

// parseEntry is the single parse point from a raw stream message to an
// Entry; callers never pick metadata out of the field map themselves.
func parseEntry(msg stream.Message) Entry {
	entry := Entry{
		ID:             msg.ID,
		OriginalMsgID:  msg.Fields[FieldOriginalMsgID],
		OriginalStream: msg.Fields[FieldOriginalStream],
		Reason:         msg.Fields[FieldReason],
		DeadLetteredBy: msg.Fields[FieldDeadLetteredBy],
		OriginalFields: make(map[string]string),
		Fields:         msg.Fields,
	}
	if ms, err := strconv.ParseInt(msg.Fields[FieldDeadLetteredAt], 10, 64); err == nil {
		entry.DeadLetteredAt = time.UnixMilli(ms)
	}
	for k, v := range msg.Fields {
		if strings.HasPrefix(k, OrigFieldPrefix) {
			entry.OriginalFields[strings.TrimPrefix(k, OrigFieldPrefix)] = v
		}
	}
	return entry
}
