// Package queue provides the durable work queue.
//
// Work items are field maps appended to a Redis stream and consumed through a
// consumer group: each message is delivered to exactly one active consumer at
// a time, and stays on the pending-entry list until acknowledged. Messages a
// crashed consumer never acknowledged are recovered by the reclaim scheduler,
// not by the queue itself.
//
// Basic worker loop:
//
//	q := queue.New(st, cfg.StreamKey, cfg.ConsumerGroup,
//	    queue.WithMaxLen(cfg.StreamMaxLen))
//	if err := q.Init(ctx); err != nil {
//	    return err
//	}
//	for {
//	    batch, err := q.ConsumeBatch(ctx, 10, cfg.ReadBlock)
//	    if err != nil {
//	        return err
//	    }
//	    for _, d := range batch {
//	        if err := handle(ctx, d); err == nil {
//	            q.Ack(ctx, d.ID)
//	        }
//	    }
//	}
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	backstop "github.com/backstop-io/backstop"
	"github.com/backstop-io/backstop/stream"
)

// Well-known field names on enqueued messages.
const (
	// FieldCandidateID is the subject identifier of a work item.
	FieldCandidateID = "candidate_id"
	// FieldPriority is the numeric priority assigned by the producer.
	FieldPriority = "priority"
	// FieldEnqueuedAt is the enqueue timestamp in unix milliseconds,
	// stamped by Enqueue when absent.
	FieldEnqueuedAt = "enqueued_at"
	// FieldIdempotencyKey optionally identifies the logical unit of work
	// across replays.
	FieldIdempotencyKey = "idempotency_key"
	// FieldMetadata optionally carries a JSON blob of producer metadata.
	FieldMetadata = "metadata"
)

// Counters is the reclaim-attempt counter surface the queue needs: each
// successful ack clears the acknowledged message's counter so backoff state
// does not leak across message lifetimes.
type Counters interface {
	Clear(ctx context.Context, ids ...string) error
}

// Delivery is one consumed work item.
type Delivery struct {
	ID     string
	Fields map[string]string
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	// Length is the total number of entries retained in the stream.
	Length int64
	// Pending is the number of delivered-but-unacknowledged messages.
	Pending int64
}

// Queue is a durable work queue over one stream and one consumer group.
//
// A Queue is safe for concurrent use; multiple processes sharing the same
// group name load-balance deliveries through the store's consumer-group
// claim, with no in-process locking.
type Queue struct {
	store    *stream.Store
	key      string
	group    string
	consumer string
	maxLen   int64
	counters Counters
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithConsumer sets the consumer identity within the group. Default is a
// generated identity, unique per process.
func WithConsumer(name string) Option {
	return func(q *Queue) {
		q.consumer = name
	}
}

// WithMaxLen caps the stream length (approximate; the store may silently
// trim the oldest entries). Callers that must never lose unprocessed history
// pair this with the dead-letter archive trimmer.
func WithMaxLen(maxLen int64) Option {
	return func(q *Queue) {
		q.maxLen = maxLen
	}
}

// WithCounters wires the reclaim-attempt counter store so acks clear
// counters. Without it, acks skip the counter side effect.
func WithCounters(c Counters) Option {
	return func(q *Queue) {
		q.counters = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates a queue over the given stream key and consumer group.
func New(store *stream.Store, key, group string, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		key:      key,
		group:    group,
		consumer: "consumer-" + uuid.New().String(),
		logger:   slog.Default().With("component", "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key returns the stream key backing the queue.
func (q *Queue) Key() string { return q.key }

// Group returns the consumer-group name.
func (q *Queue) Group() string { return q.group }

// Consumer returns this queue's consumer identity.
func (q *Queue) Consumer() string { return q.consumer }

// Init registers the consumer group, creating the stream if needed. Safe to
// call from every process at startup.
func (q *Queue) Init(ctx context.Context) error {
	return q.store.EnsureGroup(ctx, q.key, q.group, "0")
}

// Enqueue appends a work item and returns its store-assigned message id.
// An enqueued_at timestamp is stamped when the producer did not set one.
func (q *Queue) Enqueue(ctx context.Context, fields map[string]string) (string, error) {
	stamped := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		stamped[k] = v
	}
	if stamped[FieldEnqueuedAt] == "" {
		stamped[FieldEnqueuedAt] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	id, err := q.store.Append(ctx, q.key, stamped, q.maxLen)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("enqueued message", "stream", q.key, "id", id,
		"candidate_id", stamped[FieldCandidateID])
	return id, nil
}

// ConsumeBatch reads up to batchSize new messages via the consumer-group
// cursor, blocking up to block. A timeout returns an empty batch, not an
// error. Consumed messages stay pending until acknowledged.
func (q *Queue) ConsumeBatch(ctx context.Context, batchSize int64, block time.Duration) ([]Delivery, error) {
	msgs, err := q.store.ReadGroup(ctx, q.key, q.group, q.consumer, batchSize, block)
	if err != nil {
		return nil, fmt.Errorf("consume batch: %w", err)
	}
	batch := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, Delivery{ID: m.ID, Fields: m.Fields})
	}
	return batch, nil
}

// Resume re-reads up to count messages already delivered to this consumer
// but never acknowledged. Call it on startup before ConsumeBatch so a
// restarted worker finishes the work its previous run left pending instead
// of waiting for the reclaim scheduler to hand it elsewhere.
func (q *Queue) Resume(ctx context.Context, count int64) ([]Delivery, error) {
	msgs, err := q.store.ReadOwnPending(ctx, q.key, q.group, q.consumer, count)
	if err != nil {
		return nil, fmt.Errorf("resume pending: %w", err)
	}
	batch := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, Delivery{ID: m.ID, Fields: m.Fields})
	}
	return batch, nil
}

// Ack acknowledges a message, removing it from the pending list. Returns
// false when the message was not pending (already acknowledged elsewhere).
// The message's reclaim-attempt counter is cleared as a non-critical side
// effect.
func (q *Queue) Ack(ctx context.Context, id string) (bool, error) {
	acked, err := q.store.Ack(ctx, q.key, q.group, id)
	if err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}
	q.clearCounter(ctx, id)
	return acked, nil
}

// AckDelete acknowledges a message and deletes it from stream history, for
// callers that do not need retention.
func (q *Queue) AckDelete(ctx context.Context, id string) (bool, error) {
	acked, err := q.store.AckDelete(ctx, q.key, q.group, id)
	if err != nil {
		return false, fmt.Errorf("ack delete: %w", err)
	}
	q.clearCounter(ctx, id)
	return acked, nil
}

func (q *Queue) clearCounter(ctx context.Context, id string) {
	if q.counters == nil {
		return
	}
	backstop.NonCritical(ctx, q.logger, "clear reclaim counter", func(ctx context.Context) error {
		return q.counters.Clear(ctx, id)
	})
}

// Get fetches a message's fields by id from stream history. ok is false when
// the entry no longer exists (trimmed or deleted).
func (q *Queue) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	msg, ok, err := q.store.Get(ctx, q.key, id)
	if err != nil {
		return nil, false, err
	}
	return msg.Fields, ok, nil
}

// Pending enumerates up to count pending entries idle at least minIdle,
// across all consumers in the group.
func (q *Queue) Pending(ctx context.Context, count int64, minIdle time.Duration) ([]stream.PendingEntry, error) {
	return q.store.Pending(ctx, q.key, q.group, count, minIdle)
}

// Claim atomically takes ownership of pending entries idle at least minIdle.
// An empty result means another worker won the race; treat it as normal.
func (q *Queue) Claim(ctx context.Context, minIdle time.Duration, ids ...string) ([]Delivery, error) {
	msgs, err := q.store.Claim(ctx, q.key, q.group, q.consumer, minIdle, ids...)
	if err != nil {
		return nil, err
	}
	batch := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, Delivery{ID: m.ID, Fields: m.Fields})
	}
	return batch, nil
}

// Stats reports queue depth. Store failures are logged and reported as
// zeroes rather than propagated; depth is advisory, never load-bearing.
func (q *Queue) Stats(ctx context.Context) Stats {
	var st Stats
	n, err := q.store.Len(ctx, q.key)
	if err != nil {
		q.logger.Warn("stats: stream length unavailable", "error", err)
		return st
	}
	st.Length = n

	entries, err := q.store.Pending(ctx, q.key, q.group, 10_000, 0)
	if err != nil {
		q.logger.Warn("stats: pending list unavailable", "error", err)
		return st
	}
	st.Pending = int64(len(entries))
	return st
}
