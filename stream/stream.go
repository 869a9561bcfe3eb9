// Package stream is a thin adapter over Redis Streams with consumer groups.
//
// It is the leaf dependency of the recovery core: the durable queue, the
// reclaim scheduler, and the dead-letter pipeline are all built on it. The
// adapter normalizes the store-client boundary so callers never branch on
// client error strings:
//   - "BUSYGROUP" on group creation is a normal "already exists" result
//   - redis.Nil on blocking reads is an empty result, not an error
//   - XADD MAXLEN trimming is always approximate (~) for performance
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations the stream store needs.
// Satisfied by *redis.Client, *redis.ClusterClient, redis.UniversalClient,
// and by MemoryClient for tests.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XTrimMaxLen(ctx context.Context, key string, maxLen int64) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no client is provided.
var ErrClientRequired = errors.New("stream: client is required")

// Message is one stream entry: a store-assigned id and its field map.
// Ids are monotonically ordered within a stream.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes one entry in a consumer group's pending-entry list:
// a message that was delivered to a consumer but not yet acknowledged.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Store adapts a Redis client into the stream operations the core needs.
type Store struct {
	client Client
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a stream store over a pre-initialized client.
func New(client Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	s := &Store{
		client: client,
		logger: slog.Default().With("component", "stream"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureGroup creates the consumer group (and the stream, if missing),
// treating "group already exists" as success.
func (s *Store) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = "$"
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// isBusyGroup reports whether err is the "group already exists" reply.
// This is the one place the client's error string is inspected.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Append adds an entry to the stream and returns its assigned id. A positive
// maxLen caps the stream length approximately; the store may silently trim
// the oldest entries.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup reads up to count new messages for the consumer via the group
// cursor, blocking up to block. A timeout yields an empty result, not an
// error.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s on %s: %w", group, stream, err)
	}
	return flatten(res), nil
}

// ReadOwnPending reads up to count messages already assigned to this consumer
// but not yet acknowledged (its slice of the pending-entry list).
func (s *Store) ReadOwnPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read own pending on %s: %w", stream, err)
	}
	return flatten(res), nil
}

// Ack acknowledges a message for the group. Returns false when the entry was
// not pending (already acknowledged by someone else).
func (s *Store) Ack(ctx context.Context, stream, group, id string) (bool, error) {
	n, err := s.client.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return false, fmt.Errorf("ack %s on %s: %w", id, stream, err)
	}
	return n > 0, nil
}

// AckDelete acknowledges a message and removes it from the stream, for
// callers that do not need retained history.
func (s *Store) AckDelete(ctx context.Context, stream, group, id string) (bool, error) {
	acked, err := s.Ack(ctx, stream, group, id)
	if err != nil {
		return false, err
	}
	if _, err := s.client.XDel(ctx, stream, id).Result(); err != nil {
		// The ack is the durable step; a failed delete leaves a dead entry
		// in history that trimming will remove.
		s.logger.Warn("delete after ack failed", "stream", stream, "id", id, "error", err)
	}
	return acked, nil
}

// Pending enumerates up to count pending entries for the group that have been
// idle at least minIdle.
func (s *Store) Pending(ctx context.Context, stream, group string, count int64, minIdle time.Duration) ([]PendingEntry, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending on %s: %w", stream, err)
	}
	entries := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

// Claim transfers ownership of the given pending entries to consumer if they
// have been idle at least minIdle. The claim is atomic per message: when two
// workers race, only one receives each message. A miss (empty result) is a
// normal outcome.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim on %s: %w", stream, err)
	}
	msgs := make([]Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return msgs, nil
}

// Range reads up to count entries in id order starting at start ("-" for the
// oldest). Use ExclusiveStart to continue past a previous page.
func (s *Store) Range(ctx context.Context, stream, start string, count int64) ([]Message, error) {
	res, err := s.client.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("range on %s: %w", stream, err)
	}
	msgs := make([]Message, 0, len(res))
	for _, m := range res {
		msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return msgs, nil
}

// ExclusiveStart converts a message id into an exclusive range start, for
// paginating past the last id of a previous page.
func ExclusiveStart(id string) string {
	return "(" + id
}

// Get fetches a single entry by id. Returns ok=false when the entry no
// longer exists (trimmed or deleted).
func (s *Store) Get(ctx context.Context, stream, id string) (Message, bool, error) {
	msgs, err := s.Range(ctx, stream, id, 1)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 || msgs[0].ID != id {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

// Len returns the number of entries in the stream.
func (s *Store) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", stream, err)
	}
	return n, nil
}

// Delete removes entries from the stream by id, returning how many existed.
func (s *Store) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete on %s: %w", stream, err)
	}
	return n, nil
}

// Trim caps the stream at maxLen entries, dropping the oldest. Entries are
// dropped without regard to pending state; callers that must not lose data
// archive before trimming.
func (s *Store) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	n, err := s.client.XTrimMaxLen(ctx, stream, maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", stream, err)
	}
	return n, nil
}

// Ping checks connectivity to the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// flatten merges the per-stream read reply into a single message slice.
func flatten(streams []redis.XStream) []Message {
	var msgs []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			msgs = append(msgs, Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return msgs
}

// stringFields normalizes the client's map[string]interface{} values into the
// canonical string-field map. This is the single parse point for entry
// values; callers never see the client's return shape.
func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
