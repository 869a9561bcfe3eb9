// Package backstop is the durable recovery/retry core for background work:
// a Redis Streams work queue with consumer-group semantics, stalled-message
// reclamation with exponential backoff, a dead-letter pipeline with idempotent
// replay, a TTL-based distributed lock, a transactional-outbox consumer, and
// retention garbage collection.
//
// The module is a library, not a service. Callers construct each component
// once at startup with pre-initialized store clients and wire them together:
//
//	rdb := redis.NewClient(&redis.Options{Addr: addr})
//	db, _ := sql.Open("postgres", connString)
//
//	cfg := backstop.DefaultConfig()
//	st, _ := stream.New(rdb)
//	q := queue.New(st, cfg.StreamKey, cfg.ConsumerGroup,
//	    queue.WithMaxLen(cfg.StreamMaxLen))
//
//	pipeline := deadletter.New(st, q, cfg.DeadLetterStreamKey,
//	    replaylog.NewPostgresStore(db))
//	attempts := reclaim.NewRedisAttemptStore(rdb, cfg.StreamKey+":reclaim_attempts")
//	scheduler := reclaim.New(q, attempts, pipeline)
//
// Design rules shared by every package:
//
//   - Expected, non-exceptional outcomes (lock held elsewhere, message already
//     replayed, reclaim lost to another worker) are reported as boolean or
//     empty results, never as errors.
//   - Multi-step sequences are ordered so a crash between steps is always
//     recoverable: dead-letter entries are written before the original is
//     acknowledged, replay intent is recorded before re-enqueueing, archive
//     rows are written before trimming.
//   - Batch jobs return structured count summaries (including an error count)
//     instead of failing the whole pass on partial errors.
//   - Cosmetic follow-up failures after the durable step has succeeded are
//     logged and swallowed via NonCritical; they self-heal on the next pass.
//
// Shared helpers live in this root package: exponential backoff math, the
// environment-style configuration surface, and the NonCritical side-effect
// convention.
package backstop
