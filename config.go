package backstop

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Recognized configuration keys. All values are strings; durations are
// expressed as integer milliseconds or seconds as the key name indicates.
const (
	EnvStreamKey            = "BACKSTOP_STREAM_KEY"
	EnvConsumerGroup        = "BACKSTOP_CONSUMER_GROUP"
	EnvConsumerName         = "BACKSTOP_CONSUMER_NAME"
	EnvStreamMaxLen         = "BACKSTOP_STREAM_MAXLEN"
	EnvReclaimIdleMs        = "BACKSTOP_RECLAIM_IDLE_MS"
	EnvReadBlockMs          = "BACKSTOP_READ_BLOCK_MS"
	EnvMaxReclaims          = "BACKSTOP_MAX_RECLAIMS"
	EnvMaxReclaimPerPass    = "BACKSTOP_MAX_RECLAIM_PER_PASS"
	EnvDeadLetterStreamKey  = "BACKSTOP_DLQ_STREAM_KEY"
	EnvDeadLetterMaxLen     = "BACKSTOP_DLQ_MAXLEN"
	EnvBackoffBaseMs        = "BACKSTOP_BACKOFF_BASE_MS"
	EnvBackoffMaxMs         = "BACKSTOP_BACKOFF_MAX_MS"
	EnvReplayLogRetentionS  = "BACKSTOP_REPLAY_LOG_RETENTION_S"
	EnvAttemptRetentionS    = "BACKSTOP_ATTEMPT_RETENTION_S"
)

// Config is the shared configuration surface for the recovery core.
//
// All fields have working defaults; load overrides from the environment with
// FromEnv, or from any key/value source with LoadConfig.
type Config struct {
	// StreamKey is the Redis stream holding enqueued work.
	StreamKey string
	// ConsumerGroup is the consumer-group name registered on StreamKey.
	ConsumerGroup string
	// ConsumerName identifies this process within the consumer group.
	// Empty means the queue generates one.
	ConsumerName string
	// StreamMaxLen caps the work stream length (approximate, 0 = unlimited).
	StreamMaxLen int64

	// ReclaimIdle is how long a pending message must sit unacknowledged
	// before it is eligible for reclamation.
	ReclaimIdle time.Duration
	// ReadBlock is how long ConsumeBatch blocks waiting for new messages.
	ReadBlock time.Duration
	// MaxReclaims is the retry ceiling: messages delivered at least this
	// many times are dead-lettered instead of reclaimed.
	MaxReclaims int
	// MaxReclaimPerPass caps how many messages one reclaim pass may claim.
	MaxReclaimPerPass int

	// DeadLetterStreamKey is the Redis stream holding dead-lettered messages.
	DeadLetterStreamKey string
	// DeadLetterMaxLen caps the dead-letter stream length (approximate,
	// 0 = unlimited). Enable the archive trimmer before setting this if
	// dead letters must never be lost.
	DeadLetterMaxLen int64

	// BackoffBase and BackoffMax bound the per-message exponential backoff
	// applied between reclaim attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ReplayLogRetention is how long replay-log records are kept before
	// garbage collection.
	ReplayLogRetention time.Duration
	// AttemptRetention is how long orphaned reclaim-attempt counters are
	// kept before garbage collection.
	AttemptRetention time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		StreamKey:           "backstop:work",
		ConsumerGroup:       "backstop-workers",
		StreamMaxLen:        100_000,
		ReclaimIdle:         30 * time.Second,
		ReadBlock:           5 * time.Second,
		MaxReclaims:         5,
		MaxReclaimPerPass:   100,
		DeadLetterStreamKey: "backstop:dead",
		DeadLetterMaxLen:    10_000,
		BackoffBase:         time.Second,
		BackoffMax:          5 * time.Minute,
		ReplayLogRetention:  30 * 24 * time.Hour,
		AttemptRetention:    24 * time.Hour,
	}
}

// FromEnv loads configuration from process environment variables, applying
// defaults for unset keys.
func FromEnv() (*Config, error) {
	return LoadConfig(os.LookupEnv)
}

// LoadConfig loads configuration from an arbitrary key/value lookup, applying
// defaults for missing keys. Invalid numeric values are reported as errors
// naming the offending key.
func LoadConfig(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvStreamKey); ok {
		cfg.StreamKey = v
	}
	if v, ok := lookup(EnvConsumerGroup); ok {
		cfg.ConsumerGroup = v
	}
	if v, ok := lookup(EnvConsumerName); ok {
		cfg.ConsumerName = v
	}
	if v, ok := lookup(EnvDeadLetterStreamKey); ok {
		cfg.DeadLetterStreamKey = v
	}

	var err error
	if cfg.StreamMaxLen, err = lookupInt64(lookup, EnvStreamMaxLen, cfg.StreamMaxLen); err != nil {
		return nil, err
	}
	if cfg.DeadLetterMaxLen, err = lookupInt64(lookup, EnvDeadLetterMaxLen, cfg.DeadLetterMaxLen); err != nil {
		return nil, err
	}
	if cfg.MaxReclaims, err = lookupInt(lookup, EnvMaxReclaims, cfg.MaxReclaims); err != nil {
		return nil, err
	}
	if cfg.MaxReclaimPerPass, err = lookupInt(lookup, EnvMaxReclaimPerPass, cfg.MaxReclaimPerPass); err != nil {
		return nil, err
	}
	if cfg.ReclaimIdle, err = lookupDuration(lookup, EnvReclaimIdleMs, time.Millisecond, cfg.ReclaimIdle); err != nil {
		return nil, err
	}
	if cfg.ReadBlock, err = lookupDuration(lookup, EnvReadBlockMs, time.Millisecond, cfg.ReadBlock); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = lookupDuration(lookup, EnvBackoffBaseMs, time.Millisecond, cfg.BackoffBase); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = lookupDuration(lookup, EnvBackoffMaxMs, time.Millisecond, cfg.BackoffMax); err != nil {
		return nil, err
	}
	if cfg.ReplayLogRetention, err = lookupDuration(lookup, EnvReplayLogRetentionS, time.Second, cfg.ReplayLogRetention); err != nil {
		return nil, err
	}
	if cfg.AttemptRetention, err = lookupDuration(lookup, EnvAttemptRetentionS, time.Second, cfg.AttemptRetention); err != nil {
		return nil, err
	}

	return cfg, nil
}

func lookupInt64(lookup func(string) (string, bool), key string, def int64) (int64, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func lookupInt(lookup func(string) (string, bool), key string, def int) (int, error) {
	n, err := lookupInt64(lookup, key, int64(def))
	return int(n), err
}

func lookupDuration(lookup func(string) (string, bool), key string, unit time.Duration, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}
