package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
//
// Claim relies on FOR UPDATE SKIP LOCKED so claims racing in the same
// instant partition the eligible rows between themselves, and on the
// claimed_at staleness window for claims that outlive their statement: a row
// stays ineligible while another processor holds a live claim on it, and
// becomes claimable again only once that claim ages past the claim TTL.
// The failure path is a single UPDATE that computes the next eligibility
// window in SQL, so a crash between delivery and completion can at worst
// redeliver, never lose the reschedule.
//
// Required Schema:
//
//	CREATE TABLE outbox (
//	    id             BIGSERIAL PRIMARY KEY,
//	    aggregate_type VARCHAR(255) NOT NULL,
//	    aggregate_id   VARCHAR(255) NOT NULL,
//	    event_kind     VARCHAR(255) NOT NULL,
//	    payload        BYTEA NOT NULL,
//	    created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
//	    processed_at   TIMESTAMP WITH TIME ZONE,
//	    retry_count    INT NOT NULL DEFAULT 0,
//	    process_after  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
//	    claimed_by     VARCHAR(255),
//	    claimed_at     TIMESTAMP WITH TIME ZONE,
//	    last_error     TEXT
//	);
//	CREATE INDEX idx_outbox_eligible ON outbox(process_after) WHERE processed_at IS NULL;
type PostgresStore struct {
	db          *sql.DB
	table       string
	backoffBase time.Duration
	backoffMax  time.Duration
	claimTTL    time.Duration
}

// NewPostgresStore creates a PostgreSQL outbox store. The default table name
// is "outbox"; the default failure backoff starts at 1 minute and caps at
// 1 hour; claims go stale after 5 minutes.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		table:       "outbox",
		backoffBase: time.Minute,
		backoffMax:  time.Hour,
		claimTTL:    5 * time.Minute,
	}
}

// WithTableName sets a custom table name. Returns the store for chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.table = name
	return s
}

// WithBackoff sets the retry backoff schedule for failed deliveries. The
// delay after the n-th failure is base*2^(n-1), capped at max. Returns the
// store for chaining.
func (s *PostgresStore) WithBackoff(base, max time.Duration) *PostgresStore {
	s.backoffBase = base
	s.backoffMax = max
	return s
}

// WithClaimTTL sets how long a claim suppresses eligibility before it is
// treated as abandoned. Must exceed the longest plausible batch delivery
// time, or a slow processor will have its records delivered twice. Returns
// the store for chaining.
func (s *PostgresStore) WithClaimTTL(ttl time.Duration) *PostgresStore {
	s.claimTTL = ttl
	return s
}

// Claim implements Store.
func (s *PostgresStore) Claim(ctx context.Context, processorID string, batchSize int) ([]*Record, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET claimed_by = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE processed_at IS NULL AND process_after <= NOW()
			  AND (claimed_at IS NULL OR claimed_at <= NOW() - make_interval(secs => $3))
			ORDER BY process_after, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_kind, payload,
		          created_at, processed_at, retry_count, process_after,
		          COALESCE(claimed_by, ''), claimed_at, COALESCE(last_error, '')
	`, s.table)

	rows, err := s.db.QueryContext(ctx, query, processorID, batchSize, s.claimTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.ID,
			&rec.AggregateType,
			&rec.AggregateID,
			&rec.EventKind,
			&rec.Payload,
			&rec.CreatedAt,
			&rec.ProcessedAt,
			&rec.RetryCount,
			&rec.ProcessAfter,
			&rec.ClaimedBy,
			&rec.ClaimedAt,
			&rec.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}
	return records, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, eventID int64, processorID string, success bool, procErr error) error {
	if success {
		query := fmt.Sprintf(`
			UPDATE %s SET processed_at = NOW()
			WHERE id = $1 AND claimed_by = $2 AND processed_at IS NULL
		`, s.table)
		if _, err := s.db.ExecContext(ctx, query, eventID, processorID); err != nil {
			return fmt.Errorf("complete outbox record: %w", err)
		}
		return nil
	}

	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}

	// retry_count in the power() call is the pre-increment value, so the
	// first failure waits the base delay.
	query := fmt.Sprintf(`
		UPDATE %s SET
			retry_count   = retry_count + 1,
			process_after = NOW() + make_interval(secs => LEAST($3, $4 * power(2, LEAST(retry_count, 30)))),
			last_error    = $5,
			claimed_by    = NULL,
			claimed_at    = NULL
		WHERE id = $1 AND claimed_by = $2 AND processed_at IS NULL
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		eventID,
		processorID,
		s.backoffMax.Seconds(),
		s.backoffBase.Seconds(),
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("complete outbox record: %w", err)
	}
	return nil
}

// CountProcessedOlderThan implements Store.
func (s *PostgresStore) CountProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_at IS NOT NULL AND processed_at < $1`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, time.Now().Add(-age)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed records: %w", err)
	}
	return n, nil
}

// DeleteProcessedOlderThan implements Store.
func (s *PostgresStore) DeleteProcessedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE processed_at IS NOT NULL AND processed_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete processed records: %w", err)
	}
	return res.RowsAffected()
}

// CreateTable creates the outbox table if it doesn't exist. Convenience for
// development and testing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_type VARCHAR(255) NOT NULL,
			aggregate_id   VARCHAR(255) NOT NULL,
			event_kind     VARCHAR(255) NOT NULL,
			payload        BYTEA NOT NULL,
			created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			processed_at   TIMESTAMP WITH TIME ZONE,
			retry_count    INT NOT NULL DEFAULT 0,
			process_after  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			claimed_by     VARCHAR(255),
			claimed_at     TIMESTAMP WITH TIME ZONE,
			last_error     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_eligible ON %[1]s(process_after) WHERE processed_at IS NULL;
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
