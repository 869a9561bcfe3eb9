package replaylog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
//
// The unique constraint on original_msg_id is the compare-and-insert
// primitive: two concurrent replayers racing on the same dead letter resolve
// through ON CONFLICT DO NOTHING, and exactly one observes an inserted row.
//
// Required Schema:
//
//	CREATE TABLE replay_log (
//	    original_msg_id    VARCHAR(64) PRIMARY KEY,
//	    dead_letter_msg_id VARCHAR(64) NOT NULL,
//	    candidate_id       VARCHAR(255),
//	    idempotency_key    VARCHAR(255),
//	    new_msg_id         VARCHAR(64),
//	    replayed_by        VARCHAR(255) NOT NULL,
//	    replayed_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_replay_log_replayed_at ON replay_log(replayed_at);
//
// Example:
//
//	db, _ := sql.Open("postgres", connString)
//	store := replaylog.NewPostgresStore(db)
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a PostgreSQL replay-log store. The default table
// name is "replay_log".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, table: "replay_log"}
}

// WithTableName sets a custom table name. Returns the store for chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.table = name
	return s
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (original_msg_id, dead_letter_msg_id, candidate_id, idempotency_key, new_msg_id, replayed_by, replayed_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (original_msg_id) DO NOTHING
	`, s.table)

	at := rec.ReplayedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, query,
		rec.OriginalMsgID,
		rec.DeadLetterMsgID,
		rec.CandidateID,
		rec.IdempotencyKey,
		rec.NewMsgID,
		rec.ReplayedBy,
		at,
	)
	if err != nil {
		return false, fmt.Errorf("insert replay record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert replay record: %w", err)
	}
	return n == 1, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, originalMsgID string) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT original_msg_id, dead_letter_msg_id,
		       COALESCE(candidate_id, ''), COALESCE(idempotency_key, ''),
		       COALESCE(new_msg_id, ''), replayed_by, replayed_at
		FROM %s
		WHERE original_msg_id = $1
	`, s.table)

	var rec Record
	err := s.db.QueryRowContext(ctx, query, originalMsgID).Scan(
		&rec.OriginalMsgID,
		&rec.DeadLetterMsgID,
		&rec.CandidateID,
		&rec.IdempotencyKey,
		&rec.NewMsgID,
		&rec.ReplayedBy,
		&rec.ReplayedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get replay record: %w", err)
	}
	return &rec, nil
}

// SetNewMessageID implements Store.
func (s *PostgresStore) SetNewMessageID(ctx context.Context, originalMsgID, newMsgID string) error {
	query := fmt.Sprintf(`UPDATE %s SET new_msg_id = $2 WHERE original_msg_id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, originalMsgID, newMsgID); err != nil {
		return fmt.Errorf("set new message id: %w", err)
	}
	return nil
}

// CountOlderThan implements Store.
func (s *PostgresStore) CountOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE replayed_at < $1`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, time.Now().Add(-age)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count replay records: %w", err)
	}
	return n, nil
}

// DeleteOlderThan implements Store.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE replayed_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete replay records: %w", err)
	}
	return res.RowsAffected()
}

// CreateTable creates the replay_log table if it doesn't exist. Convenience
// for development and testing; manage schema migrations separately in
// production.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			original_msg_id    VARCHAR(64) PRIMARY KEY,
			dead_letter_msg_id VARCHAR(64) NOT NULL,
			candidate_id       VARCHAR(255),
			idempotency_key    VARCHAR(255),
			new_msg_id         VARCHAR(64),
			replayed_by        VARCHAR(255) NOT NULL,
			replayed_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_replayed_at ON %s(replayed_at);
	`, s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
