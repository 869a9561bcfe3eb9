package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/backstop-io/backstop/codec"
)

// PostgresStore implements Store using PostgreSQL. The entry field map is
// serialized with a pluggable codec (msgpack by default) into a BYTEA column,
// alongside the codec name so rows written with one codec remain readable
// after the default changes.
//
// Required Schema:
//
//	CREATE TABLE dead_letter_archive (
//	    dead_letter_msg_id VARCHAR(64) PRIMARY KEY,
//	    original_msg_id    VARCHAR(64) NOT NULL,
//	    reason             VARCHAR(255) NOT NULL,
//	    payload            BYTEA NOT NULL,
//	    payload_codec      VARCHAR(32) NOT NULL,
//	    dead_lettered_at   TIMESTAMP WITH TIME ZONE NOT NULL,
//	    archived_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_dead_letter_archive_archived_at ON dead_letter_archive(archived_at);
type PostgresStore struct {
	db    *sql.DB
	table string
	codec codec.Codec
}

// NewPostgresStore creates a PostgreSQL archive store. The default table name
// is "dead_letter_archive" and the default payload codec is msgpack.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "dead_letter_archive",
		codec: codec.Msgpack{},
	}
}

// WithTableName sets a custom table name. Returns the store for chaining.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.table = name
	return s
}

// WithCodec sets the payload codec used for newly written rows. Returns the
// store for chaining.
func (s *PostgresStore) WithCodec(c codec.Codec) *PostgresStore {
	s.codec = c
	return s
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	payload, err := s.codec.Encode(entry.Fields)
	if err != nil {
		return fmt.Errorf("encode archive payload: %w", err)
	}

	archivedAt := entry.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (dead_letter_msg_id, original_msg_id, reason, payload, payload_codec, dead_lettered_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dead_letter_msg_id) DO NOTHING
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		entry.DeadLetterMsgID,
		entry.OriginalMsgID,
		entry.Reason,
		payload,
		s.codec.Name(),
		entry.DeadLetteredAt,
		archivedAt,
	)
	if err != nil {
		return fmt.Errorf("archive entry: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, deadLetterMsgID string) (*Entry, bool, error) {
	query := fmt.Sprintf(`
		SELECT dead_letter_msg_id, original_msg_id, reason, payload, payload_codec, dead_lettered_at, archived_at
		FROM %s
		WHERE dead_letter_msg_id = $1
	`, s.table)

	var (
		entry     Entry
		payload   []byte
		codecName string
	)
	err := s.db.QueryRowContext(ctx, query, deadLetterMsgID).Scan(
		&entry.DeadLetterMsgID,
		&entry.OriginalMsgID,
		&entry.Reason,
		&payload,
		&codecName,
		&entry.DeadLetteredAt,
		&entry.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get archived entry: %w", err)
	}

	if err := codec.ByName(codecName).Decode(payload, &entry.Fields); err != nil {
		return nil, false, fmt.Errorf("decode archive payload: %w", err)
	}
	return &entry, true, nil
}

// CountOlderThan implements Store.
func (s *PostgresStore) CountOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE archived_at < $1`, s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, time.Now().Add(-age)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived entries: %w", err)
	}
	return n, nil
}

// DeleteOlderThan implements Store.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE archived_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete archived entries: %w", err)
	}
	return res.RowsAffected()
}

// CreateTable creates the archive table if it doesn't exist. Convenience for
// development and testing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			dead_letter_msg_id VARCHAR(64) PRIMARY KEY,
			original_msg_id    VARCHAR(64) NOT NULL,
			reason             VARCHAR(255) NOT NULL,
			payload            BYTEA NOT NULL,
			payload_codec      VARCHAR(32) NOT NULL,
			dead_lettered_at   TIMESTAMP WITH TIME ZONE NOT NULL,
			archived_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_archived_at ON %s(archived_at);
	`, s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
