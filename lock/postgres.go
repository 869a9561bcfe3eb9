package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLocker implements Locker using PostgreSQL.
//
// Acquire is a single upsert statement, so contention resolves inside the
// database without a read-then-write race: the conditional update fires only
// when the existing row is expired, and the statement matches a row at all
// only when the lock is takeable or already owned by the caller.
//
// Required Schema:
//
//	CREATE TABLE distributed_locks (
//	    name        VARCHAR(255) PRIMARY KEY,
//	    holder      VARCHAR(255) NOT NULL,
//	    acquired_at TIMESTAMP WITH TIME ZONE NOT NULL,
//	    expires_at  TIMESTAMP WITH TIME ZONE NOT NULL
//	);
type PostgresLocker struct {
	db    *sql.DB
	table string
}

// NewPostgresLocker creates a PostgreSQL-backed locker. The default table
// name is "distributed_locks".
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db, table: "distributed_locks"}
}

// WithTableName sets a custom table name. Returns the locker for chaining.
func (l *PostgresLocker) WithTableName(name string) *PostgresLocker {
	l.table = name
	return l
}

// Acquire implements Locker.
func (l *PostgresLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	// The CASE expressions keep the existing row untouched on a same-holder
	// re-acquire, so re-acquiring never silently refreshes the expiry.
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			holder      = CASE WHEN %[1]s.expires_at <= NOW() THEN EXCLUDED.holder ELSE %[1]s.holder END,
			acquired_at = CASE WHEN %[1]s.expires_at <= NOW() THEN EXCLUDED.acquired_at ELSE %[1]s.acquired_at END,
			expires_at  = CASE WHEN %[1]s.expires_at <= NOW() THEN EXCLUDED.expires_at ELSE %[1]s.expires_at END
		WHERE %[1]s.expires_at <= NOW() OR %[1]s.holder = EXCLUDED.holder
	`, l.table)

	res, err := l.db.ExecContext(ctx, query, name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return n == 1, nil
}

// Extend implements Locker.
func (l *PostgresLocker) Extend(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = NOW() + make_interval(secs => $3)
		WHERE name = $1 AND holder = $2 AND expires_at > NOW()
	`, l.table)

	res, err := l.db.ExecContext(ctx, query, name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (l *PostgresLocker) Release(ctx context.Context, name, holder string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND holder = $2`, l.table)
	res, err := l.db.ExecContext(ctx, query, name, holder)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}

// CountExpired implements Locker.
func (l *PostgresLocker) CountExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at <= NOW()`, l.table)
	var n int64
	if err := l.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count expired locks: %w", err)
	}
	return n, nil
}

// CleanupExpired implements Locker.
func (l *PostgresLocker) CleanupExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, l.table)
	res, err := l.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return res.RowsAffected()
}

// CreateTable creates the locks table if it doesn't exist. Convenience for
// development and testing.
func (l *PostgresLocker) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name        VARCHAR(255) PRIMARY KEY,
			holder      VARCHAR(255) NOT NULL,
			acquired_at TIMESTAMP WITH TIME ZONE NOT NULL,
			expires_at  TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`, l.table)

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Compile-time checks
var _ Locker = (*PostgresLocker)(nil)
