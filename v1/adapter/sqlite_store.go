package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

// SQLiteStore is a persistent Store backed by SQLite. Every operation is a
// single statement, so SQLite's write lock serialises concurrent callers in
// this and other processes sharing the same database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// initialises the schema. Use ":memory:" for an in-memory SQLite database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/adapter: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between connections of the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tally/adapter: sqlite pragma: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally_keys (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tally/adapter: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Add implements Store.Add with an upsert returning the new value.
func (s *SQLiteStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	if err := precheck(ctx, "add", key); err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tally_keys (key, value, expires_at) VALUES (?1, CAST(?2 + ?3 AS TEXT), NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= ?4 THEN CAST(?2 + ?3 AS TEXT)
				WHEN CAST(CAST(tally_keys.value AS INTEGER) AS TEXT) = tally_keys.value
					AND typeof(CAST(tally_keys.value AS INTEGER) + ?3) = 'integer'
					THEN CAST(CAST(tally_keys.value AS INTEGER) + ?3 AS TEXT)
				ELSE NULL
			END,
			expires_at = CASE
				WHEN tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= ?4 THEN NULL
				ELSE tally_keys.expires_at
			END
		RETURNING CAST(value AS INTEGER)
	`, key, seed, delta, now).Scan(&n)
	if err != nil {
		return 0, classifySQL("add", key, err)
	}
	return n, nil
}

// SetIfAbsent implements Store.SetIfAbsent. An expired row counts as absent
// and is replaced in the same statement.
func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := precheck(ctx, "setnx", key); err != nil {
		return false, err
	}
	now := time.Now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tally_keys (key, value, expires_at) VALUES (?1, ?2, ?3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= ?4
	`, key, value, expiresAt, now.UnixNano())
	if err != nil {
		return false, classifySQL("setnx", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQL("setnx", key, err)
	}
	return n == 1, nil
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := precheck(ctx, "get", key); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tally_keys WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UnixNano(),
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifySQL("get", key, err)
	}
	return v, true, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *SQLiteStore) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	if err := precheck(ctx, "delete", key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tally_keys WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, expected, time.Now().UnixNano(),
	)
	if err != nil {
		return false, classifySQL("delete", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQL("delete", key, err)
	}
	return n == 1, nil
}

// Set implements Store.Set.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if err := precheck(ctx, "set", key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tally_keys (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = NULL
	`, key, value)
	return classifySQL("set", key, err)
}

// Cleanup removes expired rows and returns how many were deleted.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tally_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, classifySQL("cleanup", "", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteDataErrors are messages SQLite returns for values, not for the
// connection. Add stores NULL for a non-integer or out of range sum, which
// trips the NOT NULL constraint.
var sqliteDataErrors = []string{
	"NOT NULL constraint failed",
	"datatype mismatch",
	"integer overflow",
}

// classifySQL treats a closed *sql.DB or connection like a closed client and
// value errors as ErrNotInteger.
func classifySQL(op, key string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, s := range sqliteDataErrors {
		if strings.Contains(msg, s) {
			return tallyerrors.ErrNotInteger
		}
	}
	if strings.Contains(msg, "database is closed") {
		return tallyerrors.Unavailable(op, key, tallyerrors.ErrConnectionClosed)
	}
	return classify(op, key, err, sql.ErrConnDone)
}
