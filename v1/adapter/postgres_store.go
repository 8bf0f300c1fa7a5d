package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

// SQLSTATEs raised when a stored value is not an int64 or the sum leaves the
// bigint range.
const (
	pgInvalidTextRepresentation = "22P02"
	pgNumericValueOutOfRange    = "22003"
)

// PostgresStore is a PostgreSQL implementation of Store. Every operation is a
// single statement using INSERT ... ON CONFLICT, and expiry is evaluated
// against the server clock.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. Call EnsureSchema
// once before use when the table is not provisioned by migrations.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to dsn, creates the schema and returns the store.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/adapter: open postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the keys table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tally_keys (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("tally/adapter: create table: %w", err)
	}
	return nil
}

// Add implements Store.Add.
func (s *PostgresStore) Add(ctx context.Context, key string, delta, seed int64) (int64, error) {
	if err := precheck(ctx, "add", key); err != nil {
		return 0, err
	}
	query := `
		INSERT INTO tally_keys (key, value, expires_at)
		VALUES ($1, ($2::bigint + $3::bigint)::text, NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE
				WHEN tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= now()
					THEN ($2::bigint + $3::bigint)::text
				ELSE (tally_keys.value::bigint + $3::bigint)::text
			END,
			expires_at = CASE
				WHEN tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= now() THEN NULL
				ELSE tally_keys.expires_at
			END
		RETURNING value::bigint
	`
	var n int64
	if err := s.db.QueryRow(ctx, query, key, seed, delta).Scan(&n); err != nil {
		return 0, classifyPG("add", key, err)
	}
	return n, nil
}

// SetIfAbsent implements Store.SetIfAbsent. An expired row is replaced, a
// live one is left alone and no row is returned.
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := precheck(ctx, "setnx", key); err != nil {
		return false, err
	}
	query := `
		INSERT INTO tally_keys (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 microsecond' END)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE tally_keys.expires_at IS NOT NULL AND tally_keys.expires_at <= now()
		RETURNING key
	`
	var returned string
	err := s.db.QueryRow(ctx, query, key, value, ttl.Microseconds()).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPG("setnx", key, err)
	}
	return true, nil
}

// Get implements Store.Get.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := precheck(ctx, "get", key); err != nil {
		return "", false, err
	}
	var v string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM tally_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyPG("get", key, err)
	}
	return v, true, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *PostgresStore) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	if err := precheck(ctx, "delete", key); err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM tally_keys WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
		key, expected,
	)
	if err != nil {
		return false, classifyPG("delete", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Set implements Store.Set.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	if err := precheck(ctx, "set", key); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tally_keys (key, value, expires_at) VALUES ($1, $2, NULL)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL
	`, key, value)
	if err != nil {
		return classifyPG("set", key, err)
	}
	return nil
}

// Cleanup removes all expired keys from the database.
// This should be called periodically by a background job.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM tally_keys WHERE expires_at IS NOT NULL AND expires_at <= now()")
	if err != nil {
		return 0, classifyPG("cleanup", "", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func classifyPG(op, key string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgInvalidTextRepresentation, pgNumericValueOutOfRange:
			return tallyerrors.ErrNotInteger
		}
	}
	if strings.Contains(err.Error(), "closed pool") {
		return tallyerrors.Unavailable(op, key, tallyerrors.ErrConnectionClosed)
	}
	return classify(op, key, err, nil)
}
