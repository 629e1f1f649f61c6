// Package postgres provides a Postgres storage backend for hub deployments
// where several devices share one classroom server.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/onnwee/lessonsync/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS lessonsync_records (
    bucket     TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      BYTEA       NOT NULL,
    doc        JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (bucket, key)
);
`

// Store persists engine records in Postgres.
type Store struct {
	db       *sql.DB
	maxBytes int64
}

// Open connects to connStr and ensures the records table exists.
func Open(ctx context.Context, connStr string, maxBytes int64) (*Store, error) {
	if strings.TrimSpace(connStr) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, maxBytes: maxBytes}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// jsonDoc mirrors JSON records into the doc column so operators can query them.
func jsonDoc(value []byte) pqtype.NullRawMessage {
	if len(value) == 0 || !json.Valid(value) {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: json.RawMessage(value), Valid: true}
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM lessonsync_records WHERE bucket = $1 AND key = $2`, bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.maxBytes > 0 {
		// Serialize writers so the size check and the upsert see the same total.
		if _, err := tx.ExecContext(ctx, `LOCK TABLE lessonsync_records IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock records: %w", err)
		}
		var used int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(octet_length(value)), 0)
			FROM lessonsync_records
			WHERE NOT (bucket = $1 AND key = $2)`, bucket, key,
		).Scan(&used); err != nil {
			return fmt.Errorf("measure store: %w", err)
		}
		if used+int64(len(value)) > s.maxBytes {
			return storage.ErrFull
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lessonsync_records (bucket, key, value, doc, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (bucket, key)
		DO UPDATE SET value = EXCLUDED.value, doc = EXCLUDED.doc, updated_at = now()`,
		bucket, key, value, jsonDoc(value),
	); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM lessonsync_records WHERE bucket = $1 AND key = $2`, bucket, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM lessonsync_records WHERE bucket = $1 ORDER BY key COLLATE "C" ASC`, bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) Size(ctx context.Context, bucket string) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(octet_length(value)), 0)
		FROM lessonsync_records
		WHERE $1 = '' OR bucket = $1`, bucket,
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", bucket, err)
	}
	return size, nil
}

// reset truncates the records table; used by integration tests only.
func (s *Store) reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE lessonsync_records`)
	return err
}
