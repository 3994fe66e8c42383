package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/formsafe/dbopen"
)

// Schema is the SQLite layout of the gateway.
const Schema = `
CREATE TABLE IF NOT EXISTS formsafe_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLite is a Gateway over one SQLite table.
type SQLite struct {
	db       *sql.DB
	capacity int64
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, capacity int64, opts ...dbopen.Option) (*SQLite, error) {
	all := append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite: %w", err)
	}
	return &SQLite{db: db, capacity: capacity}, nil
}

// NewSQLite wraps an open database, creating the table if needed.
func NewSQLite(db *sql.DB, capacity int64) (*SQLite, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return &SQLite{db: db, capacity: capacity}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM formsafe_kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: sqlite get: %w", err)
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO formsafe_kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("store: sqlite set: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM formsafe_kv WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: sqlite remove: %w", err)
	}
	return nil
}

func (s *SQLite) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	q := `SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM formsafe_kv`
	args := make([]any, len(keys))
	if len(keys) > 0 {
		q += ` WHERE key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
		for i, k := range keys {
			args[i] = k
		}
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: sqlite bytes in use: %w", err)
	}
	return n, nil
}

func (s *SQLite) Capacity() (int64, bool) {
	return s.capacity, s.capacity > 0
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
