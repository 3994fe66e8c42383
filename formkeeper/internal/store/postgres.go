package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
)

const postgresTable = "formsafe_kv"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is a Gateway over one Postgres table. The connection and table
// are set up on first use.
type Postgres struct {
	dsn      string
	table    string
	capacity int64
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres returns a gateway for dsn without connecting.
func NewPostgres(dsn string, capacity int64) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres: empty dsn")
	}
	return &Postgres{dsn: dsn, table: postgresTable, capacity: capacity, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("store: postgres open: %w", err)
			return
		}
		q := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, pq.QuoteIdentifier(p.table))
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("store: postgres schema: %w", err)
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, pq.QuoteIdentifier(p.table))
	var v []byte
	err := p.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: postgres get: %w", err)
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, pq.QuoteIdentifier(p.table))
	if _, err := p.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: postgres set: %w", err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, pq.QuoteIdentifier(p.table))
	if _, err := p.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("store: postgres remove: %w", err)
	}
	return nil
}

func (p *Postgres) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	if err := p.ensureReady(ctx); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COALESCE(SUM(octet_length(key) + octet_length(value)), 0) FROM %s`, pq.QuoteIdentifier(p.table))
	var args []any
	if len(keys) > 0 {
		q += ` WHERE key = ANY($1)`
		args = append(args, pq.Array(keys))
	}
	var n int64
	if err := p.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: postgres bytes in use: %w", err)
	}
	return n, nil
}

func (p *Postgres) Capacity() (int64, bool) {
	return p.capacity, p.capacity > 0
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
