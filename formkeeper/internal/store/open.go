package store

import (
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// Open builds a Gateway from a DSN:
//
//	memory:                      in-process map
//	sqlite:///var/lib/fs.db      SQLite file (also a bare path or file://)
//	postgres://user@host/db      Postgres
//
// capacity <= 0 leaves the quota unknown, which disables eviction.
func Open(dsn string, capacity int64) (Gateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store: open: empty dsn")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem":
		return NewMemory(capacity), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn, capacity)
	case "sqlite", "file":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("store: open: %q has no path", dsn)
		}
		return OpenSQLite(path, capacity)
	case "":
		return OpenSQLite(dsn, capacity)
	}
	return nil, fmt.Errorf("store: open: unsupported scheme %q", u.Scheme)
}
