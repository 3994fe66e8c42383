// CLAUDE:SUMMARY Key/value persistence for saved page records: Gateway contract, memory/SQLite/Postgres backends, page map codec and oldest-first eviction.
// Package store is the persistence side of formkeeper. A Gateway is a flat
// byte store with an optional capacity; Pages keeps the whole
// PageKey -> PageRecord map under one gateway key.
package store

import (
	"context"
	"errors"
)

// DefaultKey is the gateway key holding the page map.
const DefaultKey = "formsafe_pages"

// DefaultCapacity is the quota applied when none is configured.
const DefaultCapacity int64 = 10 << 20

// ErrClosed is returned by operations on a closed gateway.
var ErrClosed = errors.New("store: closed")

// Gateway is a durable key/value store with a known or unknown capacity.
type Gateway interface {
	// Get returns the value of key, or ok=false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// BytesInUse sums key and value sizes of the given keys, or of every
	// key when none are given.
	BytesInUse(ctx context.Context, keys ...string) (int64, error)
	// Capacity reports the quota in bytes; ok=false means unknown.
	Capacity() (bytes int64, ok bool)
	Close() error
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
