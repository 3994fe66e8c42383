// Package idgen produces the identifiers formsafe hands out: restore
// attempt IDs and anything else a caller may want to correlate in logs.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs, which sort by
// creation time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New returns an ID from Default.
func New() string {
	return Default()
}

// Parse validates the UUID part of id, after an optional prefix ending
// in '_'.
func Parse(id string) (uuid.UUID, error) {
	raw := id
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			raw = id[i+1:]
			break
		}
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("idgen: parse %q: %w", id, err)
	}
	return u, nil
}
