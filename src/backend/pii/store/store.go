// Package store persists the bidirectional placeholder/original-value table
// used by de-identification. Placeholders are formatted {TYPE}_{counter:03d}
// and the table is a value-keyed bijection per entity type: the same original
// value reuses its existing placeholder instead of minting a new one.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Entry is one persisted mapping record.
type Entry struct {
	Original string `json:"original"`
	Type     string `json:"type"`
}

// Store is the mapping-table contract shared by the file, SQLite and
// Postgres backends.
type Store interface {
	// GetOrCreate returns the placeholder for (original, entityType),
	// allocating and persisting the next counter for the type when no entry
	// exists yet.
	GetOrCreate(ctx context.Context, original, entityType string) (string, error)

	// Resolve returns the original value recorded for a placeholder.
	Resolve(ctx context.Context, placeholder string) (string, bool, error)

	// Clear empties the table and resets all counters.
	Clear(ctx context.Context) error

	// Count returns the number of mappings in the table.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying resource.
	Close() error
}

// PersistError reports a failed write of the durable mapping state. Callers
// must treat the mutation as not saved.
type PersistError struct {
	Target string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist mappings to %s: %v", e.Target, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Placeholder formats the nth placeholder for an entity type, e.g.
// ("PERSON", 1) -> "PERSON_001". Counters above 999 widen naturally.
func Placeholder(entityType string, n int) string {
	return fmt.Sprintf("%s_%03d", entityType, n)
}

// counterSuffix extracts the numeric suffix of a placeholder belonging to
// entityType, or 0 if the placeholder has a different type or no parsable
// suffix. Counters are always derived from existing placeholders on load,
// never stored separately, so old mapping files round-trip unchanged.
func counterSuffix(placeholder, entityType string) int {
	prefix := entityType + "_"
	if !strings.HasPrefix(placeholder, prefix) {
		return 0
	}
	n, err := strconv.Atoi(placeholder[len(prefix):])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
