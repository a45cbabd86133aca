// Package state implements the durable per-source key/value abstraction
// (State Store) with memory, sqlite, postgres, and redis backends, and
// graceful degradation on open failure.
package state

import (
	"context"
	"fmt"

	"github.com/JakeFAU/hel/internal/herr"
)

// Store is the contract every backend implements: get/set/delete per
// source, list of known sources, and a full export/import for backup or
// migration between backends.
type Store interface {
	Get(ctx context.Context, sourceID string) (map[string]string, error)
	// Set atomically replaces the listed keys for sourceID; keys not
	// present in delta are left untouched.
	Set(ctx context.Context, sourceID string, delta map[string]string) error
	Delete(ctx context.Context, sourceID string) error
	List(ctx context.Context) ([]string, error)
	Export(ctx context.Context) (map[string]map[string]string, error)
	Import(ctx context.Context, dump map[string]map[string]string) error
	Close() error
}

// Open constructs the backend named by backend, falling back to an
// in-memory store when opening the durable backend fails and
// fallbackToMemory is true. The second return value reports whether the
// fallback was taken, surfaced to health as state_store_fallback_active.
func Open(ctx context.Context, backend, dsn, path string, fallbackToMemory bool) (Store, bool, error) {
	var (
		s   Store
		err error
	)

	switch backend {
	case "", "memory":
		return NewMemoryStore(), false, nil
	case "sqlite":
		s, err = OpenSQLite(ctx, path)
	case "postgres":
		s, err = OpenPostgres(ctx, dsn)
	case "redis":
		s, err = OpenRedis(ctx, dsn)
	default:
		return nil, false, herr.New(herr.KindConfigInvalid, "", fmt.Errorf("unknown state backend %q", backend))
	}

	if err != nil {
		if fallbackToMemory {
			return NewMemoryStore(), true, nil
		}
		return nil, false, herr.New(herr.KindStateWrite, "", fmt.Errorf("open %s state store: %w", backend, err))
	}
	return s, false, nil
}

// mergeDelta applies the atomic-replace-of-listed-keys semantics onto an
// existing per-source map, used identically by every backend.
func mergeDelta(existing map[string]string, delta map[string]string) map[string]string {
	if existing == nil {
		existing = make(map[string]string, len(delta))
	}
	for k, v := range delta {
		existing[k] = v
	}
	return existing
}
