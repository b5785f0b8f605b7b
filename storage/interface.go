package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Storage defines the shared-map primitives the cluster substrate offers to
// resource collaborators. Maps are addressed by name, conventionally
// "<domain>/<group>" (see MapName).
type Storage interface {
	// Map operations
	Put(ctx context.Context, mapName, key string, value []byte) error
	Get(ctx context.Context, mapName, key string) ([]byte, bool, error)
	Delete(ctx context.Context, mapName string, keys ...string) (int, error)
	Keys(ctx context.Context, mapName string) ([]string, error)
	Entries(ctx context.Context, mapName string) (map[string][]byte, error)
	Drop(ctx context.Context, mapName string) error

	// Whole-store operations, used for snapshots
	Dump(ctx context.Context) (map[string]map[string][]byte, error)
	Load(ctx context.Context, maps map[string]map[string][]byte) error

	// Lifecycle
	Close() error
}

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

var (
	// ErrEmptyMapName is returned when an operation is addressed to "".
	ErrEmptyMapName = errors.New("map name cannot be empty")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("storage closed")
)

// MapName builds the conventional "<domain>/<group>" map name.
func MapName(domain, group string) string {
	return domain + "/" + group
}

// SplitMapName is the inverse of MapName.
func SplitMapName(name string) (domain, group string) {
	i := strings.Index(name, "/")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// Open creates a storage backend.
// backend: "memory" (default) or "badger". cacheSize only applies to badger.
func Open(backend, dataDir string, cacheSize int64) (Storage, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return NewBadgerStore(dataDir, cacheSize)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
