// Package storage defines the snapshot store contract and its local
// implementations. A store persists the full registry state as a single
// opaque blob under one well-known key; drivers for PostgreSQL, Redis, and
// SQLite live in subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matt-riley/gatez/internal/core"
)

// SnapshotVersion is the blob format version written by this engine.
const SnapshotVersion = "1.0"

// ErrNotFound reports that no snapshot has been persisted yet. Callers
// treat it as empty state, not a failure.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted registry state. LastUpdated is epoch
// milliseconds.
type Snapshot struct {
	Flags       map[string]core.FlagDefinition `json:"flags"`
	Version     string                         `json:"version"`
	LastUpdated int64                          `json:"lastUpdated"`
}

// NewSnapshot stamps the given flags with the current format version and
// write time.
func NewSnapshot(flags map[string]core.FlagDefinition, now time.Time) Snapshot {
	if flags == nil {
		flags = make(map[string]core.FlagDefinition)
	}

	return Snapshot{
		Flags:       flags,
		Version:     SnapshotVersion,
		LastUpdated: now.UnixMilli(),
	}
}

// Store persists and restores the snapshot blob. Implementations must be
// safe for concurrent use; durability is best-effort and the in-memory
// registry stays authoritative regardless of store failures.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Delete(ctx context.Context) error
}

// Encode serializes a snapshot to its blob form.
func Encode(snapshot Snapshot) ([]byte, error) {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	return blob, nil
}

// Decode parses a snapshot blob.
func Decode(blob []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	if snapshot.Flags == nil {
		snapshot.Flags = make(map[string]core.FlagDefinition)
	}

	return snapshot, nil
}
