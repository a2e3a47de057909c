// Package sqlite persists the flag snapshot blob in a local SQLite
// database, giving the engine durable local state without external
// infrastructure.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/matt-riley/gatez/internal/storage"
)

const defaultSnapshotKey = "gatez:flags"

const schema = `
CREATE TABLE IF NOT EXISTS flag_snapshots (
	storage_key TEXT PRIMARY KEY,
	blob        BLOB NOT NULL,
	updated_at  INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// Store keeps the snapshot in a single-row SQLite table.
type Store struct {
	db  *sql.DB
	key string
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the snapshot table exists.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithKey(ctx, path, defaultSnapshotKey)
}

// OpenWithKey opens the database and stores the snapshot under the given
// key. Blank keys fall back to the default.
func OpenWithKey(ctx context.Context, path, key string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if strings.TrimSpace(key) == "" {
		key = defaultSnapshotKey
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single writer avoids SQLITE_BUSY on the snapshot row.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure snapshot table: %w", err)
	}

	return &Store{db: db, key: key}, nil
}

func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT blob FROM flag_snapshots WHERE storage_key = ?
	`, s.key).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	return storage.Decode(blob)
}

func (s *Store) Save(ctx context.Context, snapshot storage.Snapshot) error {
	blob, err := storage.Encode(snapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flag_snapshots (storage_key, blob, updated_at)
		VALUES (?, ?, unixepoch())
		ON CONFLICT (storage_key)
		DO UPDATE SET blob = excluded.blob, updated_at = unixepoch()
	`, s.key, blob)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flag_snapshots WHERE storage_key = ?`, s.key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
