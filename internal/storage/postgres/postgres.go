// Package postgres persists the flag snapshot blob in a PostgreSQL table
// via a pgxpool connection pool. The schema is managed by the embedded
// goose migrations in the migrations package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/gatez/internal/storage"
)

const defaultSnapshotKey = "gatez:flags"

// Store reads and writes the single snapshot row identified by its storage
// key.
type Store struct {
	pool *pgxpool.Pool
	key  string
}

// New creates a Store using the default snapshot key.
func New(pool *pgxpool.Pool) *Store {
	return NewWithKey(pool, defaultSnapshotKey)
}

// NewWithKey creates a Store writing under the given storage key. Blank
// keys fall back to the default.
func NewWithKey(pool *pgxpool.Pool, key string) *Store {
	if strings.TrimSpace(key) == "" {
		key = defaultSnapshotKey
	}

	return &Store{pool: pool, key: key}
}

func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `
		SELECT blob
		FROM flag_snapshots
		WHERE storage_key = $1
	`, s.key).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO flag_snapshots (storage_key, blob, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (storage_key)
		DO UPDATE SET blob = EXCLUDED.blob, updated_at = NOW()
	`, s.key, blob)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM flag_snapshots WHERE storage_key = $1`, s.key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	return nil
}

// Ping verifies database connectivity at boot.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	return nil
}
