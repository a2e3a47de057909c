// Package redis persists the flag snapshot blob in Redis under a
// prefixed key.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/gatez/internal/storage"
)

const defaultKeyPrefix = "gatez:"

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix prefixes the snapshot key. Default: "gatez:".
	KeyPrefix string
}

// Store implements the storage.Store interface on a Redis string key.
type Store struct {
	client *redis.Client
	key    string
}

// New creates a Redis-backed snapshot store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Store{
		client: config.Client,
		key:    prefix + "flags",
	}, nil
}

func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	blob, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("load snapshot %s: %w", s.key, err)
	}

	return storage.Decode(blob)
}

func (s *Store) Save(ctx context.Context, snapshot storage.Snapshot) error {
	blob, err := storage.Encode(snapshot)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key, blob, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.key, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", s.key, err)
	}

	return nil
}

// Ping verifies Redis connectivity at boot.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	return nil
}
