// Package redis provides a catalog.Store backed by Redis. Each record is one
// string key holding its encoded JSON form.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis catalog.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "mcp-pod-gateway:catalog:"
	KeyPrefix string
}

// Store implements catalog.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ catalog.Store = (*Store)(nil)

// New creates a Redis-backed catalog.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcp-pod-gateway:catalog:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Get implements catalog.Source.
func (s *Store) Get(ctx context.Context, ref catalog.Ref) (catalog.Record, error) {
	key := s.buildKey(ref)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return catalog.Decode(data)
}

// Put validates and stores r.
func (s *Store) Put(ctx context.Context, r catalog.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := catalog.Encode(r)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", r.Ref(), err)
	}
	key := s.buildKey(r.Ref())
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes the record at ref.
func (s *Store) Delete(ctx context.Context, ref catalog.Ref) error {
	key := s.buildKey(ref)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Purge deletes every record under the store's key prefix.
func (s *Store) Purge(ctx context.Context) error {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(ref catalog.Ref) string {
	return s.keyPrefix + string(ref.Kind) + ":" + ref.Namespace + ":" + ref.Name
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
