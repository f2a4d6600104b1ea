// Package redisstore implements storage.Store on Redis so stateful sessions
// can be validated and reaped from any node.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamware/mcp-session-go/storage"
)

// Config configures the Redis store.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "mcp:storage:".
	KeyPrefix string
}

// Store implements storage.Store on Redis string keys with PX expiry.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// record is the stored JSON envelope. TTL enforcement itself is Redis-side;
// the envelope carries the metadata Get reconstructs.
type record struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:storage:"
	}
	return &Store{client: cfg.Client, keyPrefix: keyPrefix}, nil
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (*storage.Item, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &storage.Item{Data: rec.Data, CreatedAt: rec.CreatedAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	rec := record{Data: data, CreatedAt: now}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		rec.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}

	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ storage.Store = (*Store)(nil)
