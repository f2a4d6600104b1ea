// Package storage defines the TTL key/value store used to persist session
// metadata records so ownership checks, idle reaping, and DELETE validation
// survive outside any single connection's memory.
package storage

import (
	"context"
	"time"
)

// Item is one stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Store is a flat key/value store with optional per-key TTL.
type Store interface {
	// Get returns the item for key, or nil if the key is unknown or its TTL
	// elapsed. An error is returned only for storage system failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key. A positive ttl bounds the item's lifetime;
	// zero keeps it until deleted or evicted.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}
