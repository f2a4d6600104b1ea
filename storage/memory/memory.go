// Package memory implements storage.Store on an LRU cache with a background
// sweep for expired items. Suitable for single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/streamware/mcp-session-go/storage"
)

const defaultSweepInterval = time.Minute

// Store implements storage.Store in process memory. Capacity is bounded by
// the LRU; TTL expiry is enforced lazily on Get and eagerly by the sweep.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]

	clock         clockwork.Clock
	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithClock substitutes the time source. Tests use a fake clock to drive
// expiry deterministically.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSweepInterval sets how often expired items are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New creates an in-memory store holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}

	s := &Store{
		cache:         cache,
		clock:         clockwork.NewRealClock(),
		sweepInterval: defaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	go s.sweepLoop()
	return s, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (*storage.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.Lock()
	item, ok := s.cache.Get(key)
	if ok && s.expired(item) {
		s.cache.Remove(key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return item, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := s.clock.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(key, item)
	s.mu.Unlock()
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Close implements storage.Store. It stops the sweep and drops all entries.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// expired checks against the store's clock so fake-clock tests observe
// expiry without wall-time sleeps.
func (s *Store) expired(item *storage.Item) bool {
	return item.ExpiresAt != nil && s.clock.Now().After(*item.ExpiresAt)
}

func (s *Store) sweepLoop() {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache.Keys() {
		if item, ok := s.cache.Peek(key); ok && s.expired(item) {
			s.cache.Remove(key)
		}
	}
}

var _ storage.Store = (*Store)(nil)
