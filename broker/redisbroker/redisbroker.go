// Package redisbroker implements broker.Broker on Redis Streams so the
// transport can run multi-node: any node can publish into a session's stream
// and any node can serve the SSE reconnect.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamware/mcp-session-go/broker"
)

// Config configures the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "mcp:broker:".
	KeyPrefix string
	// PollInterval is the delay between reads when a stream is idle.
	// Defaults to 50ms. Blocking reads are avoided so a context cancel is
	// observed promptly.
	PollInterval time.Duration
}

// Broker publishes each namespace to its own Redis stream. XADD-generated
// entry IDs are monotonically increasing, which gives resumable ordered
// delivery for free.
type Broker struct {
	client       redis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration
}

// New creates a Redis-backed broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbroker: client is required")
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:broker:"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Broker{client: cfg.Client, keyPrefix: keyPrefix, pollInterval: pollInterval}, nil
}

// Close closes the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	key := b.streamKey(namespace)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// "$" starts from the next published entry; a concrete ID resumes from
	// the entry after it.
	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	} else {
		// Pin the live starting position now, not at first read, so events
		// published between Subscribe and the first Next are not lost.
		last, err := b.client.XRevRangeN(ctx, b.streamKey(namespace), "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read stream head %s: %w", b.streamKey(namespace), err)
		}
		if len(last) > 0 {
			startID = last[0].ID
		} else {
			startID = "0"
		}
	}

	return &stream{
		broker:  b,
		key:     b.streamKey(namespace),
		startID: startID,
		done:    make(chan struct{}),
	}, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	key := b.streamKey(namespace)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

type stream struct {
	broker  *Broker
	key     string
	startID string
	done    chan struct{}
	closed  atomic.Bool
}

// Next implements broker.Stream. Reads are non-blocking with a short poll
// delay between empty reads so context cancellation and Close are observed
// without waiting out a server-side block.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		if s.closed.Load() {
			return broker.Envelope{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return broker.Envelope{}, err
		}

		res, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.startID},
			Count:   1,
			Block:   -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				select {
				case <-time.After(s.broker.pollInterval):
					continue
				case <-s.done:
					return broker.Envelope{}, io.EOF
				case <-ctx.Done():
					return broker.Envelope{}, ctx.Err()
				}
			}
			return broker.Envelope{}, fmt.Errorf("read stream %s: %w", s.key, err)
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				s.startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					// Malformed entry, skip it.
					continue
				}
				return broker.Envelope{ID: msg.ID, Data: []byte(data)}, nil
			}
		}
	}
}

// Close implements broker.Stream.
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*stream)(nil)
)
