// Package memory implements broker.Broker with in-process channels and a
// per-namespace event log. Suitable for single-node deployments and tests;
// state does not survive the process.
package memory

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/streamware/mcp-session-go/broker"
)

// Broker keeps one append-only event log per namespace and fans published
// envelopes out to live subscribers.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	entropy    *ulid.MonotonicEntropy
}

type namespace struct {
	mu          sync.Mutex
	events      []broker.Envelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	ns     *namespace
	ch     chan broker.Envelope
	done   chan struct{}
	closed atomic.Bool
}

// New creates an in-memory broker.
func New() *Broker {
	return &Broker{
		namespaces: make(map[string]*namespace),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

func (b *Broker) getOrCreate(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	b.mu.Lock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	// The monotonic entropy reader is not safe for concurrent use; the broker
	// mutex guards it. ULIDs give strict ordering even within a millisecond.
	id := ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
	b.mu.Unlock()

	env := broker.Envelope{ID: id, Data: append([]byte(nil), data...)}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}
	ns.events = append(ns.events, env)
	for sub := range ns.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.done:
			delete(ns.subscribers, sub)
		default:
			// Subscriber buffer full. The event stays in the log; the
			// consumer recovers it by resubscribing with its last event ID.
		}
	}
	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ns := b.getOrCreate(name)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return nil, broker.ErrNamespaceClosed
	}

	var replay []broker.Envelope
	if lastEventID != "" {
		for i, env := range ns.events {
			if env.ID == lastEventID {
				replay = ns.events[i+1:]
				break
			}
		}
	}

	sub := &subscription{
		ns:   ns,
		ch:   make(chan broker.Envelope, len(replay)+128),
		done: make(chan struct{}),
	}
	for _, env := range replay {
		sub.ch <- env
	}

	ns.subscribers[sub] = struct{}{}
	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	ns, ok := b.namespaces[name]
	if ok {
		delete(b.namespaces, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.closed = true
	for sub := range ns.subscribers {
		delete(ns.subscribers, sub)
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.done)
		}
	}
	ns.events = nil
	return nil
}

// Next implements broker.Stream.
func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	// Drain buffered envelopes even after close so a consumer never misses
	// what was already delivered.
	select {
	case env := <-s.ch:
		return env, nil
	default:
	}

	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		return broker.Envelope{}, io.EOF
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

// Close implements broker.Stream.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.ns.mu.Lock()
		delete(s.ns.subscribers, s)
		s.ns.mu.Unlock()
		close(s.done)
	}
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)
