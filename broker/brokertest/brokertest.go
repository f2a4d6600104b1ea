// Package brokertest holds the conformance suite every broker.Broker
// implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/streamware/mcp-session-go/broker"
)

// Factory creates a fresh broker instance for one test.
type Factory func(t *testing.T) broker.Broker

// Run executes the conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishThenSubscribeStartsLive", func(t *testing.T) { testStartsLive(t, factory) })
	t.Run("OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResume(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory) })
	t.Run("CloseEndsStream", func(t *testing.T) { testCloseEndsStream(t, factory) })
	t.Run("CleanupUnknownNamespace", func(t *testing.T) { testCleanupUnknown(t, factory) })
}

func publishAll(t *testing.T, b broker.Broker, ns string, payloads ...string) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := b.Publish(ctx, ns, []byte(p))
		if err != nil {
			t.Fatalf("Publish(%q): %v", p, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func nextWithin(t *testing.T, s broker.Stream, d time.Duration) broker.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return env
}

func testStartsLive(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	ns := "ns-live"

	publishAll(t, b, ns, "before")

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	publishAll(t, b, ns, "after")

	env := nextWithin(t, s, 2*time.Second)
	if string(env.Data) != "after" {
		t.Fatalf("first live event = %q, want %q", env.Data, "after")
	}
}

func testOrderedDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	ns := "ns-order"

	s, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	ids := publishAll(t, b, ns, "a", "b", "c")

	var prevID string
	for i, want := range []string{"a", "b", "c"} {
		env := nextWithin(t, s, 2*time.Second)
		if string(env.Data) != want {
			t.Fatalf("event %d = %q, want %q", i, env.Data, want)
		}
		if env.ID != ids[i] {
			t.Fatalf("event %d ID = %q, want %q", i, env.ID, ids[i])
		}
		if prevID != "" && env.ID <= prevID {
			t.Fatalf("event IDs not increasing: %q then %q", prevID, env.ID)
		}
		prevID = env.ID
	}
}

func testResume(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()
	ns := "ns-resume"

	ids := publishAll(t, b, ns, "e1", "e2", "e3", "e4")

	s, err := b.Subscribe(ctx, ns, ids[1])
	if err != nil {
		t.Fatalf("Subscribe(lastEventID=%q): %v", ids[1], err)
	}
	defer s.Close()

	for _, want := range []string{"e3", "e4"} {
		env := nextWithin(t, s, 2*time.Second)
		if string(env.Data) != want {
			t.Fatalf("resumed event = %q, want %q", env.Data, want)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := context.Background()

	sA, err := b.Subscribe(ctx, "ns-a", "")
	if err != nil {
		t.Fatalf("Subscribe ns-a: %v", err)
	}
	defer sA.Close()

	publishAll(t, b, "ns-b", "for-b")
	publishAll(t, b, "ns-a", "for-a")

	env := nextWithin(t, sA, 2*time.Second)
	if string(env.Data) != "for-a" {
		t.Fatalf("ns-a received %q", env.Data)
	}
}

func testNextHonorsContext(t *testing.T, factory Factory) {
	b := factory(t)
	ns := "ns-ctx"

	s, err := b.Subscribe(context.Background(), ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next on idle stream: %v, want deadline exceeded", err)
	}
}

func testCloseEndsStream(t *testing.T, factory Factory) {
	b := factory(t)
	ns := "ns-close"

	s, err := b.Subscribe(context.Background(), ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = s.Next(ctx)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Next after Close: %v, want io.EOF", err)
	}
}

func testCleanupUnknown(t *testing.T, factory Factory) {
	b := factory(t)
	if err := b.Cleanup(context.Background(), "never-used"); err != nil {
		t.Fatalf("Cleanup of unknown namespace: %v", err)
	}
}
