package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/streamware/mcp-session-go/broker"
	"github.com/streamware/mcp-session-go/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestCleanupClosesSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "ns", "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := s.Next(waitCtx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after Cleanup: %v, want io.EOF", err)
	}

	// Publishing again recreates the namespace fresh, with no old events.
	if _, err := b.Publish(ctx, "ns", []byte("x")); err != nil {
		t.Fatalf("Publish after Cleanup: %v", err)
	}
	s2, err := b.Subscribe(ctx, "ns", "")
	if err != nil {
		t.Fatalf("Subscribe after Cleanup: %v", err)
	}
	s2.Close()
}

func TestUnknownLastEventIDStartsLive(t *testing.T) {
	b := New()
	ctx := context.Background()

	if _, err := b.Publish(ctx, "ns", []byte("old")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	s, err := b.Subscribe(ctx, "ns", "no-such-id")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	if _, err := b.Publish(ctx, "ns", []byte("new")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	env, err := s.Next(waitCtx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(env.Data) != "new" {
		t.Fatalf("got %q, want only live events after an unknown cursor", env.Data)
	}
}
