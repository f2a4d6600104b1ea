package redisbroker

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/streamware/mcp-session-go/broker"
	"github.com/streamware/mcp-session-go/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		b, err := New(Config{
			Client:       client,
			KeyPrefix:    "test:broker:",
			PollInterval: 5 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return b
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without a client should fail")
	}
}
