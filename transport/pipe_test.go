package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("payload: got %q", msg)
	}

	if err := b.Send(ctx, []byte("world")); err != nil {
		t.Fatalf("reverse Send: %v", err)
	}
	msg, err = a.Recv(ctx)
	if err != nil {
		t.Fatalf("reverse Recv: %v", err)
	}
	if string(msg) != "world" {
		t.Fatalf("reverse payload: got %q", msg)
	}
}

func TestPipePreservesOrder(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	for i := 0; i < 10; i++ {
		if err := a.Send(ctx, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		msg, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); string(msg) != want {
			t.Fatalf("message %d: want %q got %q", i, want, msg)
		}
	}
}

func TestPipeRecvHonorsContext(t *testing.T) {
	_, b := Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestPipeSendBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	a, _ := Pipe()

	for i := 0; i < pipeBuffer; i++ {
		if err := a.Send(ctx, []byte("x")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := a.Send(full, []byte("overflow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want backpressure block, got %v", err)
	}
}

func TestPipeCloseEitherEndStopsBoth(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send on closed end: want ErrClosed got %v", err)
	}
	if err := b.Send(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send on peer of closed end: want ErrClosed got %v", err)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv on peer of closed end: want ErrClosed got %v", err)
	}
	// Idempotent.
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPipeRecvDrainsBufferAfterClose(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	if err := a.Send(ctx, []byte("in-flight")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after close: %v", err)
	}
	if string(msg) != "in-flight" {
		t.Fatalf("payload: got %q", msg)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed once drained, got %v", err)
	}
}
