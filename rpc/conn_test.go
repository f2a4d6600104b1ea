package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/rpc"
	"github.com/streamware/mcp-session-go/transport"
)

// testContext mirrors t.Context() from Go 1.24+, which this toolchain
// predates: a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// connPair wires two running connections over an in-process pipe.
func connPair(t *testing.T, aOpts, bOpts []rpc.ConnOption) (*rpc.Conn, *rpc.Conn) {
	t.Helper()
	aEnd, bEnd := transport.Pipe()
	a := rpc.NewConn(aEnd, aOpts...)
	b := rpc.NewConn(bEnd, bOpts...)
	ctx := testContext(t)
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()
	t.Cleanup(func() {
		a.Close(nil)
		b.Close(nil)
	})
	return a, b
}

func TestCallRoundTrip(t *testing.T) {
	a, b := connPair(t, nil, nil)

	b.Handle("sum", func(ctx context.Context, r *rpc.Responder) {
		var in struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if err := json.Unmarshal(r.Params(), &in); err != nil {
			_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "bad params", nil)
			return
		}
		_ = r.Respond(map[string]int{"sum": in.X + in.Y})
	})

	var out struct {
		Sum int `json:"sum"`
	}
	if err := a.Call(testContext(t), "sum", map[string]int{"x": 2, "y": 3}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Sum != 5 {
		t.Fatalf("sum: want 5 got %d", out.Sum)
	}
}

func TestOutOfOrderCorrelation(t *testing.T) {
	const n = 16
	a, b := connPair(t, nil, nil)

	// Hold every request until all have arrived, then answer in reverse
	// arrival order so no response matches the send order.
	var mu sync.Mutex
	var held []*rpc.Responder
	var values []int
	release := make(chan struct{})

	b.Handle("echo", func(ctx context.Context, r *rpc.Responder) {
		var in struct {
			V int `json:"v"`
		}
		_ = json.Unmarshal(r.Params(), &in)
		mu.Lock()
		held = append(held, r)
		values = append(values, in.V)
		ready := len(held) == n
		mu.Unlock()
		if ready {
			close(release)
		}
		<-release
		mu.Lock()
		idx := -1
		for i, hr := range held {
			if hr == r {
				idx = i
			}
		}
		v := values[idx]
		mu.Unlock()
		_ = r.Respond(map[string]int{"v": v})
	})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out struct {
				V int `json:"v"`
			}
			errs[i] = a.Call(testContext(t), "echo", map[string]int{"v": i}, &out)
			if errs[i] == nil && out.V != i {
				errs[i] = errors.New("mismatched response routed to caller")
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	a, b := connPair(t, nil, nil)

	b.Handle("block", func(ctx context.Context, r *rpc.Responder) {
		<-ctx.Done()
	})

	done := make(chan error, 1)
	go func() {
		done <- a.Call(testContext(t), "block", nil, nil)
	}()

	// Let the request reach the peer before pulling the plug.
	time.Sleep(20 * time.Millisecond)
	cause := errors.New("going away")
	a.Close(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("want close cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Call did not fail after Close")
	}
}

func TestCallTimeout(t *testing.T) {
	a, b := connPair(t, []rpc.ConnOption{rpc.WithCallTimeout(50 * time.Millisecond)}, nil)

	b.Handle("stall", func(ctx context.Context, r *rpc.Responder) {
		<-ctx.Done()
	})

	err := a.Call(context.Background(), "stall", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestDoubleRespond(t *testing.T) {
	a, b := connPair(t, nil, nil)

	errCh := make(chan error, 1)
	b.Handle("once", func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(map[string]bool{"ok": true})
		errCh <- r.Respond(map[string]bool{"ok": false})
	})

	if err := a.Call(testContext(t), "once", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := <-errCh; !errors.Is(err, rpc.ErrAlreadyResponded) {
		t.Fatalf("want ErrAlreadyResponded, got %v", err)
	}
}

func TestAbandonedHandlerSynthesizesError(t *testing.T) {
	a, b := connPair(t, nil, nil)

	b.Handle("forgetful", func(ctx context.Context, r *rpc.Responder) {
		// Returns without responding.
	})

	err := a.Call(testContext(t), "forgetful", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want JSON-RPC error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("code: want %d got %d", jsonrpc.ErrorCodeInternalError, rpcErr.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	a, _ := connPair(t, nil, nil)

	err := a.Call(testContext(t), "no/such/method", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want JSON-RPC error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("code: want %d got %d", jsonrpc.ErrorCodeMethodNotFound, rpcErr.Code)
	}
}

func TestFallbackHandler(t *testing.T) {
	a, b := connPair(t, nil, nil)

	b.SetFallbackHandler(func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(map[string]string{"method": r.Method()})
	})

	var out struct {
		Method string `json:"method"`
	}
	if err := a.Call(testContext(t), "anything/at/all", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Method != "anything/at/all" {
		t.Fatalf("fallback saw method %q", out.Method)
	}
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	a, b := connPair(t, nil, nil)

	const n = 20
	got := make(chan int, n)
	b.HandleNotification("tick", func(ctx context.Context, note *jsonrpc.Request) {
		var in struct {
			I int `json:"i"`
		}
		_ = json.Unmarshal(note.Params, &in)
		got <- in.I
	})

	for i := 0; i < n; i++ {
		if err := a.Notify(testContext(t), "tick", map[string]int{"i": i}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("notification %d arrived as %d", i, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}
}

func TestCancellationNotificationCancelsHandler(t *testing.T) {
	a, b := connPair(t, nil, nil)

	handlerDone := make(chan error, 1)
	b.Handle("slow", func(ctx context.Context, r *rpc.Responder) {
		<-ctx.Done()
		handlerDone <- context.Cause(ctx)
		// Late response after cancellation must be dropped, not delivered.
		_ = r.Respond(map[string]bool{"late": true})
	})

	callCtx, cancel := context.WithCancel(testContext(t))
	callErr := make(chan error, 1)
	go func() {
		callErr <- a.Call(callCtx, "slow", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-callErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller: want context.Canceled got %v", err)
	}
	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler context never cancelled")
	}

	// The connection survives: a fresh call still round-trips.
	b.Handle("ping", func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(map[string]bool{"ok": true})
	})
	if err := a.Call(testContext(t), "ping", nil, nil); err != nil {
		t.Fatalf("call after cancellation: %v", err)
	}
}

func TestNotifyAfterClose(t *testing.T) {
	aEnd, bEnd := transport.Pipe()
	a := rpc.NewConn(aEnd)
	b := rpc.NewConn(bEnd)
	go func() { _ = b.Run(testContext(t)) }()
	go func() { _ = a.Run(testContext(t)) }()
	t.Cleanup(func() {
		a.Close(nil)
		b.Close(nil)
	})

	if err := a.Notify(testContext(t), "noop", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	a.Close(nil)
	if err := a.Notify(testContext(t), "noop", nil); !errors.Is(err, rpc.ErrConnClosed) {
		t.Fatalf("want ErrConnClosed after close, got %v", err)
	}
}
