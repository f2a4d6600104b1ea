package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/rpc"
	tasksmemory "github.com/streamware/mcp-session-go/tasks/memory"
	"github.com/streamware/mcp-session-go/transport"
)

func startServer(t *testing.T, opts ...ServerOption) (*ServerSession, transport.Duplex) {
	t.Helper()
	serverSide, clientSide := transport.Pipe()
	srv := NewServerSession(serverSide, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(srv.Close)
	return srv, clientSide
}

func startClient(t *testing.T, d transport.Duplex, opts ...ClientOption) *ClientSession {
	t.Helper()
	cli := NewClientSession(d, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cli.Run(ctx) }()
	t.Cleanup(cli.Close)
	return cli
}

func awaitState(t *testing.T, srv *ServerSession, want LifecycleState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("server state = %q, want %q", srv.State(), want)
}

func TestHandshake(t *testing.T) {
	srv, clientSide := startServer(t, WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"}))
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := cli.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated version = %q, want %q", res.ProtocolVersion, mcp.LatestProtocolVersion)
	}
	if res.ServerInfo.Name != "test-server" {
		t.Fatalf("server info name = %q", res.ServerInfo.Name)
	}

	awaitState(t, srv, StateInitialized)
}

func TestRequestRejectedBeforeInitialization(t *testing.T) {
	_, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := cli.ListTools(ctx, "")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected json-rpc error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("error code = %d, want %d", rpcErr.Code, jsonrpc.ErrorCodeInvalidRequest)
	}

	// The connection survives the rejection.
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("Ping after rejection: %v", err)
	}
}

func TestPingAllowedInAnyState(t *testing.T) {
	_, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("Ping before handshake: %v", err)
	}
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("Ping after handshake: %v", err)
	}
}

func TestInitializeTwiceRejected(t *testing.T) {
	_, clientSide := startServer(t)
	conn := rpc.NewConn(clientSide)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	defer conn.Close(nil)

	req := &mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion}
	var res mcp.InitializeResult
	if err := conn.Call(ctx, string(mcp.InitializeMethod), req, &res); err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	err := conn.Call(ctx, string(mcp.InitializeMethod), req, &res)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize: got %v, want invalid-request error", err)
	}
}

func TestVersionNegotiationFallsBackToLatest(t *testing.T) {
	_, clientSide := startServer(t)
	conn := rpc.NewConn(clientSide)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	defer conn.Close(nil)

	req := &mcp.InitializeRequest{ProtocolVersion: "1999-12-31"}
	var res mcp.InitializeResult
	if err := conn.Call(ctx, string(mcp.InitializeMethod), req, &res); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated version = %q, want fallback to %q", res.ProtocolVersion, mcp.LatestProtocolVersion)
	}
}

func TestVersionNegotiationEchoesSupported(t *testing.T) {
	_, clientSide := startServer(t)
	conn := rpc.NewConn(clientSide)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	defer conn.Close(nil)

	req := &mcp.InitializeRequest{ProtocolVersion: "2025-03-26"}
	var res mcp.InitializeResult
	if err := conn.Call(ctx, string(mcp.InitializeMethod), req, &res); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("negotiated version = %q, want echo of requested", res.ProtocolVersion)
	}
}

func TestClientFailsHardOnUnsupportedVersion(t *testing.T) {
	serverSide, clientSide := transport.Pipe()
	conn := rpc.NewConn(serverSide)
	conn.Handle(string(mcp.InitializeMethod), func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(&mcp.InitializeResult{ProtocolVersion: "2099-01-01"})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	defer conn.Close(nil)

	cli := startClient(t, clientSide)

	_, err := cli.Initialize(ctx)
	var verr *ErrUnsupportedProtocolVersion
	if !errors.As(err, &verr) {
		t.Fatalf("expected unsupported-version error, got %v", err)
	}
	if verr.Version != "2099-01-01" {
		t.Fatalf("reported version = %q", verr.Version)
	}
}

func TestDuplicateInitializedNotificationTolerated(t *testing.T) {
	srv, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	if err := cli.conn.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		t.Fatalf("duplicate initialized: %v", err)
	}

	// State stays Initialized and the session keeps working.
	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("Ping after duplicate initialized: %v", err)
	}
	if got := srv.State(); got != StateInitialized {
		t.Fatalf("state after duplicate initialized = %q", got)
	}
}

func TestStatelessSkipsHandshake(t *testing.T) {
	srv, clientSide := startServer(t, WithStateless())
	cli := startClient(t, clientSide)

	if got := srv.State(); got != StateInitialized {
		t.Fatalf("stateless initial state = %q, want %q", got, StateInitialized)
	}

	srv.Handle(string(mcp.ToolsListMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := cli.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("ListTools without handshake: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools page: %+v", res)
	}
}

func TestCheckClientCapability(t *testing.T) {
	srv, clientSide := startServer(t)

	samplingCaps := mcp.ClientCapabilities{Sampling: &struct{}{}}
	if srv.CheckClientCapability(samplingCaps) {
		t.Fatal("capability check must be false before initialization")
	}

	cli := startClient(t, clientSide,
		WithSamplingHandler(func(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
			return &mcp.CreateMessageResult{Role: mcp.RoleAssistant, Model: "test"}, nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	if !srv.CheckClientCapability(samplingCaps) {
		t.Fatal("sampling capability should be satisfied")
	}
	if srv.CheckClientCapability(mcp.ClientCapabilities{Elicitation: &struct{}{}}) {
		t.Fatal("elicitation capability should not be satisfied")
	}
}

func TestExperimentalCapabilityMatching(t *testing.T) {
	have := mcp.ClientCapabilities{Experimental: map[string]any{
		"vendor": map[string]any{"feature": "v2", "extra": true},
	}}

	cases := []struct {
		name string
		want mcp.ClientCapabilities
		ok   bool
	}{
		{"nested subset", mcp.ClientCapabilities{Experimental: map[string]any{
			"vendor": map[string]any{"feature": "v2"},
		}}, true},
		{"leaf mismatch", mcp.ClientCapabilities{Experimental: map[string]any{
			"vendor": map[string]any{"feature": "v1"},
		}}, false},
		{"missing key", mcp.ClientCapabilities{Experimental: map[string]any{
			"other": map[string]any{},
		}}, false},
		{"empty want", mcp.ClientCapabilities{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clientCapabilitySatisfied(have, tc.want); got != tc.ok {
				t.Fatalf("satisfied = %v, want %v", got, tc.ok)
			}
		})
	}
}

func TestServerInitiatedCallRequiresCapability(t *testing.T) {
	srv, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	_, err := srv.CreateMessage(ctx, &mcp.CreateMessageParams{MaxTokens: 1})
	if !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}
}

func TestServerSampling(t *testing.T) {
	srv, clientSide := startServer(t)
	cli := startClient(t, clientSide,
		WithSamplingHandler(func(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
			return &mcp.CreateMessageResult{
				Role:    mcp.RoleAssistant,
				Content: mcp.ContentBlock{Type: "text", Text: "sampled"},
				Model:   "test-model",
			}, nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	res, err := srv.CreateMessage(ctx, &mcp.CreateMessageParams{
		Messages:  []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text", Text: "hi"}}},
		MaxTokens: 16,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if res.Content.Text != "sampled" || res.Model != "test-model" {
		t.Fatalf("unexpected sampling result: %+v", res)
	}
}

func TestMissingClientCallbackAnswersNotSupported(t *testing.T) {
	srv, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	// Bypass the capability gate to exercise the client's fallback path.
	var res mcp.ListRootsResult
	err := srv.conn.Call(ctx, string(mcp.RootsListMethod), nil, &res)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found from callback-less client, got %v", err)
	}
}

func TestMethodDispatch(t *testing.T) {
	srv, clientSide := startServer(t)
	srv.Handle(string(mcp.ToolsCallMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		var p mcp.CallToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ran " + p.Name}}}, nil
	})
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	res, err := cli.CallTool(ctx, &mcp.CallToolParams{Name: "demo"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ran demo" {
		t.Fatalf("unexpected tool result: %+v", res)
	}
}

func TestUnknownMethodAfterInitialization(t *testing.T) {
	srv, clientSide := startServer(t)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	err := cli.conn.Call(ctx, "no/such/method", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

func TestTaskAugmentedCall(t *testing.T) {
	store := tasksmemory.New()
	srv, clientSide := startServer(t, WithTaskStore(store))
	srv.Handle(string(mcp.ToolsCallMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}}, nil
	})
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	ack, err := cli.CallToolAsTask(ctx, &mcp.CallToolParams{Name: "slow"}, mcp.TaskMetadata{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("CallToolAsTask: %v", err)
	}
	if ack.Task.TaskID != "task-1" {
		t.Fatalf("acknowledged task ID = %q", ack.Task.TaskID)
	}
	if ack.Task.Status != mcp.TaskStatusSubmitted {
		t.Fatalf("acknowledged status = %q, want %q", ack.Task.Status, mcp.TaskStatusSubmitted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		tk, err := cli.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if tk.Status == mcp.TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, status %q", tk.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var res mcp.CallToolResult
	if err := cli.GetTaskResult(ctx, "task-1", &res); err != nil {
		t.Fatalf("GetTaskResult: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "done" {
		t.Fatalf("unexpected task result: %+v", res)
	}
}

func TestTaskResultBeforeCompletionFails(t *testing.T) {
	store := tasksmemory.New()
	block := make(chan struct{})
	srv, clientSide := startServer(t, WithTaskStore(store))
	srv.Handle(string(mcp.ToolsCallMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &mcp.CallToolResult{}, nil
	})
	defer close(block)
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	if _, err := cli.CallToolAsTask(ctx, &mcp.CallToolParams{Name: "slow"}, mcp.TaskMetadata{TaskID: "task-1"}); err != nil {
		t.Fatalf("CallToolAsTask: %v", err)
	}

	var res mcp.CallToolResult
	err := cli.GetTaskResult(ctx, "task-1", &res)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected result-not-available error, got %v", err)
	}
}

func TestTaskCancel(t *testing.T) {
	store := tasksmemory.New()
	started := make(chan struct{})
	srv, clientSide := startServer(t, WithTaskStore(store))
	srv.Handle(string(mcp.ToolsCallMethod), func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	if _, err := cli.CallToolAsTask(ctx, &mcp.CallToolParams{Name: "slow"}, mcp.TaskMetadata{TaskID: "task-1"}); err != nil {
		t.Fatalf("CallToolAsTask: %v", err)
	}
	<-started

	tk, err := cli.CancelTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if tk.Status != mcp.TaskStatusCancelled {
		t.Fatalf("status after cancel = %q", tk.Status)
	}

	// A second cancel targets an already-terminal task.
	_, err = cli.CancelTask(ctx, "task-1")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected already-terminal error, got %v", err)
	}
}

func TestTaskUnknownID(t *testing.T) {
	store := tasksmemory.New()
	srv, clientSide := startServer(t, WithTaskStore(store))
	cli := startClient(t, clientSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	awaitState(t, srv, StateInitialized)

	_, err := cli.GetTask(ctx, "missing")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid-params for unknown task, got %v", err)
	}
}
