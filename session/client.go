package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/rpc"
	"github.com/streamware/mcp-session-go/transport"
)

// ErrUnsupportedProtocolVersion indicates the server negotiated a protocol
// revision this client cannot speak. The handshake fails hard rather than
// silently downgrading.
type ErrUnsupportedProtocolVersion struct {
	Version string
}

func (e *ErrUnsupportedProtocolVersion) Error() string {
	return fmt.Sprintf("server offered unsupported protocol version %q", e.Version)
}

// SamplingHandler answers sampling/createMessage requests from the server.
type SamplingHandler func(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)

// RootsProvider answers roots/list requests from the server.
type RootsProvider func(ctx context.Context) ([]mcp.Root, error)

// ElicitationHandler answers elicitation/create requests from the server.
type ElicitationHandler func(ctx context.Context, params *mcp.ElicitParams) (*mcp.ElicitResult, error)

// ClientSession is the client side of one conversation. The capabilities it
// advertises at initialize time derive from which handlers the caller
// supplied; requests for capabilities without a handler are answered with a
// method-not-found error rather than crashing.
type ClientSession struct {
	conn *rpc.Conn
	log  *slog.Logger

	info mcp.ImplementationInfo
	caps mcp.ClientCapabilities

	sampling    SamplingHandler
	roots       RootsProvider
	elicitation ElicitationHandler

	initialized atomic.Bool
	initRes     atomic.Pointer[mcp.InitializeResult]

	connOpts []rpc.ConnOption
}

// ClientOption configures a ClientSession.
type ClientOption func(*ClientSession)

// WithClientLogger sets the session logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(s *ClientSession) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClientInfo sets the implementation info advertised at initialize time.
func WithClientInfo(info mcp.ImplementationInfo) ClientOption {
	return func(s *ClientSession) { s.info = info }
}

// WithSamplingHandler registers the sampling callback and advertises the
// sampling capability.
func WithSamplingHandler(h SamplingHandler) ClientOption {
	return func(s *ClientSession) { s.sampling = h }
}

// WithRootsProvider registers the roots callback and advertises the roots
// capability.
func WithRootsProvider(p RootsProvider) ClientOption {
	return func(s *ClientSession) { s.roots = p }
}

// WithElicitationHandler registers the elicitation callback and advertises
// the elicitation capability.
func WithElicitationHandler(h ElicitationHandler) ClientOption {
	return func(s *ClientSession) { s.elicitation = h }
}

// WithClientCallTimeout bounds calls without their own deadline.
func WithClientCallTimeout(d time.Duration) ClientOption {
	return func(s *ClientSession) { s.connOpts = append(s.connOpts, rpc.WithCallTimeout(d)) }
}

// NewClientSession wraps a duplex channel in a client session. Run must be
// started before Initialize is called.
func NewClientSession(d transport.Duplex, opts ...ClientOption) *ClientSession {
	s := &ClientSession{
		log:  slog.Default(),
		info: mcp.ImplementationInfo{Name: "mcp-session-go", Version: "0.1.0"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.conn = rpc.NewConn(d, append(s.connOpts, rpc.WithLogger(s.log))...)

	if s.sampling != nil {
		s.caps.Sampling = &struct{}{}
		s.conn.Handle(string(mcp.SamplingCreateMessageMethod), s.handleCreateMessage)
	}
	if s.roots != nil {
		s.caps.Roots = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
		s.conn.Handle(string(mcp.RootsListMethod), s.handleListRoots)
	}
	if s.elicitation != nil {
		s.caps.Elicitation = &struct{}{}
		s.conn.Handle(string(mcp.ElicitationCreateMethod), s.handleElicit)
	}
	s.conn.Handle(string(mcp.PingMethod), func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(&mcp.EmptyResult{})
	})

	return s
}

// Run executes the session's receive loop until the context ends or the
// channel closes.
func (s *ClientSession) Run(ctx context.Context) error {
	return s.conn.Run(ctx)
}

// Close tears down the session.
func (s *ClientSession) Close() {
	s.conn.Close(nil)
}

// Initialize performs the handshake: send initialize, validate the negotiated
// protocol version, then signal notifications/initialized.
func (s *ClientSession) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	req := &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    s.caps,
		ClientInfo:      s.info,
	}

	var res mcp.InitializeResult
	if err := s.conn.Call(ctx, string(mcp.InitializeMethod), req, &res); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		s.conn.Close(nil)
		return nil, &ErrUnsupportedProtocolVersion{Version: res.ProtocolVersion}
	}

	if err := s.conn.Notify(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	s.initRes.Store(&res)
	s.initialized.Store(true)
	s.log.InfoContext(ctx, "session.client.initialized", slog.String("protocol_version", res.ProtocolVersion))
	return &res, nil
}

// ServerInfo returns the initialize result, or nil before the handshake
// completes.
func (s *ClientSession) ServerInfo() *mcp.InitializeResult {
	return s.initRes.Load()
}

// Ping checks liveness. Valid in any lifecycle state.
func (s *ClientSession) Ping(ctx context.Context) error {
	return s.conn.Call(ctx, string(mcp.PingMethod), nil, nil)
}

// ListTools fetches one page of tools.
func (s *ClientSession) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	if err := s.conn.Call(ctx, string(mcp.ToolsListMethod), &mcp.ListToolsParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes a tool by name.
func (s *ClientSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	if err := s.conn.Call(ctx, string(mcp.ToolsCallMethod), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallToolAsTask invokes a tool with task semantics and returns the created
// task acknowledgement; the result is fetched later via GetTaskResult.
func (s *ClientSession) CallToolAsTask(ctx context.Context, params *mcp.CallToolParams, task mcp.TaskMetadata) (*mcp.CreateTaskResult, error) {
	params.Task = &task
	var res mcp.CreateTaskResult
	if err := s.conn.Call(ctx, string(mcp.ToolsCallMethod), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources fetches one page of resources.
func (s *ClientSession) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	var res mcp.ListResourcesResult
	if err := s.conn.Call(ctx, string(mcp.ResourcesListMethod), &mcp.ListResourcesParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads a resource by URI.
func (s *ClientSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := s.conn.Call(ctx, string(mcp.ResourcesReadMethod), &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListPrompts fetches one page of prompts.
func (s *ClientSession) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	var res mcp.ListPromptsResult
	if err := s.conn.Call(ctx, string(mcp.PromptsListMethod), &mcp.ListPromptsParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt instantiates a prompt by name.
func (s *ClientSession) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := s.conn.Call(ctx, string(mcp.PromptsGetMethod), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetTask polls a task's status.
func (s *ClientSession) GetTask(ctx context.Context, taskID string) (*mcp.Task, error) {
	var res mcp.Task
	if err := s.conn.Call(ctx, string(mcp.TasksGetMethod), &mcp.GetTaskParams{TaskID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetTaskResult fetches a completed task's result into out.
func (s *ClientSession) GetTaskResult(ctx context.Context, taskID string, out any) error {
	return s.conn.Call(ctx, string(mcp.TasksResultMethod), &mcp.GetTaskParams{TaskID: taskID}, out)
}

// ListTasks pages through the server's tasks.
func (s *ClientSession) ListTasks(ctx context.Context, cursor string) (*mcp.ListTasksResult, error) {
	var res mcp.ListTasksResult
	if err := s.conn.Call(ctx, string(mcp.TasksListMethod), &mcp.ListTasksParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelTask requests cancellation of a running task.
func (s *ClientSession) CancelTask(ctx context.Context, taskID string) (*mcp.Task, error) {
	var res mcp.Task
	if err := s.conn.Call(ctx, string(mcp.TasksCancelMethod), &mcp.GetTaskParams{TaskID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *ClientSession) handleCreateMessage(ctx context.Context, r *rpc.Responder) {
	var params mcp.CreateMessageParams
	if err := json.Unmarshal(r.Params(), &params); err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}
	res, err := s.sampling(ctx, &params)
	if err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	_ = r.Respond(res)
}

func (s *ClientSession) handleListRoots(ctx context.Context, r *rpc.Responder) {
	roots, err := s.roots(ctx)
	if err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	_ = r.Respond(&mcp.ListRootsResult{Roots: roots})
}

func (s *ClientSession) handleElicit(ctx context.Context, r *rpc.Responder) {
	var params mcp.ElicitParams
	if err := json.Unmarshal(r.Params(), &params); err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}
	res, err := s.elicitation(ctx, &params)
	if err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	_ = r.Respond(res)
}
