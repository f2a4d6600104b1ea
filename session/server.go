package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/rpc"
	"github.com/streamware/mcp-session-go/tasks"
	"github.com/streamware/mcp-session-go/transport"
)

var (
	// ErrNotInitialized indicates a server-initiated call was attempted before
	// the handshake completed.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrCapabilityUnsupported indicates the client did not advertise the
	// capability required by a server-initiated call.
	ErrCapabilityUnsupported = errors.New("client capability not supported")
)

// LifecycleState is the server session's handshake progress.
type LifecycleState string

const (
	StateNotInitialized LifecycleState = "not_initialized"
	StateInitializing   LifecycleState = "initializing"
	StateInitialized    LifecycleState = "initialized"
)

// MethodHandler services one method from the collaborator dispatch table. The
// returned value is marshaled into the response result. Returning a
// *jsonrpc.Error preserves its code on the wire; any other error becomes an
// internal error response.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ServerSession is the server side of one conversation. It runs the
// initialization state machine, gates inbound requests on it, dispatches
// collaborator-registered methods (with optional task augmentation), and
// exposes the server-initiated operations gated on client capabilities.
type ServerSession struct {
	conn *rpc.Conn
	log  *slog.Logger

	info         mcp.ImplementationInfo
	caps         mcp.ServerCapabilities
	instructions string
	stateless    bool
	pollInterval time.Duration

	taskStore tasks.Store

	mu              sync.Mutex
	state           LifecycleState
	clientCaps      mcp.ClientCapabilities
	clientInfo      mcp.ImplementationInfo
	protocolVersion string

	taskMu      sync.Mutex
	taskCancels map[string]context.CancelCauseFunc

	connOpts []rpc.ConnOption
}

// ServerOption configures a ServerSession.
type ServerOption func(*ServerSession)

// WithServerLogger sets the session logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *ServerSession) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *ServerSession) { s.info = info }
}

// WithServerCapabilities sets the advertised server capabilities. The tasks
// capability is added automatically when a task store is configured.
func WithServerCapabilities(caps mcp.ServerCapabilities) ServerOption {
	return func(s *ServerSession) { s.caps = caps }
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *ServerSession) { s.instructions = instructions }
}

// WithTaskStore plugs in a task store, enabling task-augmented requests and
// the tasks/* methods.
func WithTaskStore(store tasks.Store) ServerOption {
	return func(s *ServerSession) { s.taskStore = store }
}

// WithStateless presets the lifecycle to Initialized. Used by transports
// where each request is a throwaway conversation and negotiation is a
// per-request formality.
func WithStateless() ServerOption {
	return func(s *ServerSession) { s.stateless = true }
}

// WithTaskPollInterval sets the polling cadence suggested to clients on task
// acknowledgements.
func WithTaskPollInterval(d time.Duration) ServerOption {
	return func(s *ServerSession) { s.pollInterval = d }
}

// WithServerCallTimeout bounds server-initiated calls without their own
// deadline.
func WithServerCallTimeout(d time.Duration) ServerOption {
	return func(s *ServerSession) { s.connOpts = append(s.connOpts, rpc.WithCallTimeout(d)) }
}

// NewServerSession wraps a duplex channel in a server session. Collaborator
// methods should be registered with Handle before Run is started.
func NewServerSession(d transport.Duplex, opts ...ServerOption) *ServerSession {
	s := &ServerSession{
		log:          slog.Default(),
		info:         mcp.ImplementationInfo{Name: "mcp-session-go", Version: "0.1.0"},
		state:        StateNotInitialized,
		pollInterval: 500 * time.Millisecond,
		taskCancels:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.stateless {
		s.state = StateInitialized
	}

	s.conn = rpc.NewConn(d, append(s.connOpts, rpc.WithLogger(s.log))...)

	s.conn.Handle(string(mcp.InitializeMethod), s.handleInitialize)
	s.conn.Handle(string(mcp.PingMethod), func(ctx context.Context, r *rpc.Responder) {
		_ = r.Respond(&mcp.EmptyResult{})
	})
	s.conn.HandleNotification(string(mcp.InitializedNotificationMethod), s.handleInitialized)
	s.conn.SetFallbackHandler(s.handleUnknown)

	if s.taskStore != nil {
		if s.caps.Tasks == nil {
			s.caps.Tasks = &struct{}{}
		}
		s.conn.Handle(string(mcp.TasksGetMethod), s.guarded(s.handleTasksGet))
		s.conn.Handle(string(mcp.TasksResultMethod), s.guarded(s.handleTasksResult))
		s.conn.Handle(string(mcp.TasksListMethod), s.guarded(s.handleTasksList))
		s.conn.Handle(string(mcp.TasksCancelMethod), s.guarded(s.handleTasksCancel))
	}

	return s
}

// Handle registers a collaborator method. Requests for it are gated on the
// lifecycle state; when a task store is configured, requests carrying task
// metadata are acknowledged immediately and executed in the background.
func (s *ServerSession) Handle(method string, h MethodHandler) {
	s.conn.Handle(method, s.guarded(func(ctx context.Context, r *rpc.Responder) {
		s.dispatchMethod(ctx, r, h)
	}))
}

// Notify sends a fire-and-forget notification to the client.
func (s *ServerSession) Notify(ctx context.Context, method string, params any) error {
	return s.conn.Notify(ctx, method, params)
}

// HandleClientNotification registers a handler for a client-sent
// notification method.
func (s *ServerSession) HandleClientNotification(method string, h func(ctx context.Context, params json.RawMessage)) {
	s.conn.HandleNotification(method, func(ctx context.Context, note *jsonrpc.Request) {
		h(ctx, note.Params)
	})
}

// Run executes the session's receive loop until the context ends or the
// channel closes.
func (s *ServerSession) Run(ctx context.Context) error {
	return s.conn.Run(ctx)
}

// Close tears down the session.
func (s *ServerSession) Close() {
	s.conn.Close(nil)
}

// Done is closed once the session's connection has shut down.
func (s *ServerSession) Done() <-chan struct{} {
	return s.conn.Done()
}

// State returns the current lifecycle state.
func (s *ServerSession) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NegotiatedProtocolVersion returns the protocol version answered at
// initialize time, or the empty string before the handshake.
func (s *ServerSession) NegotiatedProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the implementation info recorded from initialize.
func (s *ServerSession) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities recorded from initialize.
func (s *ServerSession) ClientCapabilities() mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// CheckClientCapability reports whether the client declared every capability
// requested in want. It returns false, not an error, while the session is not
// yet initialized.
func (s *ServerSession) CheckClientCapability(want mcp.ClientCapabilities) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitialized {
		return false
	}
	return clientCapabilitySatisfied(s.clientCaps, want)
}

// Ping checks client liveness. Valid in any lifecycle state.
func (s *ServerSession) Ping(ctx context.Context) error {
	return s.conn.Call(ctx, string(mcp.PingMethod), nil, nil)
}

// CreateMessage asks the client to sample from its model. It fails with
// ErrCapabilityUnsupported unless the client advertised sampling.
func (s *ServerSession) CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if !s.CheckClientCapability(mcp.ClientCapabilities{Sampling: &struct{}{}}) {
		return nil, fmt.Errorf("sampling/createMessage: %w", ErrCapabilityUnsupported)
	}
	var res mcp.CreateMessageResult
	if err := s.conn.Call(ctx, string(mcp.SamplingCreateMessageMethod), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRoots asks the client for its filesystem roots. It fails with
// ErrCapabilityUnsupported unless the client advertised roots.
func (s *ServerSession) ListRoots(ctx context.Context) (*mcp.ListRootsResult, error) {
	if !s.CheckClientCapability(mcp.ClientCapabilities{Roots: &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}}) {
		return nil, fmt.Errorf("roots/list: %w", ErrCapabilityUnsupported)
	}
	var res mcp.ListRootsResult
	if err := s.conn.Call(ctx, string(mcp.RootsListMethod), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Elicit asks the client to collect structured user input. It fails with
// ErrCapabilityUnsupported unless the client advertised elicitation.
func (s *ServerSession) Elicit(ctx context.Context, params *mcp.ElicitParams) (*mcp.ElicitResult, error) {
	if !s.CheckClientCapability(mcp.ClientCapabilities{Elicitation: &struct{}{}}) {
		return nil, fmt.Errorf("elicitation/create: %w", ErrCapabilityUnsupported)
	}
	var res mcp.ElicitResult
	if err := s.conn.Call(ctx, string(mcp.ElicitationCreateMethod), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *ServerSession) handleInitialize(ctx context.Context, r *rpc.Responder) {
	var req mcp.InitializeRequest
	if err := json.Unmarshal(r.Params(), &req); err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		return
	}

	// Echo a supported requested version; otherwise counter with the newest
	// revision this engine speaks.
	version := mcp.LatestProtocolVersion
	if mcp.IsSupportedProtocolVersion(req.ProtocolVersion) {
		version = req.ProtocolVersion
	}

	s.mu.Lock()
	if !s.stateless && s.state != StateNotInitialized {
		s.mu.Unlock()
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidRequest, "initialize received more than once", nil)
		return
	}
	if !s.stateless {
		s.state = StateInitializing
	}
	s.clientCaps = req.Capabilities
	s.clientInfo = req.ClientInfo
	s.protocolVersion = version
	s.mu.Unlock()

	s.log.InfoContext(ctx, "session.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("requested_version", req.ProtocolVersion),
		slog.String("negotiated_version", version))

	_ = r.Respond(&mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
}

func (s *ServerSession) handleInitialized(ctx context.Context, note *jsonrpc.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitializing:
		s.state = StateInitialized
		s.log.InfoContext(ctx, "session.initialized", slog.String("protocol_version", s.protocolVersion))
	case StateInitialized:
		// Duplicate notification. Tolerated without re-running handshake side
		// effects.
	default:
		s.log.WarnContext(ctx, "session.initialized.before_handshake")
	}
}

// handleUnknown answers unregistered methods. Lifecycle gating applies here
// too so pre-handshake probes get the lifecycle error, not method-not-found.
func (s *ServerSession) handleUnknown(ctx context.Context, r *rpc.Responder) {
	if !s.requireInitialized(r) {
		return
	}
	_ = r.RespondError(jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", r.Method()), nil)
}

// guarded wraps a handler with the lifecycle gate. The connection stays open
// after a rejection.
func (s *ServerSession) guarded(h rpc.RequestHandler) rpc.RequestHandler {
	return func(ctx context.Context, r *rpc.Responder) {
		if !s.requireInitialized(r) {
			return
		}
		h(ctx, r)
	}
}

func (s *ServerSession) requireInitialized(r *rpc.Responder) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateInitialized {
		return true
	}
	_ = r.RespondError(jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("method %q received before initialization complete", r.Method()), nil)
	return false
}

func (s *ServerSession) dispatchMethod(ctx context.Context, r *rpc.Responder, h MethodHandler) {
	meta, err := mcp.TaskAugmentation(r.Params())
	if err != nil {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}
	if meta != nil && s.taskStore != nil {
		s.runAsTask(ctx, r, meta, h)
		return
	}

	res, err := h(ctx, r.Params())
	if err != nil {
		s.respondHandlerError(r, err)
		return
	}
	_ = r.Respond(res)
}

// runAsTask acknowledges a task-augmented request immediately and executes
// the handler in the background, diverting its result into the task store for
// later polling.
func (s *ServerSession) runAsTask(ctx context.Context, r *rpc.Responder, meta *mcp.TaskMetadata, h MethodHandler) {
	taskID := meta.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	t := &tasks.Task{
		TaskID:       taskID,
		Status:       mcp.TaskStatusSubmitted,
		CreatedAt:    time.Now(),
		PollInterval: s.pollInterval,
	}
	if meta.KeepAlive != nil {
		d := time.Duration(*meta.KeepAlive) * time.Millisecond
		t.KeepAlive = &d
	}

	origin, _ := jsonrpc.NewRequest(r.ID(), r.Method(), json.RawMessage(r.Params()))
	rawOrigin, _ := json.Marshal(origin)

	if err := s.taskStore.CreateTask(ctx, t, r.ID().String(), rawOrigin); err != nil {
		if errors.Is(err, tasks.ErrTaskExists) {
			_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "task already exists", nil)
			return
		}
		_ = r.RespondError(jsonrpc.ErrorCodeInternalError, "task creation failed", nil)
		return
	}

	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.taskMu.Lock()
	s.taskCancels[taskID] = cancel
	s.taskMu.Unlock()

	_ = r.Respond(&mcp.CreateTaskResult{Task: t.Wire()})

	params := r.Params()
	method := r.Method()
	go func() {
		defer func() {
			cancel(nil)
			s.taskMu.Lock()
			delete(s.taskCancels, taskID)
			s.taskMu.Unlock()
		}()

		if err := s.taskStore.UpdateTaskStatus(taskCtx, taskID, mcp.TaskStatusWorking, ""); err != nil {
			// A cancel that landed before the handler started wins.
			s.log.DebugContext(taskCtx, "task.start.skipped", slog.String("task_id", taskID), slog.String("err", err.Error()))
			return
		}

		res, err := h(taskCtx, params)
		switch {
		case taskCtx.Err() != nil:
			// Cancellation already moved the task terminal; nothing to record.
			s.log.InfoContext(context.WithoutCancel(taskCtx), "task.cancelled", slog.String("task_id", taskID), slog.String("method", method))
		case err != nil:
			if uerr := s.taskStore.UpdateTaskStatus(taskCtx, taskID, mcp.TaskStatusFailed, err.Error()); uerr != nil {
				s.log.WarnContext(taskCtx, "task.fail.record_fail", slog.String("task_id", taskID), slog.String("err", uerr.Error()))
			}
		default:
			raw, merr := json.Marshal(res)
			if merr != nil {
				_ = s.taskStore.UpdateTaskStatus(taskCtx, taskID, mcp.TaskStatusFailed, "result marshal failed")
				return
			}
			if serr := s.taskStore.StoreTaskResult(taskCtx, taskID, raw); serr != nil {
				s.log.WarnContext(taskCtx, "task.result.store_fail", slog.String("task_id", taskID), slog.String("err", serr.Error()))
				return
			}
			if uerr := s.taskStore.UpdateTaskStatus(taskCtx, taskID, mcp.TaskStatusCompleted, ""); uerr != nil {
				s.log.WarnContext(taskCtx, "task.complete.record_fail", slog.String("task_id", taskID), slog.String("err", uerr.Error()))
			}
		}
	}()
}

func (s *ServerSession) handleTasksGet(ctx context.Context, r *rpc.Responder) {
	var params mcp.GetTaskParams
	if err := json.Unmarshal(r.Params(), &params); err != nil || params.TaskID == "" {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}
	t, err := s.taskStore.GetTask(ctx, params.TaskID)
	if err != nil {
		s.respondTaskError(r, err)
		return
	}
	_ = r.Respond(t.Wire())
}

func (s *ServerSession) handleTasksResult(ctx context.Context, r *rpc.Responder) {
	var params mcp.GetTaskParams
	if err := json.Unmarshal(r.Params(), &params); err != nil || params.TaskID == "" {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}
	raw, err := s.taskStore.GetTaskResult(ctx, params.TaskID)
	if err != nil {
		s.respondTaskError(r, err)
		return
	}
	_ = r.Respond(json.RawMessage(raw))
}

func (s *ServerSession) handleTasksList(ctx context.Context, r *rpc.Responder) {
	var params mcp.ListTasksParams
	if len(r.Params()) > 0 {
		if err := json.Unmarshal(r.Params(), &params); err != nil {
			_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
			return
		}
	}
	page, next, err := s.taskStore.ListTasks(ctx, params.Cursor)
	if err != nil {
		s.respondTaskError(r, err)
		return
	}
	res := mcp.ListTasksResult{Tasks: make([]mcp.Task, 0, len(page))}
	for _, t := range page {
		res.Tasks = append(res.Tasks, t.Wire())
	}
	res.NextCursor = next
	_ = r.Respond(&res)
}

func (s *ServerSession) handleTasksCancel(ctx context.Context, r *rpc.Responder) {
	var params mcp.GetTaskParams
	if err := json.Unmarshal(r.Params(), &params); err != nil || params.TaskID == "" {
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		return
	}

	if err := s.taskStore.UpdateTaskStatus(ctx, params.TaskID, mcp.TaskStatusCancelled, "cancelled by client"); err != nil {
		s.respondTaskError(r, err)
		return
	}

	s.taskMu.Lock()
	cancel := s.taskCancels[params.TaskID]
	s.taskMu.Unlock()
	if cancel != nil {
		cancel(errors.New("task cancelled by client"))
	}

	t, err := s.taskStore.GetTask(ctx, params.TaskID)
	if err != nil {
		s.respondTaskError(r, err)
		return
	}
	_ = r.Respond(t.Wire())
}

func (s *ServerSession) respondTaskError(r *rpc.Responder, err error) {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "task not found", nil)
	case errors.Is(err, tasks.ErrInvalidCursor):
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil)
	case errors.Is(err, tasks.ErrResultNotReady):
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidRequest, "task result not available", nil)
	case errors.Is(err, tasks.ErrInvalidTransition):
		_ = r.RespondError(jsonrpc.ErrorCodeInvalidRequest, "task already terminal", nil)
	default:
		_ = r.RespondError(jsonrpc.ErrorCodeInternalError, "task store failure", nil)
	}
}

func (s *ServerSession) respondHandlerError(r *rpc.Responder, err error) {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		_ = r.RespondError(rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	_ = r.RespondError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}
