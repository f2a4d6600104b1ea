// Package rpc implements the request/response correlation layer shared by
// client and server sessions: one receive loop per duplex channel, an
// ID-keyed pending-call table, per-request dispatch goroutines, and
// cooperative cancellation driven by notifications/cancelled.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/transport"
)

var (
	// ErrConnClosed indicates the channel closed while a call was outstanding.
	ErrConnClosed = errors.New("connection closed")
	// ErrAlreadyResponded indicates a responder was used twice.
	ErrAlreadyResponded = errors.New("request already responded to")
)

// RequestHandler services one inbound request. It must respond exactly once
// through the responder; a handler that returns without responding causes the
// engine to synthesize an internal error response so the peer never hangs.
type RequestHandler func(ctx context.Context, r *Responder)

// NotificationHandler services one inbound notification. Notifications for a
// channel are delivered in receipt order relative to each other.
type NotificationHandler func(ctx context.Context, note *jsonrpc.Request)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Conn owns a single duplex channel. It assigns outbound request IDs, matches
// responses to outstanding calls, and dispatches inbound requests and
// notifications to registered handlers.
type Conn struct {
	duplex transport.Duplex
	log    *slog.Logger

	callTimeout time.Duration

	handlerMu       sync.Mutex
	requestHandlers map[string]RequestHandler
	noteHandlers    map[string]NotificationHandler
	fallback        RequestHandler
	onError         func(error)

	mu       sync.Mutex
	pending  map[string]*pendingCall
	inflight map[string]*Responder
	nextID   atomic.Uint64

	noteCh chan *jsonrpc.Request

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLogger sets the logger used by the connection. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCallTimeout bounds Call when the caller's context has no deadline of
// its own. Zero disables the default bound.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.callTimeout = d }
}

// NewConn wraps a duplex channel. Handlers should be registered before Run is
// started.
func NewConn(d transport.Duplex, opts ...ConnOption) *Conn {
	c := &Conn{
		duplex:          d,
		log:             slog.Default(),
		requestHandlers: make(map[string]RequestHandler),
		noteHandlers:    make(map[string]NotificationHandler),
		pending:         make(map[string]*pendingCall),
		inflight:        make(map[string]*Responder),
		noteCh:          make(chan *jsonrpc.Request, 16),
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Handle registers the handler for an inbound request method.
func (c *Conn) Handle(method string, h RequestHandler) {
	c.handlerMu.Lock()
	c.requestHandlers[method] = h
	c.handlerMu.Unlock()
}

// HandleNotification registers the handler for an inbound notification
// method.
func (c *Conn) HandleNotification(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	c.noteHandlers[method] = h
	c.handlerMu.Unlock()
}

// SetFallbackHandler overrides the handler invoked for unknown methods. The
// default answers with a method-not-found error.
func (c *Conn) SetFallbackHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.fallback = h
	c.handlerMu.Unlock()
}

// OnConnectionError registers a callback observing transport-level failures
// of the receive loop. The loop never fails silently.
func (c *Conn) OnConnectionError(fn func(error)) {
	c.handlerMu.Lock()
	c.onError = fn
	c.handlerMu.Unlock()
}

// Call sends a request and blocks until the matching response arrives, the
// context ends, or the channel closes. A remote error payload is returned as
// a *jsonrpc.Error; out (if non-nil) receives the unmarshaled result.
func (c *Conn) Call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.closed:
		return c.closeError()
	default:
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	c.mu.Lock()
	c.pending[key] = pc
	c.mu.Unlock()

	if err := c.duplex.Send(ctx, reqBytes); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		if errors.Is(err, transport.ErrClosed) {
			return ErrConnClosed
		}
		return err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	case err := <-pc.errCh:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		// Best-effort cancel so the peer can stop working on our behalf.
		_ = c.Notify(context.WithoutCancel(ctx), string(mcp.CancelledNotificationMethod), &mcp.CancelledNotificationParams{
			RequestID: mustMarshalID(id),
			Reason:    "caller context done",
		})
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.duplex.Send(ctx, b); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

// Run executes the receive loop until the context ends or the channel closes.
// On exit, every outstanding call fails with ErrConnClosed and every in-flight
// inbound handler's context is cancelled.
func (c *Conn) Run(ctx context.Context) error {
	defer c.teardown()

	go c.noteLoop(ctx)

	for {
		msgBytes, err := c.duplex.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			c.reportError(err)
			return err
		}

		msgs, _, err := jsonrpc.DecodeMessages(msgBytes)
		if err != nil {
			c.log.WarnContext(ctx, "rpc.recv.parse_fail", slog.String("err", err.Error()))
			resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
			c.sendResponse(ctx, resp)
			continue
		}

		for _, msg := range msgs {
			c.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one decoded message. Requests are handed to their own
// goroutine so that a slow handler never stalls the receive loop.
func (c *Conn) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) {
	if resp := msg.AsResponse(); resp != nil && msg.Method == "" {
		c.resolvePending(ctx, resp)
		return
	}

	req := msg.AsRequest()
	if req == nil {
		c.log.WarnContext(ctx, "rpc.recv.unrecognized")
		return
	}

	if req.IsNotification() {
		if req.Method == string(mcp.CancelledNotificationMethod) {
			c.handleCancelled(ctx, req)
			return
		}
		select {
		case c.noteCh <- req:
		case <-ctx.Done():
		case <-c.closed:
		}
		return
	}

	c.dispatchRequest(ctx, req)
}

// noteLoop delivers notifications one at a time, preserving receipt order
// without blocking the receive loop.
func (c *Conn) noteLoop(ctx context.Context) {
	for {
		select {
		case note := <-c.noteCh:
			c.handlerMu.Lock()
			h := c.noteHandlers[note.Method]
			c.handlerMu.Unlock()
			if h == nil {
				c.log.DebugContext(ctx, "rpc.notification.unhandled", slog.String("method", note.Method))
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.ErrorContext(ctx, "rpc.notification.panic", slog.Any("panic", r))
					}
				}()
				h(ctx, note)
			}()
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) dispatchRequest(ctx context.Context, req *jsonrpc.Request) {
	c.handlerMu.Lock()
	h, ok := c.requestHandlers[req.Method]
	if !ok {
		h = c.fallback
	}
	c.handlerMu.Unlock()

	reqCtx, cancel := context.WithCancelCause(ctx)
	r := &Responder{conn: c, req: req, ctx: reqCtx, cancel: cancel}

	key := req.ID.String()
	c.mu.Lock()
	c.inflight[key] = r
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
			cancel(nil)
		}()
		defer r.finish()
		defer func() {
			if p := recover(); p != nil {
				c.log.ErrorContext(reqCtx, "rpc.request.panic", slog.String("method", req.Method), slog.Any("panic", p))
			}
		}()

		if h == nil {
			_ = r.RespondError(jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
			return
		}
		h(reqCtx, r)
	}()
}

// handleCancelled marks the in-flight request identified by the notification
// as cancelled: its handler context is cancelled and any later response from
// it is dropped rather than delivered.
func (c *Conn) handleCancelled(ctx context.Context, note *jsonrpc.Request) {
	var params mcp.CancelledNotificationParams
	if err := json.Unmarshal(note.Params, &params); err != nil {
		c.log.WarnContext(ctx, "rpc.cancelled.invalid", slog.String("err", err.Error()))
		return
	}
	var rid jsonrpc.RequestID
	if err := rid.UnmarshalJSON(params.RequestID); err != nil {
		c.log.WarnContext(ctx, "rpc.cancelled.invalid", slog.String("err", err.Error()))
		return
	}

	key := rid.String()
	c.mu.Lock()
	r := c.inflight[key]
	c.mu.Unlock()
	if r == nil {
		return
	}

	reason := params.Reason
	if reason == "" {
		reason = "cancelled by peer"
	}
	r.markCancelled(reason)
	c.log.InfoContext(ctx, "rpc.request.cancelled", slog.String("request_id", key), slog.String("reason", reason))
}

func (c *Conn) resolvePending(ctx context.Context, resp *jsonrpc.Response) {
	key := resp.ID.String()
	c.mu.Lock()
	pc, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		// A response that matches no outstanding request is dropped, never
		// fatal.
		c.log.DebugContext(ctx, "rpc.response.orphaned", slog.String("id", key))
		return
	}
	pc.respCh <- resp
}

func (c *Conn) sendResponse(ctx context.Context, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		c.log.ErrorContext(ctx, "rpc.response.marshal_fail", slog.String("err", err.Error()))
		return
	}
	if err := c.duplex.Send(ctx, b); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.log.ErrorContext(ctx, "rpc.response.send_fail", slog.String("err", err.Error()))
	}
}

// Close tears down the connection with the given cause. Outstanding calls
// fail immediately; in-flight inbound handlers see their contexts cancelled.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		_ = c.duplex.Close()
	})
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) teardown() {
	c.Close(nil)

	c.mu.Lock()
	pendings := make([]*pendingCall, 0, len(c.pending))
	for key, pc := range c.pending {
		delete(c.pending, key)
		pendings = append(pendings, pc)
	}
	inflight := make([]*Responder, 0, len(c.inflight))
	for _, r := range c.inflight {
		inflight = append(inflight, r)
	}
	c.mu.Unlock()

	for _, pc := range pendings {
		pc.errCh <- c.closeError()
	}
	for _, r := range inflight {
		r.cancel(ErrConnClosed)
	}

	c.wg.Wait()
}

func (c *Conn) closeError() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnClosed
}

func (c *Conn) reportError(err error) {
	c.handlerMu.Lock()
	fn := c.onError
	c.handlerMu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		c.log.Error("rpc.conn.fail", slog.String("err", err.Error()))
	}
}

func mustMarshalID(id *jsonrpc.RequestID) json.RawMessage {
	b, err := id.MarshalJSON()
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}
