package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/mcp"
)

// Responder wraps one inbound request with the capability to send exactly one
// response. Double responses return ErrAlreadyResponded; a responder dropped
// without responding synthesizes an internal error response so the peer never
// hangs.
type Responder struct {
	conn   *Conn
	req    *jsonrpc.Request
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	responded bool
	cancelled bool
}

// Method returns the request's method name.
func (r *Responder) Method() string { return r.req.Method }

// Params returns the raw request params.
func (r *Responder) Params() json.RawMessage { return r.req.Params }

// ID returns the request's ID.
func (r *Responder) ID() *jsonrpc.RequestID { return r.req.ID }

// Context is cancelled when the peer sends notifications/cancelled for this
// request or the channel closes. Handlers should check it cooperatively.
func (r *Responder) Context() context.Context { return r.ctx }

// Cancelled reports whether the peer has cancelled this request.
func (r *Responder) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Respond sends a success response. If the request was cancelled, the
// response is dropped silently: the peer has stopped expecting it.
func (r *Responder) Respond(result any) error {
	resp, err := jsonrpc.NewResultResponse(r.req.ID, result)
	if err != nil {
		return err
	}
	return r.send(resp)
}

// RespondError sends an error response.
func (r *Responder) RespondError(code jsonrpc.ErrorCode, message string, data any) error {
	return r.send(jsonrpc.NewErrorResponse(r.req.ID, code, message, data))
}

// ReportProgress emits a notifications/progress tied to this request. The
// request ID doubles as the progress token.
func (r *Responder) ReportProgress(ctx context.Context, progress, total float64) error {
	params := &mcp.ProgressNotificationParams{ProgressToken: r.req.ID.Value(), Progress: progress}
	if total > 0 {
		params.Total = total
	}
	return r.conn.Notify(ctx, string(mcp.ProgressNotificationMethod), params)
}

func (r *Responder) send(resp *jsonrpc.Response) error {
	r.mu.Lock()
	if r.responded {
		r.mu.Unlock()
		return ErrAlreadyResponded
	}
	r.responded = true
	dropped := r.cancelled
	r.mu.Unlock()

	if dropped {
		r.conn.log.DebugContext(r.ctx, "rpc.response.dropped_cancelled", slog.String("id", r.req.ID.String()))
		return nil
	}
	r.conn.sendResponse(context.WithoutCancel(r.ctx), resp)
	return nil
}

func (r *Responder) markCancelled(reason string) {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel(errors.New(reason))
}

// finish runs when the handling scope exits. A handler that neither responded
// nor was cancelled left the peer waiting; answer with an internal error.
func (r *Responder) finish() {
	r.mu.Lock()
	abandoned := !r.responded && !r.cancelled
	r.mu.Unlock()
	if !abandoned {
		return
	}
	r.conn.log.WarnContext(r.ctx, "rpc.request.abandoned", slog.String("method", r.req.Method), slog.String("id", r.req.ID.String()))
	_ = r.RespondError(jsonrpc.ErrorCodeInternalError, "handler returned without responding", nil)
}
