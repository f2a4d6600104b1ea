package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/streamware/mcp-session-go/broker"
	brokermemory "github.com/streamware/mcp-session-go/broker/memory"
	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/internal/logctx"
	"github.com/streamware/mcp-session-go/mcp"
	"github.com/streamware/mcp-session-go/session"
	"github.com/streamware/mcp-session-go/storage"
	storagememory "github.com/streamware/mcp-session-go/storage/memory"
	"github.com/streamware/mcp-session-go/transport"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	acceptableMediaTypes  = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	statelessNamespace = "stateless"

	defaultIdleTimeout       = 30 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultReapThreshold     = 64
	defaultKeepAliveInterval = 25 * time.Second
	defaultSessionStoreSize  = 4096
)

// SessionConfigurator is the collaborator hook invoked for every new server
// session before its run loop starts. Registration layers use it to install
// their method dispatch table.
type SessionConfigurator func(s *session.ServerSession)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible. This is transport-level, not
// JSON-RPC framing.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	stateless         bool
	broker            broker.Broker
	store             storage.Store
	clock             clockwork.Clock
	idleTimeout       time.Duration
	sweepInterval     time.Duration
	reapThreshold     int
	keepAliveInterval time.Duration
	sessionOpts       []session.ServerOption
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStateless runs every request against a throwaway session with no
// session ID and no cross-request memory.
func WithStateless() Option {
	return func(c *newConfig) { c.stateless = true }
}

// WithBroker substitutes the message broker backing SSE delivery and
// resumption. Defaults to the in-memory broker.
func WithBroker(b broker.Broker) Option {
	return func(c *newConfig) { c.broker = b }
}

// WithSessionStore substitutes the store persisting session metadata
// records. Defaults to an in-memory store.
func WithSessionStore(s storage.Store) Option {
	return func(c *newConfig) { c.store = s }
}

// WithClock substitutes the time source driving the reaper and keep-alives.
func WithClock(clock clockwork.Clock) Option {
	return func(c *newConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIdleTimeout sets how long a session may sit idle before it is eligible
// for reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.idleTimeout = d }
}

// WithSweepInterval sets how often the reaper wakes.
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) { c.sweepInterval = d }
}

// WithReapThreshold sets the session count above which the reaper starts
// scanning. At or below it, idle sessions are never reaped.
func WithReapThreshold(n int) Option {
	return func(c *newConfig) { c.reapThreshold = n }
}

// WithKeepAliveInterval sets the cadence of no-op comment frames on idle SSE
// streams.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAliveInterval = d }
}

// WithSessionOptions appends options applied to every server session the
// handler creates.
func WithSessionOptions(opts ...session.ServerOption) Option {
	return func(c *newConfig) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Handler implements the streaming HTTP transport: POST carries JSON-RPC
// bodies in, GET opens the resumable SSE stream out, DELETE terminates a
// stateful session.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	stateless         bool
	broker            broker.Broker
	store             storage.Store
	clock             clockwork.Clock
	keepAliveInterval time.Duration

	configure   SessionConfigurator
	sessionOpts []session.ServerOption

	manager *sessionManager

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Handler serving the MCP endpoint at path. The configurator
// is invoked for each new session; ctx bounds all background work (session
// run loops, the reaper).
func New(ctx context.Context, path string, configure SessionConfigurator, opts ...Option) (*Handler, error) {
	if configure == nil {
		return nil, fmt.Errorf("session configurator is required")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("endpoint path must start with /, got %q", path)
	}

	cfg := &newConfig{
		logger:            slog.Default(),
		clock:             clockwork.NewRealClock(),
		idleTimeout:       defaultIdleTimeout,
		sweepInterval:     defaultSweepInterval,
		reapThreshold:     defaultReapThreshold,
		keepAliveInterval: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.broker == nil {
		cfg.broker = brokermemory.New()
	}
	if cfg.store == nil {
		st, err := storagememory.New(defaultSessionStoreSize)
		if err != nil {
			return nil, fmt.Errorf("create session store: %w", err)
		}
		cfg.store = st
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	runCtx, runCancel := context.WithCancel(ctx)
	h := &Handler{
		log:               log,
		stateless:         cfg.stateless,
		broker:            cfg.broker,
		store:             cfg.store,
		clock:             cfg.clock,
		keepAliveInterval: cfg.keepAliveInterval,
		configure:         configure,
		sessionOpts:       cfg.sessionOpts,
		runCtx:            runCtx,
		runCancel:         runCancel,
	}
	h.manager = newSessionManager(log, cfg.clock, cfg.store, cfg.idleTimeout, cfg.sweepInterval, cfg.reapThreshold)

	if !cfg.stateless {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.manager.reapLoop(runCtx, h.broker)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Close terminates every live session and waits for background work to
// finish. In-flight HTTP requests see their session contexts cancelled.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		for _, ls := range h.manager.all() {
			if _, ok := h.manager.remove(ls.id); ok {
				ls.close()
			}
		}
		h.runCancel()
		h.wg.Wait()
	})
}

// newLiveSession assembles one session: a pipe, the server session on its
// far end, its run loop, and the outbound pump.
func (h *Handler) newLiveSession(id string, stateless bool) *liveSession {
	httpEnd, sessEnd := transport.Pipe()

	opts := make([]session.ServerOption, 0, len(h.sessionOpts)+2)
	opts = append(opts, h.sessionOpts...)
	opts = append(opts, session.WithServerLogger(h.log))
	if stateless {
		opts = append(opts, session.WithStateless())
	}

	srv := session.NewServerSession(sessEnd, opts...)
	h.configure(srv)

	ctx, cancel := context.WithCancel(h.runCtx)
	ls := &liveSession{
		id:           id,
		srv:          srv,
		httpEnd:      httpEnd,
		cancel:       cancel,
		log:          h.log,
		waiters:      make(map[string]chan []byte),
		lastActivity: h.clock.Now(),
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		err := srv.Run(ctx)
		// A crashed run loop removes its own tracking entry so the session
		// is not leaked as a phantom; an explicit DELETE got there first if
		// the entry is already gone.
		if _, ok := h.manager.remove(id); ok && !stateless {
			ls.close()
			_ = h.broker.Cleanup(context.WithoutCancel(ctx), id)
			_ = h.store.Delete(context.WithoutCancel(ctx), id)
			if err != nil && !errors.Is(err, context.Canceled) {
				h.log.ErrorContext(ctx, "session.run.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			}
		}
	}()
	go func() {
		defer h.wg.Done()
		ls.pump(ctx, h.broker)
	}()

	return ls
}

// handlePost processes one inbound JSON-RPC body: a single message or a
// batch. A body with no requests is acknowledged with 202; otherwise the
// response set is returned either as direct JSON or as an SSE body,
// following the client's Accept preference.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if !acceptsBoth(r) {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include application/json and text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	msgs, isBatch, err := jsonrpc.DecodeMessages(body)
	if err != nil || len(msgs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC body")
		h.log.WarnContext(ctx, "jsonrpc.decode.fail")
		return
	}

	if containsMethod(msgs, string(mcp.InitializeMethod)) && isBatch {
		writeJSONError(w, http.StatusBadRequest, "initialization cannot be batched")
		h.log.WarnContext(ctx, "session.initialize.batched")
		return
	}

	if h.stateless {
		h.servePostStateless(w, r, msgs, isBatch)
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.servePostInitialize(w, r, msgs[0], start)
		return
	}

	ls := h.manager.get(sessID)
	if ls == nil {
		writeJSONError(w, http.StatusBadRequest, "unknown session")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       ls.id,
		ProtocolVersion: ls.negotiatedVersion(),
		State:           string(ls.srv.State()),
	})

	if containsMethod(msgs, string(mcp.InitializeMethod)) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := ls.negotiatedVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	ls.touch(h.clock.Now())
	h.manager.persist(ctx, ls)
	if spv := ls.negotiatedVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	h.exchange(w, r, ls, msgs, isBatch)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// servePostInitialize handles the header-less POST that opens a session: it
// must carry exactly one initialize request. The minted session ID is
// returned in the response headers.
func (h *Handler) servePostInitialize(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, start time.Time) {
	ctx := r.Context()

	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.IsNotification() {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sessID := uuid.NewString()
	ls := h.newLiveSession(sessID, false)
	h.manager.add(ls)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	raw, err := h.roundTrip(ctx, ls, msg.Raw(), req.ID.String())
	if err != nil {
		if _, ok := h.manager.remove(sessID); ok {
			ls.close()
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	// Capture the negotiated protocol version off the wire response.
	var resp jsonrpc.Response
	var initRes mcp.InitializeResult
	if json.Unmarshal(raw, &resp) == nil && resp.Error == nil && json.Unmarshal(resp.Result, &initRes) == nil {
		ls.setProtocolVersion(initRes.ProtocolVersion)
	}
	h.manager.persist(ctx, ls)

	w.Header().Set(mcpSessionIDHeader, sessID)
	if v := ls.negotiatedVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write_fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// servePostStateless runs the body against a throwaway session that is torn
// down when the exchange completes.
func (h *Handler) servePostStateless(w http.ResponseWriter, r *http.Request, msgs []*jsonrpc.AnyMessage, isBatch bool) {
	ctx := r.Context()

	ls := h.newLiveSession(statelessNamespace, true)
	defer ls.close()

	h.exchange(w, r, ls, msgs, isBatch)
	h.log.InfoContext(ctx, "http.post.stateless.ok")
}

// exchange forwards the parsed messages into the session and returns the
// correlated responses. Notification-only bodies are acknowledged with 202.
func (h *Handler) exchange(w http.ResponseWriter, r *http.Request, ls *liveSession, msgs []*jsonrpc.AnyMessage, isBatch bool) {
	ctx := r.Context()

	type pendingResp struct {
		id string
		ch chan []byte
	}
	var pending []pendingResp

	for _, msg := range msgs {
		if req := msg.AsRequest(); req != nil && !req.IsNotification() {
			pending = append(pending, pendingResp{id: req.ID.String(), ch: ls.registerWaiter(req.ID.String())})
		}
	}
	for _, msg := range msgs {
		if err := ls.httpEnd.Send(ctx, msg.Raw()); err != nil {
			for _, p := range pending {
				ls.dropWaiter(p.id)
			}
			writeJSONError(w, http.StatusInternalServerError, "session unavailable")
			h.log.ErrorContext(ctx, "session.forward.fail", slog.String("err", err.Error()))
			return
		}
	}

	if len(pending) == 0 {
		// No correlated reply is owed for notifications or responses.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if prefersJSON(r) {
		responses := make([]json.RawMessage, 0, len(pending))
		for _, p := range pending {
			select {
			case raw := <-p.ch:
				responses = append(responses, raw)
			case <-ctx.Done():
				for _, q := range pending {
					ls.dropWaiter(q.id)
				}
				return
			}
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		if isBatch {
			_ = enc.Encode(responses)
		} else {
			_, _ = w.Write(responses[0])
		}
		return
	}

	// SSE response body: each response rides as one event: message frame.
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	for _, p := range pending {
		select {
		case raw := <-p.ch:
			if err := writeSSEEvent(wf, "", raw); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				for _, q := range pending {
					ls.dropWaiter(q.id)
				}
				return
			}
		case <-ctx.Done():
			for _, q := range pending {
				ls.dropWaiter(q.id)
			}
			return
		}
	}
}

// roundTrip sends one raw message into the session and waits for the
// response matching requestID.
func (h *Handler) roundTrip(ctx context.Context, ls *liveSession, raw []byte, requestID string) ([]byte, error) {
	ch := ls.registerWaiter(requestID)
	if err := ls.httpEnd.Send(ctx, raw); err != nil {
		ls.dropWaiter(requestID)
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		ls.dropWaiter(requestID)
		return nil, ctx.Err()
	}
}

// handleGet opens the long-lived SSE stream carrying server-initiated
// messages, with Last-Event-ID resumption and periodic keep-alive comment
// frames.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	namespace := statelessNamespace
	sessID := r.Header.Get(mcpSessionIDHeader)
	if !h.stateless {
		if sessID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing session id")
			h.log.WarnContext(ctx, "session.id.missing")
			return
		}
		ls := h.manager.get(sessID)
		if ls == nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return
		}
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
			if spv := ls.negotiatedVersion(); spv != "" && pv != spv {
				writeJSONError(w, http.StatusPreconditionFailed, "protocol version mismatch")
				h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
				return
			}
		}
		ls.touch(h.clock.Now())
		if spv := ls.negotiatedVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		namespace = sessID
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, ProtocolVersion: ls.negotiatedVersion()})
	}

	stream, err := h.broker.Subscribe(ctx, namespace, r.Header.Get(lastEventIDHeader))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to subscribe")
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		nextCtx, cancel := context.WithTimeout(ctx, h.keepAliveInterval)
		env, err := stream.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
			if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Idle: emit a no-op comment frame so intermediaries keep the
			// connection alive.
			if err := writeSSEComment(wf, "keep-alive"); err != nil {
				return
			}
		default:
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

// handleDelete terminates a stateful session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.stateless {
		writeJSONError(w, http.StatusNotFound, "no sessions in stateless mode")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	ls := h.manager.get(sessID)
	if ls == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
		return
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := ls.negotiatedVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusPreconditionFailed, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	if _, ok := h.manager.remove(sessID); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	ls.close()
	_ = h.broker.Cleanup(ctx, sessID)
	_ = h.store.Delete(ctx, sessID)

	if v := ls.negotiatedVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// acceptsBoth reports whether the Accept header admits both application/json
// and text/event-stream, as POST requires.
func acceptsBoth(r *http.Request) bool {
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err != nil {
		return false
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		return false
	}
	return true
}

// prefersJSON reports whether application/json outranks text/event-stream in
// the client's Accept preference; fast methods then get a direct JSON reply
// instead of an SSE body.
func prefersJSON(r *http.Request) bool {
	mt, _, err := contenttype.GetAcceptableMediaType(r, acceptableMediaTypes)
	if err != nil {
		return true
	}
	return mt.Matches(jsonMediaType)
}

func containsMethod(msgs []*jsonrpc.AnyMessage, method string) bool {
	for _, msg := range msgs {
		if msg.Method == method {
			return true
		}
	}
	return false
}

// lockedWriteFlusher serializes concurrent writes/flushes and refuses writes
// after the request context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one event: message frame, flushing after the
// terminator.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("event: message\ndata: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment writes a no-op comment frame.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
