package streaminghttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamware/mcp-session-go/broker"
	"github.com/streamware/mcp-session-go/internal/jsonrpc"
	"github.com/streamware/mcp-session-go/session"
	"github.com/streamware/mcp-session-go/storage"
	"github.com/streamware/mcp-session-go/transport"
)

// liveSession is one tracked stateful session: the server session running
// against its end of the pipe, the HTTP-facing end, and the routing table
// mapping outstanding request IDs to the POST connection awaiting each
// response.
type liveSession struct {
	id      string
	srv     *session.ServerSession
	httpEnd transport.Duplex
	cancel  context.CancelFunc
	log     *slog.Logger

	mu              sync.Mutex
	waiters         map[string]chan []byte
	lastActivity    time.Time
	protocolVersion string
	terminated      bool
}

// registerWaiter claims the response for a request ID on behalf of one POST
// connection. The channel has capacity 1 so the pump never blocks delivering.
func (ls *liveSession) registerWaiter(requestID string) chan []byte {
	ch := make(chan []byte, 1)
	ls.mu.Lock()
	ls.waiters[requestID] = ch
	ls.mu.Unlock()
	return ch
}

func (ls *liveSession) dropWaiter(requestID string) {
	ls.mu.Lock()
	delete(ls.waiters, requestID)
	ls.mu.Unlock()
}

func (ls *liveSession) takeWaiter(requestID string) chan []byte {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ch := ls.waiters[requestID]
	if ch != nil {
		delete(ls.waiters, requestID)
	}
	return ch
}

func (ls *liveSession) touch(now time.Time) {
	ls.mu.Lock()
	ls.lastActivity = now
	ls.mu.Unlock()
}

func (ls *liveSession) idleSince() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastActivity
}

func (ls *liveSession) setProtocolVersion(v string) {
	ls.mu.Lock()
	ls.protocolVersion = v
	ls.mu.Unlock()
}

func (ls *liveSession) negotiatedVersion() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.protocolVersion
}

// close tears the session down. Idempotent.
func (ls *liveSession) close() {
	ls.mu.Lock()
	if ls.terminated {
		ls.mu.Unlock()
		return
	}
	ls.terminated = true
	ls.mu.Unlock()
	ls.cancel()
	ls.srv.Close()
	_ = ls.httpEnd.Close()
}

// pump forwards the session's outbound messages. A response owned by a
// waiting POST connection is routed to it directly; everything else, server
// initiated requests and notifications included, is published to the
// session's broker namespace for delivery on the SSE GET stream. Responses
// with no registered owner take the same broadcast path, documented
// best-effort.
func (ls *liveSession) pump(ctx context.Context, b broker.Broker) {
	for {
		raw, err := ls.httpEnd.Recv(ctx)
		if err != nil {
			return
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			ls.log.WarnContext(ctx, "session.pump.decode_fail", slog.String("err", err.Error()))
			continue
		}

		if resp := msg.AsResponse(); resp != nil && msg.Method == "" {
			if ch := ls.takeWaiter(resp.ID.String()); ch != nil {
				ch <- raw
				continue
			}
		}

		if _, err := b.Publish(ctx, ls.id, raw); err != nil {
			ls.log.WarnContext(ctx, "session.pump.publish_fail", slog.String("err", err.Error()))
		}
	}
}

// sessionRecord is the metadata persisted per stateful session so DELETE
// validation and observability survive outside process memory.
type sessionRecord struct {
	SessionID       string    `json:"sessionId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
}

// sessionManager tracks live stateful sessions and runs the idle reaper.
type sessionManager struct {
	log   *slog.Logger
	clock clockwork.Clock
	store storage.Store

	idleTimeout   time.Duration
	sweepInterval time.Duration
	reapThreshold int

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func newSessionManager(log *slog.Logger, clock clockwork.Clock, store storage.Store, idleTimeout, sweepInterval time.Duration, reapThreshold int) *sessionManager {
	return &sessionManager{
		log:           log,
		clock:         clock,
		store:         store,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		reapThreshold: reapThreshold,
		sessions:      make(map[string]*liveSession),
	}
}

func (m *sessionManager) add(ls *liveSession) {
	m.mu.Lock()
	m.sessions[ls.id] = ls
	m.mu.Unlock()
}

func (m *sessionManager) get(id string) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// remove untracks the session. It reports whether the session was present,
// so a crashed run loop and an explicit DELETE never double-terminate.
func (m *sessionManager) remove(id string) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return ls, ok
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *sessionManager) all() []*liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		out = append(out, ls)
	}
	return out
}

// persist writes the session's metadata record. Best effort: a storage
// failure is logged, never surfaced to the request path.
func (m *sessionManager) persist(ctx context.Context, ls *liveSession) {
	rec := sessionRecord{
		SessionID:       ls.id,
		LastActivity:    ls.idleSince(),
		ProtocolVersion: ls.negotiatedVersion(),
	}
	item, err := m.store.Get(ctx, ls.id)
	if err == nil && item != nil {
		var prev sessionRecord
		if json.Unmarshal(item.Data, &prev) == nil {
			rec.CreatedAt = prev.CreatedAt
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock.Now()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, ls.id, raw, 0); err != nil {
		m.log.WarnContext(ctx, "session.record.persist_fail", slog.String("err", err.Error()))
	}
}

// reapLoop wakes on a fixed interval. The threshold gate keeps the sweep free
// in the common low-session-count case: below it, nothing is ever reaped no
// matter how idle.
func (m *sessionManager) reapLoop(ctx context.Context, b broker.Broker) {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.sweep(ctx, b)
		case <-ctx.Done():
			return
		}
	}
}

func (m *sessionManager) sweep(ctx context.Context, b broker.Broker) {
	if m.count() <= m.reapThreshold {
		return
	}
	cutoff := m.clock.Now().Add(-m.idleTimeout)
	for _, ls := range m.all() {
		if ls.idleSince().After(cutoff) {
			continue
		}
		if _, ok := m.remove(ls.id); !ok {
			continue
		}
		ls.close()
		_ = b.Cleanup(ctx, ls.id)
		_ = m.store.Delete(ctx, ls.id)
		m.log.InfoContext(ctx, "session.reap", slog.String("session_id", ls.id))
	}
}
