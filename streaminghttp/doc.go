// Package streaminghttp implements the MCP streaming HTTP transport. It
// mounts as a standard net/http handler: POST carries client JSON-RPC
// messages in (answered directly as JSON or as a Server-Sent Events body),
// GET opens the long-lived resumable SSE stream carrying server-initiated
// traffic, and DELETE terminates a session.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "/mcp",
//	    func(s *session.ServerSession) {
//	        s.Handle("tools/list", listTools)
//	    },
//	    streaminghttp.WithBroker(redisbroker.New(cfg)),
//	)
//
// # Sessions
//
// A header-less POST carrying an initialize request mints a session; its ID
// rides back in the Mcp-Session-Id header and every later request must echo
// it. Each live session owns one in-process duplex pipe with a session engine
// on the far end; responses to client requests are routed back to the POST
// connection that sent them, while everything else is published to the
// session's broker namespace and delivered on the GET stream, replayable via
// Last-Event-ID.
//
// In stateless mode every POST runs against a throwaway pre-initialized
// session and no session header is ever issued.
//
// # Scaling
//
// Horizontal scale relies on a shared broker and session store (the Redis
// implementations). Event IDs and replay come from the broker, so a client
// may resume its stream against any node.
package streaminghttp
