// Package transport defines the duplex message channel the session engine
// runs over, together with an in-process implementation used by the HTTP
// transport internally and by tests.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Recv after the channel is closed.
var ErrClosed = errors.New("transport closed")

// Duplex is a bidirectional, message-oriented channel carrying raw JSON-RPC
// payloads. Implementations must be safe for one concurrent receiver and any
// number of concurrent senders.
type Duplex interface {
	// Recv blocks until the next inbound message arrives, the context ends,
	// or the channel is closed. A closed channel yields ErrClosed.
	Recv(ctx context.Context) ([]byte, error)

	// Send writes one outbound message. It blocks while the peer's inbound
	// buffer is full, applying backpressure to the producer.
	Send(ctx context.Context, msg []byte) error

	// Close tears down both directions. It is idempotent.
	Close() error
}
