// Package broker provides the per-session ordered message stream backing
// SSE delivery and resumption. Each session maps to one namespace; events
// published to it carry monotonically increasing IDs so a reconnecting
// consumer can resume from the last event it saw.
package broker

import (
	"context"
	"errors"
)

// ErrNamespaceClosed indicates the namespace was cleaned up.
var ErrNamespaceClosed = errors.New("broker: namespace closed")

// Envelope wraps one published message with its delivery metadata.
type Envelope struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Data is the serialized message.
	Data []byte `json:"data"`
}

// Stream is an ordered consumer of one namespace. A Stream is owned by a
// single consumer.
type Stream interface {
	// Next blocks until the next envelope is available, the context ends, or
	// the stream closes. It returns io.EOF once the stream is closed and
	// drained.
	Next(ctx context.Context) (Envelope, error)

	// Close releases the stream. Subsequent Next calls return io.EOF.
	Close() error
}

// Broker queues and delivers messages per namespace with ordered delivery
// inside each namespace.
type Broker interface {
	// Publish appends data to the namespace and returns the generated event
	// ID.
	Publish(ctx context.Context, namespace string, data []byte) (string, error)

	// Subscribe opens a stream over the namespace. A non-empty lastEventID
	// resumes delivery from the event after it; events recorded since are
	// replayed in order before live delivery continues. An unknown
	// lastEventID starts live, without replay.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (Stream, error)

	// Cleanup drops the namespace: stored events are discarded and open
	// streams are closed.
	Cleanup(ctx context.Context, namespace string) error
}
