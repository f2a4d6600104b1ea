package transport

import (
	"context"
	"sync"
)

// pipeBuffer is the per-direction message buffer of an in-process pipe. The
// bound keeps a slow reader from letting the writer queue grow without limit.
const pipeBuffer = 32

type pipeEnd struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// Pipe returns two connected duplex channels: everything sent on one side is
// received by the other. Both ends share a close signal so closing either
// side terminates the pair.
func Pipe() (Duplex, Duplex) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeEnd{in: ba, out: ab, done: aDone, peerDone: bDone}
	b := &pipeEnd{in: ab, out: ba, done: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	// Drain buffered messages even after a close so nothing in flight is
	// dropped; only report closure once the buffer is empty.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	case <-p.peerDone:
		return nil, ErrClosed
	}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
