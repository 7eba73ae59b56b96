package handshake

import (
	"context"
	"sync"

	"inffits/internal/logctx"
)

// Transport posts a message to the other window. Delivery order is not guaranteed.
type Transport interface {
	Post(ctx context.Context, msg Message) error
}

// Endpoint is one side of an in-process window pair. Messages cross as encoded
// JSON, the same shape postMessage carries.
type Endpoint struct {
	peer  *Endpoint
	inbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewPipe returns two connected endpoints, conventionally parent and iframe.
func NewPipe(buffer int) (*Endpoint, *Endpoint) {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Endpoint{inbox: make(chan []byte, buffer), done: make(chan struct{})}
	b := &Endpoint{inbox: make(chan []byte, buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (e *Endpoint) Post(ctx context.Context, msg Message) error {
	blob, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case e.peer.inbox <- blob:
		return nil
	case <-e.peer.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen decodes incoming messages and hands each to deliver until ctx ends or
// the endpoint is closed. Undecodable payloads are logged and dropped.
func (e *Endpoint) Listen(ctx context.Context, deliver func(context.Context, Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case blob := <-e.inbox:
			msg, err := Decode(blob)
			if err != nil {
				logctx.From(ctx).Debug("dropping message", "err", err)
				continue
			}
			deliver(ctx, msg)
		}
	}
}

func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}
