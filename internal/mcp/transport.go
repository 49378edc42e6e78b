package mcp

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport moves encoded JSON-RPC frames between a client and a server.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// pipeEnd is one side of an in-memory duplex pipe.
type pipeEnd struct {
	out  chan []byte
	in   chan []byte
	once *sync.Once
	done chan struct{}
}

// NewPipe returns connected client and server transports backed by in-memory
// channels. Useful for in-process agent sessions and tests.
func NewPipe(buffer int) (client, server Transport) {
	if buffer <= 0 {
		buffer = 16
	}
	a2b := make(chan []byte, buffer)
	b2a := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{out: a2b, in: b2a, once: once, done: done},
		&pipeEnd{out: b2a, in: a2b, once: once, done: done}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- frame:
		return nil
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-p.in:
		return frame, nil
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Serve runs the server loop on a transport until the context ends or the
// transport closes. Notifications produce no reply frame.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	for {
		frame, err := t.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		reply := s.HandleRaw(ctx, frame)
		if reply == nil {
			continue
		}
		if err := t.Send(ctx, reply); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}
	}
}
