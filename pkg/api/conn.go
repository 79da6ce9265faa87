package api

import (
	"io"
	"sync"
)

// MessageConn is a persistent bidirectional message channel between a worker
// and the coordinator. The concrete transport is chosen by the embedding
// application; implementations must preserve message boundaries and be safe
// for one concurrent reader plus one concurrent writer.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// MessagePipe returns two connected in-memory MessageConn halves.
// Writes on one half are read from the other. Used by the fake worker
// fleet and by tests; both halves report io.EOF once either is closed.
func MessagePipe() (MessageConn, MessageConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	a := &pipeConn{in: ba, out: ab, done: done}
	b := &pipeConn{in: ab, out: ba, done: done}
	a.closeOnce = &sync.Once{}
	b.closeOnce = a.closeOnce
	return a, b
}

type pipeConn struct {
	in        <-chan []byte
	out       chan<- []byte
	done      chan struct{}
	closeOnce *sync.Once
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		// Drain messages written before close.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
