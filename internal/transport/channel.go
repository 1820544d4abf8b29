// Package transport binds the frame format and a codec to a pair of byte
// streams, typically a worker's stdin and stdout.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/benaskins/sandcastle/internal/protocol"
)

// DecodeError reports a frame that arrived intact but whose payload could
// not be decoded.
type DecodeError struct {
	ID  uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame %d: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Channel sends and receives envelopes. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Channel struct {
	r     *bufio.Reader
	codec protocol.Codec

	mu sync.Mutex
	w  io.WriteCloser
}

// New returns a channel that reads frames from r and writes them to w.
func New(r io.Reader, w io.WriteCloser, codec protocol.Codec) *Channel {
	return &Channel{
		r:     bufio.NewReaderSize(r, 64<<10),
		w:     w,
		codec: codec,
	}
}

// Send encodes and writes one envelope.
func (c *Channel) Send(env protocol.Envelope) error {
	payload, err := c.codec.Marshal(env.Command)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteFrame(c.w, env.ID, payload); err != nil {
		return fmt.Errorf("writing %s frame %d: %w", env.Command.Kind(), env.ID, err)
	}
	return nil
}

// Receive blocks for the next envelope. It returns io.EOF when the peer
// closed its side cleanly and a *DecodeError for an undecodable payload.
func (c *Channel) Receive() (protocol.Envelope, error) {
	id, payload, err := protocol.ReadFrame(c.r)
	if err != nil {
		return protocol.Envelope{ID: id}, err
	}
	cmd, err := c.codec.Unmarshal(payload)
	if err != nil {
		return protocol.Envelope{ID: id}, &DecodeError{ID: id, Err: err}
	}
	return protocol.Envelope{ID: id, Command: cmd}, nil
}

// Close closes the write side. The peer observes EOF.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Close()
}
