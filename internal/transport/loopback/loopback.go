// Package loopback is an in-process transport: clients are plain values that
// exchange JSON frames with the hub through buffered channels. Tests use it
// to drive the adapter without sockets.
package loopback

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/transport"
)

var ErrClosed = errors.New("loopback: connection closed")

// Network is a transport.Hub with an in-memory dialer.
type Network struct {
	*transport.Hub
	buffer int
}

// New wraps hub. buffer bounds the frames a client may have unread before
// the hub starts deferring delivery to it.
func New(hub *transport.Hub, buffer int) *Network {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Network{Hub: hub, buffer: buffer}
}

// Dial performs the HELLO handshake in-process.
func (n *Network) Dial(identityKey, name string) (*Client, error) {
	c := &Client{net: n, in: make(chan []byte, n.buffer), done: make(chan struct{})}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		IdentityKey:     identityKey,
		Name:            name,
	}
	id, err := n.Accept(hello, c)
	if err != nil {
		return nil, err
	}
	c.id = id
	return c, nil
}

// Client is the remote end of one loopback connection.
type Client struct {
	net *Network
	id  string
	in  chan []byte

	mu     sync.Mutex
	closed bool
	reason string
	done   chan struct{}
}

func (c *Client) ConnectionID() string { return c.id }

// Deliver implements transport.Sink.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Frames for a closed client are discarded, not deferred.
		return true
	}
	select {
	case c.in <- frame:
		return true
	default:
		return false
	}
}

// Close implements transport.Sink.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

// Send marshals msg and hands it to the hub as if read off the wire.
func (c *Client) Send(msg any) error {
	if c.isClosed() {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.net.Receive(c.id, b)
}

// SendRaw hands a frame to the hub unchanged.
func (c *Client) SendRaw(frame []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.net.Receive(c.id, frame)
}

// Hangup simulates the client dropping the connection.
func (c *Client) Hangup() {
	c.Close("client hangup")
	c.net.Disconnect(c.id)
}

// Poll returns the next frame without blocking.
func (c *Client) Poll() ([]byte, bool) {
	select {
	case b := <-c.in:
		return b, true
	default:
		return nil, false
	}
}

// Next waits up to timeout for a frame.
func (c *Client) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case b := <-c.in:
		return b, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Drain returns every frame currently buffered.
func (c *Client) Drain() [][]byte {
	var out [][]byte
	for {
		b, ok := c.Poll()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

// Done is closed once the server closes the connection.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ transport.Sink = (*Client)(nil)
