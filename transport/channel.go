// Package transport implements the client-side connection layer: a duplex
// message channel over TCP, the keep-alive handshake, and a cache of
// persistent connections with idle-timeout eviction.
//
// The cache is the heart of the package. It hands out one live connection per
// service identifier, negotiates persistence when a connection is first
// opened, and reclaims connections that sit unused past the configured idle
// duration. Callers never dial directly — they resolve a service through the
// cache and get either the cached channel or a freshly handshaken one.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"keepalive-rpc/protocol"
)

// ErrConnectFailed reports that the remote peer was unreachable. It is
// surfaced immediately and never retried.
var ErrConnectFailed = errors.New("transport: connect failed")

// Channel is a duplex message channel with a settable timeout. It carries one
// structured message at a time in each direction; there is no multiplexing.
type Channel interface {
	// Send transmits one message payload.
	Send(payload []byte) error
	// Probe transmits a zero-length liveness frame. The receiver discards it;
	// its only purpose is to surface a write error on a dead connection.
	Probe() error
	// Recv blocks for the next message payload, bounded by the timeout.
	Recv() ([]byte, error)
	// SetTimeout bounds subsequent Send/Recv/Probe operations. Zero or
	// negative means no bound.
	SetTimeout(d time.Duration)
	Close() error
}

// TCPChannel implements Channel over a net.Conn using the protocol framing.
type TCPChannel struct {
	conn net.Conn

	mu      sync.Mutex // guards timeout
	timeout time.Duration
}

// Dial opens a TCP connection to address and wraps it in a channel. The same
// timeout bounds the connection attempt and, initially, channel operations.
func Dial(address string, timeout time.Duration) (*TCPChannel, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, address, err)
	}
	return NewChannel(conn, timeout), nil
}

// NewChannel wraps an established connection. Used by Dial on the client and
// by the server for accepted connections.
func NewChannel(conn net.Conn, timeout time.Duration) *TCPChannel {
	return &TCPChannel{conn: conn, timeout: timeout}
}

func (c *TCPChannel) deadline() time.Time {
	c.mu.Lock()
	t := c.timeout
	c.mu.Unlock()
	if t <= 0 {
		return time.Time{} // no deadline
	}
	return time.Now().Add(t)
}

// Send implements Channel.
func (c *TCPChannel) Send(payload []byte) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return protocol.Encode(c.conn, protocol.FrameData, payload)
}

// Probe implements Channel.
func (c *TCPChannel) Probe() error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return protocol.Encode(c.conn, protocol.FrameProbe, nil)
}

// Recv implements Channel. Probe frames from the peer are discarded — only
// data frames are returned.
func (c *TCPChannel) Recv() ([]byte, error) {
	for {
		if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
			return nil, err
		}
		ft, body, err := protocol.Decode(c.conn)
		if err != nil {
			return nil, err
		}
		if ft == protocol.FrameProbe {
			continue
		}
		return body, nil
	}
}

// SetTimeout implements Channel.
func (c *TCPChannel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Close implements Channel.
func (c *TCPChannel) Close() error {
	return c.conn.Close()
}
