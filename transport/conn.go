// Package transport wraps a single TCP connection with the frame codec.
//
// Conn is deliberately thin: it validates the address, dials, serializes
// frame writes, and hands complete inbound frames upward. All protocol
// logic lives in the client and server packages.
package transport

import (
	"fmt"
	"net"
	"sync"

	"duplex-rpc/codec"
)

// Conn is one physical connection to the peer.
type Conn struct {
	conn   net.Conn
	framer *codec.Framer
	// writeMu serializes whole-frame writes. Requests, replies, and
	// notifications are written from different goroutines over the same
	// connection; without the lock their bytes would interleave.
	writeMu sync.Mutex
}

// Dial validates address as "host:port" and opens a TCP connection to it.
func Dial(address string) (*Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", address, err)
	}
	if host == "" || port == "" {
		return nil, fmt.Errorf("transport: invalid address %q: host and port required", address)
	}
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// NewConn wraps an established connection. Used by the server side, where
// the listener already produced the net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, framer: codec.NewFramer(conn)}
}

// ReadFrame returns the next complete inbound frame. Only one goroutine
// may call ReadFrame; the byte stream has a single cursor.
func (c *Conn) ReadFrame() ([]byte, error) {
	return c.framer.ReadFrame()
}

// WriteEnvelope encodes one envelope and writes the whole frame atomically
// with respect to other writers on this connection.
func (c *Conn) WriteEnvelope(v any) error {
	frame, err := codec.EncodeFrame(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// Close finalizes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
