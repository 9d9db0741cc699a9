package wsmux

// Thin wrapper to make a Stream look enough like a net.Conn to satisfy
// libraries that only take net.Conn connections (the socks5 server, for
// one). Also exposes CloseWrite, which is not part of net.Conn but is
// explicitly checked for by such libraries. Not a full wrapping.

import (
	"fmt"
	"net"
	"time"
)

type streamNetConn struct {
	*Stream
}

// NetConn wraps the stream so it satisfies net.Conn. Deadlines are not
// supported and are silently ignored.
func (s *Stream) NetConn() net.Conn {
	return &streamNetConn{Stream: s}
}

type muxAddr struct {
	port uint32
}

func (a muxAddr) Network() string { return "wsmux" }
func (a muxAddr) String() string  { return fmt.Sprintf("wsmux:%d", a.port) }

// LocalAddr reports an unspecified TCP address: a stream has no local IP
// endpoint, and the socks5 server type-asserts this address to
// *net.TCPAddr.
func (c *streamNetConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero}
}

func (c *streamNetConn) RemoteAddr() net.Addr {
	return muxAddr{port: c.remotePort}
}

func (c *streamNetConn) SetDeadline(t time.Time) error {
	return nil //no-op
}

func (c *streamNetConn) SetReadDeadline(t time.Time) error {
	return nil //no-op
}

func (c *streamNetConn) SetWriteDeadline(t time.Time) error {
	return nil //no-op
}
