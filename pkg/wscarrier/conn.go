package wscarrier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// ConnCarrier frames mux messages over any reliable byte stream with a
// 32-bit big-endian length prefix. It exists for transports that are
// already private and ordered (unix sockets, stdio pipes, test socket
// pairs) where a WebSocket layer would add nothing.
type ConnCarrier struct {
	conn net.Conn

	// maxMessage bounds an inbound message's declared length; a peer
	// announcing more is treated as a framing error.
	maxMessage int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DefaultMaxMessage bounds inbound messages for NewConnCarrier; it leaves
// headroom above the mux's default 1 MiB payload limit for frame headers.
const DefaultMaxMessage = 1024*1024 + 1024

// NewConnCarrier wraps conn. maxMessage of 0 selects DefaultMaxMessage.
// The carrier takes ownership of the connection.
func NewConnCarrier(conn net.Conn, maxMessage int) *ConnCarrier {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}
	return &ConnCarrier{conn: conn, maxMessage: maxMessage}
}

// ReadMessage blocks for the next length-prefixed message.
func (c *ConnCarrier) ReadMessage() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, wsmux.ErrCarrierNormalClose
		}
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > c.maxMessage {
		return nil, fmt.Errorf("%w: inbound message of %d bytes exceeds limit %d", wsmux.ErrProtocol, n, c.maxMessage)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage sends one length-prefixed message.
func (c *ConnCarrier) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// Close closes the underlying connection; there is no close status to
// convey on a raw byte stream.
func (c *ConnCarrier) Close(normal bool) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
