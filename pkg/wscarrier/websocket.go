// Package wscarrier provides wsmux.Carrier adapters: a WebSocket adapter
// (the normal transport), a length-prefixed adapter over any net.Conn, and
// an in-memory pair for tests.
package wscarrier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// closeWriteTimeout bounds how long Close waits to deliver the WebSocket
// close frame.
const closeWriteTimeout = 5 * time.Second

// WebSocketCarrier adapts one gorilla WebSocket connection to the
// wsmux.Carrier contract. Each mux frame travels as one binary message;
// text messages from the peer are a protocol violation.
type WebSocketCarrier struct {
	conn *websocket.Conn

	// writeMu serializes WriteMessage with the close frame sent by Close;
	// gorilla connections support one concurrent writer only.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketCarrier wraps an already-established WebSocket connection.
// The carrier takes ownership of the connection.
func NewWebSocketCarrier(conn *websocket.Conn) *WebSocketCarrier {
	return &WebSocketCarrier{conn: conn}
}

// ReadMessage blocks for the next binary message from the peer.
func (c *WebSocketCarrier) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, wsmux.ErrCarrierNormalClose
			}
			return nil, err
		}
		switch msgType {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			return nil, fmt.Errorf("%w: unexpected text message on carrier", wsmux.ErrProtocol)
		default:
			// gorilla handles ping/pong/close internally; anything else
			// surfacing here is ignorable
			continue
		}
	}
}

// WriteMessage sends one binary message.
func (c *WebSocketCarrier) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a WebSocket close frame (status 1000 for a normal close, 1011
// otherwise) and closes the underlying connection. It unblocks a pending
// ReadMessage.
func (c *WebSocketCarrier) Close(normal bool) error {
	c.closeOnce.Do(func() {
		status := websocket.CloseNormalClosure
		if !normal {
			status = websocket.CloseInternalServerErr
		}
		msg := websocket.FormatCloseMessage(status, "")
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
