package wsmux

import "errors"

// Carrier is the capability interface to the underlying transport: a single
// bidirectional connection with reliable, ordered, message-framed delivery.
// A WebSocket connection is the usual implementation (see package
// wscarrier), but the multiplexer never assumes one.
//
// The Multiplexor is the only reader and the only writer of its Carrier;
// implementations need not support concurrent calls to the same method, but
// ReadMessage, WriteMessage and Close may each be called from different
// goroutines.
type Carrier interface {
	// ReadMessage blocks until one complete binary message is available
	// and returns it. A carrier failure is reported with any non-nil
	// error; a clean close by the peer is reported with
	// ErrCarrierNormalClose.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete binary message.
	WriteMessage(data []byte) error

	// Close tears the carrier down. normal selects a clean close status
	// (the peer sees an orderly end of session) versus an error status.
	// Close unblocks a pending ReadMessage.
	Close(normal bool) error
}

// ErrCarrierNormalClose is returned by Carrier.ReadMessage when the peer
// closed the carrier cleanly. The multiplexer treats it as end of session
// rather than as a carrier failure.
var ErrCarrierNormalClose = errors.New("wsmux: carrier closed by peer")
