package wsmux

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by this package. Handle operations wrap these so they
// are testable with errors.Is.
var (
	// ErrProtocol indicates a malformed frame, a frame for an unknown
	// stream that is not Reset-recoverable, or a flow-control violation by
	// the peer. Protocol errors are fatal to the carrier.
	ErrProtocol = errors.New("wsmux: protocol error")

	// ErrCarrierLoss indicates the carrier died (send/recv failure or
	// keep-alive timeout). It is reported uniformly to all live streams
	// and datagram channels.
	ErrCarrierLoss = errors.New("wsmux: carrier lost")

	// ErrStreamRefused indicates the peer answered our Connect with Reset.
	ErrStreamRefused = errors.New("wsmux: stream refused by peer")

	// ErrStreamReset indicates the peer abortively closed an established
	// stream.
	ErrStreamReset = errors.New("wsmux: stream reset by peer")

	// ErrPortExhausted indicates no free local port was available for a
	// new stream or datagram channel.
	ErrPortExhausted = errors.New("wsmux: local ports exhausted")

	// ErrQueueFull indicates a datagram was dropped because the outbound
	// queue stayed saturated past the enqueue timeout.
	ErrQueueFull = errors.New("wsmux: outbound queue full, datagram dropped")

	// ErrClosed indicates an operation on a multiplexer, stream or channel
	// that has been shut down locally.
	ErrClosed = errors.New("wsmux: closed")

	// ErrWriteClosed indicates a write after the write half was shut down.
	ErrWriteClosed = errors.New("wsmux: write on closed write half")

	// ErrBindRefused indicates the peer denied a remote UDP bind request.
	ErrBindRefused = errors.New("wsmux: bind refused by peer")
)

func protocolErrorf(f string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(f, args...))
}
