// Package wsmux implements a stream multiplexer layered above a single
// reliable, ordered, message-framed transport (the "carrier"), typically one
// WebSocket connection. It turns the carrier into many concurrent,
// independently flow-controlled byte streams (for TCP-like forwarding) and
// message-oriented datagram channels (for UDP forwarding), symmetrically on
// both the client (initiator) and server (acceptor) sides.
//
// A Multiplexor owns the carrier and runs three background tasks: a reader
// that dispatches inbound frames to streams and datagram channels, a writer
// that is the only goroutine permitted to send on the carrier, and a
// keep-alive ticker that probes the carrier with Ping frames and tears the
// session down when the peer stops answering.
//
// Flow control is credit-based and hop-by-hop. Each stream's receiver grants
// the peer a byte budget (its receive buffer capacity) and tops it up with
// credit frames as the local reader drains the buffer; a writer never has
// more bytes in flight than the credit it has been granted.
//
// The carrier is a capability interface (recv/send/close); this package
// never names a concrete WebSocket type. See the wscarrier package for
// adapters.
package wsmux
