// Package wstunnel implements a fast TCP/UDP tunneling proxy transported
// over HTTP WebSockets, built on the wsmux stream multiplexer.
//
// A wstunnel Client connects out to a wstunnel Server with a single
// WebSocket connection and keeps it up with an exponential-backoff
// reconnect loop. Local listeners ("remotes") feed that connection: each
// accepted TCP connection becomes one mux stream, each local UDP socket
// becomes a set of mux datagram channels, a SOCKS5 remote dials mux streams
// on demand, and a stdio remote bridges the process's stdin/stdout to a
// single stream.
//
// The Server side hides behind an ordinary HTTP endpoint: requests that are
// not a correctly keyed WebSocket upgrade fall through to a configurable
// reverse-proxy backend or a plain 404, so the tunnel endpoint is not
// trivially discoverable. For each accepted session the server runs a
// forwarder that dials the requested targets and pipes bytes.
package wstunnel
