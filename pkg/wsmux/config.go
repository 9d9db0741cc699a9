package wsmux

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Role determines which half of the port number space an endpoint allocates
// from, so that concurrent opens from both ends can never collide.
type Role int

const (
	// RoleClient is the endpoint that initiated the carrier connection.
	// Client endpoints allocate odd port numbers.
	RoleClient Role = iota

	// RoleServer is the endpoint that accepted the carrier connection.
	// Server endpoints allocate even port numbers.
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Default tuning values; see Config.
const (
	DefaultWindowSize             = 16 * 1024
	DefaultMaxFramePayload        = 1024 * 1024
	DefaultKeepAliveInterval      = 30 * time.Second
	DefaultDrainTimeout           = 5 * time.Second
	DefaultAcceptBacklog          = 64
	DefaultWriteBudget            = 32 * 1024
	DefaultOutboundLimit          = 1024 * 1024
	DefaultDatagramQueueDepth     = 128
	DefaultDatagramEnqueueTimeout = 10 * time.Millisecond
	DefaultDatagramChannelMax     = 512
	DefaultDatagramIdleTimeout    = 60 * time.Second
)

// Config carries the tuning knobs for one Multiplexor. The zero value plus a
// Role is usable; unset fields take the documented defaults.
type Config struct {
	// Role selects the port-allocation parity. Required to be correct on
	// exactly one side each of the carrier.
	Role Role

	// WindowSize is the receive-buffer capacity per stream, and therefore
	// the total credit granted to the peer per stream. Default 16 KiB.
	WindowSize int

	// AckThreshold is the number of drained bytes that triggers a credit
	// top-up to the peer. Default WindowSize/2.
	AckThreshold int

	// MaxFramePayload bounds the payload of any single frame, ours or the
	// peer's. Oversize inbound frames are a protocol error. Default 1 MiB.
	MaxFramePayload int

	// KeepAliveInterval is the Ping period. 0 selects the default; a
	// negative value disables keep-alive entirely.
	KeepAliveInterval time.Duration

	// KeepAliveSlack is the extra grace beyond the interval before the
	// carrier is declared dead. Default: equal to the interval.
	KeepAliveSlack time.Duration

	// DrainTimeout bounds how long Close waits for the peer to finish all
	// streams before the carrier is closed anyway. Default 5s.
	DrainTimeout time.Duration

	// AcceptBacklog is the depth of the inbound stream queue; Connects
	// arriving past a full backlog are refused with Reset. Default 64.
	AcceptBacklog int

	// WriteBudget is the per-turn byte budget of the round-robin outbound
	// scheduler. Default 32 KiB.
	WriteBudget int

	// OutboundLimit caps the bytes queued for the carrier before stream
	// writers are uniformly backpressured. Default 1 MiB.
	OutboundLimit int

	// DatagramQueueDepth is the per-channel receive queue depth; datagrams
	// for a full channel are dropped. Default 128.
	DatagramQueueDepth int

	// DatagramEnqueueTimeout bounds how long a datagram send may wait on a
	// saturated outbound queue before the datagram is dropped. Default 10ms.
	DatagramEnqueueTimeout time.Duration

	// DatagramChannelMax caps the number of live datagram channels; the
	// least recently used channel is reaped beyond it. Default 512.
	DatagramChannelMax int

	// DatagramIdleTimeout reaps datagram channels with no traffic for this
	// long. Default 60s.
	DatagramIdleTimeout time.Duration

	// AcceptBinds enables surfacing inbound remote-UDP-bind requests on
	// Multiplexor.BindRequests. When false, Bind requests are denied.
	AcceptBinds bool

	// Clock supplies timers for keep-alive and reaping. Tests substitute a
	// mock; nil selects the wall clock.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.AckThreshold <= 0 || c.AckThreshold > c.WindowSize {
		c.AckThreshold = c.WindowSize / 2
	}
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = DefaultMaxFramePayload
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveSlack <= 0 {
		c.KeepAliveSlack = c.KeepAliveInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = DefaultAcceptBacklog
	}
	if c.WriteBudget <= 0 {
		c.WriteBudget = DefaultWriteBudget
	}
	if c.OutboundLimit <= 0 {
		c.OutboundLimit = DefaultOutboundLimit
	}
	if c.DatagramQueueDepth <= 0 {
		c.DatagramQueueDepth = DefaultDatagramQueueDepth
	}
	if c.DatagramEnqueueTimeout <= 0 {
		c.DatagramEnqueueTimeout = DefaultDatagramEnqueueTimeout
	}
	if c.DatagramChannelMax <= 0 {
		c.DatagramChannelMax = DefaultDatagramChannelMax
	}
	if c.DatagramIdleTimeout <= 0 {
		c.DatagramIdleTimeout = DefaultDatagramIdleTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
