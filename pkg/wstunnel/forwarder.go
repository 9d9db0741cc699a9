package wstunnel

import (
	"context"
	"net"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// Forwarder tuning defaults.
const (
	// DefaultDialTimeout bounds the TCP connect for one forwarded stream.
	DefaultDialTimeout = 10 * time.Second

	// DefaultUDPPruneTimeout closes a forwarding UDP socket after this
	// long without a reply from the target.
	DefaultUDPPruneTimeout = 60 * time.Second
)

// Forwarder serves one mux session on the server side: it dials the target
// of every accepted stream and pipes bytes, relays datagram channels to UDP
// sockets, and answers remote-bind requests when enabled.
type Forwarder struct {
	*asyncobj.Helper
	log logger.Logger

	mux   *wsmux.Multiplexor
	stats *ConnStats

	// allow gates forwarding targets ("host:port"); nil allows all.
	allow func(addr string) bool

	allowBind       bool
	dialTimeout     time.Duration
	udpPruneTimeout time.Duration
}

// NewForwarder creates a forwarder for one mux session. allow may be nil to
// permit every target; allowBind enables servicing of remote UDP bind
// requests (the mux must have been configured with AcceptBinds).
func NewForwarder(lg logger.Logger, mux *wsmux.Multiplexor, stats *ConnStats, allow func(addr string) bool, allowBind bool) *Forwarder {
	fw := &Forwarder{
		mux:             mux,
		stats:           stats,
		allow:           allow,
		allowBind:       allowBind,
		dialTimeout:     DefaultDialTimeout,
		udpPruneTimeout: DefaultUDPPruneTimeout,
	}
	fw.log = lg.ForkLogf("forwarder")
	fw.Helper = asyncobj.NewHelper(fw.log, fw)
	fw.SetIsActivated()
	return fw
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (fw *Forwarder) HandleOnceShutdown(completionErr error) error {
	fw.mux.StartShutdown(completionErr)
	fw.mux.WaitShutdown()
	return completionErr
}

// Run serves the session until the mux dies or the context is cancelled.
func (fw *Forwarder) Run(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go fw.acceptDatagramChannels(subCtx)
	if fw.mux.BindRequests() != nil {
		go fw.serveBindRequests(subCtx)
	}
	for {
		stream, err := fw.mux.Accept(subCtx)
		if err != nil {
			fw.DLogf("accept loop ending: %s", err)
			fw.StartShutdown(nil)
			return fw.WaitShutdown()
		}
		go fw.forwardStream(stream)
	}
}

// forwardStream dials the stream's requested target and pipes until both
// directions finish. A target that is denied or unreachable resets the
// stream.
func (fw *Forwarder) forwardStream(stream *wsmux.Stream) {
	addr := joinHostPort(stream.TargetHost().String(), stream.TargetPort())
	id := fw.stats.New()
	if fw.allow != nil && !fw.allow(addr) {
		fw.WLogf("#%d refusing stream to disallowed target %s", id, addr)
		stream.Close()
		return
	}
	conn, err := net.DialTimeout("tcp", addr, fw.dialTimeout)
	if err != nil {
		fw.ILogf("#%d connect to %s failed: %s", id, addr, err)
		stream.Close()
		return
	}
	fw.stats.Open()
	fw.DLogf("#%d forwarding %s -> %s", id, stream, addr)
	sent, rcvd, err := Pipe(fw.log, stream, tcpHalfCloser{conn.(*net.TCPConn)})
	fw.stats.Close(sent, rcvd)
	if err != nil {
		fw.DLogf("#%d session to %s ended after %d/%d bytes: %s", id, addr, sent, rcvd, err)
	} else {
		fw.DLogf("#%d session to %s ended normally %s", id, addr, fw.stats)
	}
}

// tcpHalfCloser adapts *net.TCPConn so Pipe can see its CloseWrite through
// the WriteHalfCloser interface.
type tcpHalfCloser struct {
	*net.TCPConn
}

func (c tcpHalfCloser) CloseWrite() error {
	return c.TCPConn.CloseWrite()
}

// acceptDatagramChannels relays every inbound datagram channel to UDP
// sockets until the session dies.
func (fw *Forwarder) acceptDatagramChannels(ctx context.Context) {
	for {
		ch, err := fw.mux.AcceptDatagramChannel(ctx)
		if err != nil {
			return
		}
		go fw.forwardDatagramChannel(ctx, ch)
	}
}

// forwardDatagramChannel services one datagram channel: one UDP socket per
// distinct target, with replies relayed back and idle sockets pruned.
func (fw *Forwarder) forwardDatagramChannel(ctx context.Context, ch *wsmux.DatagramChannel) {
	defer ch.Close()
	sockets := make(map[string]*net.UDPConn)
	defer func() {
		for _, conn := range sockets {
			conn.Close()
		}
	}()
	for {
		d, err := ch.Recv(ctx)
		if err != nil {
			fw.DLogf("%s relay ending: %s", ch, err)
			return
		}
		addr := joinHostPort(d.Host.String(), d.Port)
		if fw.allow != nil && !fw.allow(addr) {
			fw.WLogf("dropping datagram to disallowed target %s", addr)
			continue
		}
		conn := sockets[addr]
		if conn == nil {
			conn, err = fw.dialUDP(addr)
			if err != nil {
				fw.ILogf("UDP target %s unreachable: %s", addr, err)
				continue
			}
			sockets[addr] = conn
			go fw.relayUDPReplies(ch, conn, d.Host, d.Port)
		}
		if _, err := conn.Write(d.Payload); err != nil {
			fw.DLogf("UDP send to %s failed: %s", addr, err)
			// a pruned socket is closed by its relay; the next datagram
			// for this target dials a fresh one
			delete(sockets, addr)
			conn.Close()
		}
	}
}

func (fw *Forwarder) dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

// relayUDPReplies copies replies from one UDP socket back into the channel
// until the prune timeout passes with no traffic.
func (fw *Forwarder) relayUDPReplies(ch *wsmux.DatagramChannel, conn *net.UDPConn, host wsmux.HostAddr, port uint16) {
	defer conn.Close()
	buf := make([]byte, 65536)
	for {
		conn.SetReadDeadline(time.Now().Add(fw.udpPruneTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				fw.DLogf("pruning idle UDP socket for %s:%d", host, port)
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := ch.Send(host, port, payload); err != nil {
			fw.DLogf("dropping UDP reply from %s:%d: %s", host, port, err)
		}
	}
}

// serveBindRequests answers remote-UDP-bind requests: on grant, a socket is
// bound at the requested address and bridged to the request's flow id.
func (fw *Forwarder) serveBindRequests(ctx context.Context) {
	for {
		var req *wsmux.BindRequest
		select {
		case req = <-fw.mux.BindRequests():
			if req == nil {
				return
			}
		case <-ctx.Done():
			return
		}
		if !fw.allowBind {
			fw.ILogf("denying UDP bind request for %s:%d", req.Host, req.Port)
			req.Deny()
			continue
		}
		fw.grantBind(ctx, req)
	}
}

func (fw *Forwarder) grantBind(ctx context.Context, req *wsmux.BindRequest) {
	addr := joinHostPort(req.Host.String(), req.Port)
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		fw.ILogf("UDP bind at %s failed: %s", addr, err)
		req.Deny()
		return
	}
	if err := req.Grant(); err != nil {
		pc.Close()
		return
	}
	fw.ILogf("UDP socket bound at %s for flow %d", addr, req.FlowID)
	ch := fw.mux.DatagramChannel(req.FlowID)
	go fw.runBoundSocket(ctx, pc.(*net.UDPConn), ch)
}

// runBoundSocket bridges a remotely requested UDP socket: packets received
// on the socket flow to the peer tagged with their origin; datagrams from
// the peer are sent out the socket to the addressed origin.
func (fw *Forwarder) runBoundSocket(ctx context.Context, conn *net.UDPConn, ch *wsmux.DatagramChannel) {
	defer conn.Close()
	defer ch.Close()
	go func() {
		buf := make([]byte, 65536)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			host := wsmux.ParseHostAddr(raddr.IP.String())
			if err := ch.Send(host, uint16(raddr.Port), payload); err != nil {
				fw.DLogf("dropping inbound packet from %s: %s", raddr, err)
			}
		}
	}()
	for {
		d, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		raddr, err := net.ResolveUDPAddr("udp", joinHostPort(d.Host.String(), d.Port))
		if err != nil {
			continue
		}
		conn.WriteToUDP(d.Payload, raddr)
	}
}
