package wstunnel

import (
	"context"
	"io/ioutil"
	"log"
	"net"
	"os"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// remoteHandler runs one configured remote for the life of the client,
// spanning session reconnects.
type remoteHandler struct {
	log    logger.Logger
	client *Client
	remote *Remote
}

func newRemoteHandler(c *Client, r *Remote) (*remoteHandler, error) {
	return &remoteHandler{
		log:    c.log.ForkLogf("%s", r),
		client: c,
		remote: r,
	}, nil
}

func (h *remoteHandler) run(ctx context.Context) {
	var err error
	switch {
	case h.remote.Stdio:
		err = h.runStdio(ctx)
	case h.remote.Socks:
		err = h.runSocks(ctx)
	case h.remote.Proto == ProtoUDP:
		err = h.runUDP(ctx)
	default:
		err = h.runTCP(ctx)
	}
	if err != nil && ctx.Err() == nil && !h.client.IsStartedShutdown() {
		h.log.ELogf("remote failed: %s", err)
		h.client.StartShutdown(err)
	}
}

// runTCP listens on the local address and opens one stream per accepted
// connection.
func (h *remoteHandler) runTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.remote.LocalAddr())
	if err != nil {
		return err
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	h.log.ILogf("Listening on %s", h.remote.LocalAddr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || h.client.IsStartedShutdown() {
				return nil
			}
			return err
		}
		go h.serveTCPConn(ctx, conn.(*net.TCPConn))
	}
}

func (h *remoteHandler) serveTCPConn(ctx context.Context, conn *net.TCPConn) {
	id := h.client.connStats.New()
	stream, err := h.client.openStream(ctx, h.remote.RemoteHost, h.remote.RemotePort)
	if err != nil {
		h.log.ILogf("#%d cannot open stream: %s", id, err)
		conn.Close()
		return
	}
	h.client.connStats.Open()
	h.log.DLogf("#%d %s -> %s", id, conn.RemoteAddr(), stream)
	sent, rcvd, err := Pipe(h.log, tcpHalfCloser{conn}, stream)
	h.client.connStats.Close(sent, rcvd)
	if err != nil {
		h.log.DLogf("#%d closed after %d/%d bytes: %s", id, sent, rcvd, err)
	} else {
		h.log.DLogf("#%d closed %s", id, h.client.connStats.String())
	}
}

// runUDP binds the local UDP socket and relays packets through one datagram
// channel per local client address, so replies find their way back.
func (h *remoteHandler) runUDP(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", h.remote.LocalAddr())
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer socket.Close()
	go func() {
		<-ctx.Done()
		socket.Close()
	}()
	h.log.ILogf("Bound on %s", h.remote.LocalAddr())

	host := wsmux.ParseHostAddr(h.remote.RemoteHost)

	var mu sync.Mutex
	flows := make(map[string]*wsmux.DatagramChannel)

	buf := make([]byte, 65536)
	for {
		n, caddr, err := socket.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || h.client.IsStartedShutdown() {
				return nil
			}
			return err
		}
		key := caddr.String()
		mu.Lock()
		ch := flows[key]
		mu.Unlock()
		if ch == nil || ch.IsStartedShutdown() {
			mux, err := h.client.currentMux(ctx)
			if err != nil {
				return err
			}
			ch, err = mux.OpenDatagramChannel()
			if err != nil {
				h.log.WLogf("cannot open datagram channel: %s", err)
				continue
			}
			mu.Lock()
			flows[key] = ch
			mu.Unlock()
			returnAddr := *caddr
			go func(ch *wsmux.DatagramChannel) {
				h.relayUDPReplies(ctx, socket, ch, &returnAddr)
				mu.Lock()
				if flows[key] == ch {
					delete(flows, key)
				}
				mu.Unlock()
			}(ch)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := ch.Send(host, h.remote.RemotePort, payload); err != nil {
			h.log.DLogf("dropped outbound datagram: %s", err)
		}
	}
}

// relayUDPReplies copies datagrams arriving on the channel back to the
// local client that owns the flow.
func (h *remoteHandler) relayUDPReplies(ctx context.Context, socket *net.UDPConn, ch *wsmux.DatagramChannel, caddr *net.UDPAddr) {
	defer ch.Close()
	for {
		d, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		if _, err := socket.WriteToUDP(d.Payload, caddr); err != nil {
			return
		}
	}
}

// runSocks serves SOCKS5 on the local address, dialing every CONNECT
// through the tunnel.
func (h *remoteHandler) runSocks(ctx context.Context) error {
	conf := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network != "tcp" {
				return nil, h.log.Errorf("unsupported network '%s'", network)
			}
			hostStr, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := parsePort(portStr)
			if err != nil {
				return nil, err
			}
			stream, err := h.client.openStream(ctx, hostStr, port)
			if err != nil {
				return nil, err
			}
			return stream.NetConn(), nil
		},
		Logger: log.New(ioutil.Discard, "", 0),
	}
	if h.log.GetLogLevel() >= logger.LogLevelDebug {
		conf.Logger = log.New(os.Stderr, "[socks] ", log.Ldate|log.Ltime)
	}
	server, err := socks5.New(conf)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", h.remote.LocalAddr())
	if err != nil {
		return err
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	h.log.ILogf("SOCKS5 listening on %s", h.remote.LocalAddr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || h.client.IsStartedShutdown() {
				return nil
			}
			return err
		}
		go func() {
			if err := server.ServeConn(conn); err != nil {
				h.log.DLogf("socks connection ended: %s", err)
			}
		}()
	}
}

// runStdio bridges the process's stdin/stdout to a single stream, opened
// once a session is up. When that stream ends the client shuts down; no
// further stream is opened.
func (h *remoteHandler) runStdio(ctx context.Context) error {
	stream, err := h.client.openStream(ctx, h.remote.RemoteHost, h.remote.RemotePort)
	if err != nil {
		return err
	}
	h.log.DLogf("stdio -> %s", stream)
	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				stream.CloseWrite()
				break
			}
		}
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	stream.Close()
	// stdio is one-shot: when the stream ends, the client's work is done
	h.client.StartShutdown(nil)
	return nil
}
