package wstunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wscarrier"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// ClientConfig is the configuration for a tunnel client.
type ClientConfig struct {
	// Server is the tunnel server URL; http(s) schemes are rewritten to
	// ws(s), and a default port is applied when missing.
	Server string

	// Remotes are the remote descriptor strings (see ParseRemote).
	Remotes []string

	// PSK is sent in the PSK header when nonempty.
	PSK string

	// Auth is an optional "user:pass" pair sent as HTTP Basic auth.
	Auth string

	// Headers are extra headers for the upgrade request; HostHeader
	// overrides the Host.
	Headers    http.Header
	HostHeader string

	// HTTPProxy optionally routes the connection through an HTTP CONNECT
	// proxy.
	HTTPProxy string

	// MaxRetryCount caps reconnect attempts (negative means unlimited);
	// MaxRetryInterval caps the backoff delay.
	MaxRetryCount    int
	MaxRetryInterval time.Duration

	// HandshakeTimeout bounds the WebSocket handshake. Default 45s.
	HandshakeTimeout time.Duration

	Debug bool

	// Mux overrides mux tuning; Role is forced to RoleClient.
	Mux wsmux.Config
}

// Client is a tunnel client: it keeps one WebSocket session to the server
// up (reconnecting with exponential backoff) and runs the configured local
// remotes over it.
type Client struct {
	*asyncobj.Helper
	log logger.Logger

	config  *ClientConfig
	server  string
	remotes []*Remote

	httpProxyURL *url.URL
	connStats    ConnStats

	// muxReady is replaced each time the session drops; waiters retry
	// through currentMux until a fresh mux is installed.
	mux      *wsmux.Multiplexor
	muxReady chan struct{}

	// quit is closed when shutdown begins.
	quit chan struct{}
}

// NewClient creates a new tunnel client.
func NewClient(config *ClientConfig) (*Client, error) {
	logLevel := logger.LogLevelInfo
	if config.Debug {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(logger.WithPrefix("client"), logger.WithLogLevel(logLevel))
	if err != nil {
		return nil, err
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 45 * time.Second
	}
	server := config.Server
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	//apply default port
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	remotes, err := ParseRemotes(config.Remotes)
	if err != nil {
		return nil, err
	}
	if len(remotes) == 0 {
		return nil, fmt.Errorf("%s: at least one remote is required", lg.Prefix())
	}
	c := &Client{
		log:      lg,
		config:   config,
		server:   u.String(),
		remotes:  remotes,
		muxReady: make(chan struct{}),
		quit:     make(chan struct{}),
	}
	c.Helper = asyncobj.NewHelper(lg, c)
	c.SetIsActivated()
	if p := config.HTTPProxy; p != "" {
		c.httpProxyURL, err = url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid proxy URL (%s)", lg.Prefix(), err)
		}
	}
	return c, nil
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	close(c.quit)
	c.Lock.Lock()
	mux := c.mux
	c.Lock.Unlock()
	if mux != nil {
		mux.StartShutdown(completionErr)
		mux.WaitShutdown()
	}
	return completionErr
}

// Run starts the client and blocks until it shuts down.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.StartShutdown(err)
		return c.WaitShutdown()
	}
	go func() {
		select {
		case <-ctx.Done():
			c.StartShutdown(ctx.Err())
		case <-c.quit:
		}
	}()
	return c.WaitShutdown()
}

// Start launches the remote handlers and the connection loop without
// blocking.
func (c *Client) Start(ctx context.Context) error {
	via := ""
	if c.httpProxyURL != nil {
		via = " via " + c.httpProxyURL.String()
	}
	c.log.ILogf("Connecting to %s%s", c.server, via)
	for _, r := range c.remotes {
		h, err := newRemoteHandler(c, r)
		if err != nil {
			return err
		}
		go h.run(ctx)
	}
	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop dials the server, runs one mux session to completion, and
// reconnects with exponential backoff until shutdown or the retry budget is
// spent.
func (c *Client) connectionLoop(ctx context.Context) {
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for !c.IsStartedShutdown() {
		mux, err := c.connectOnce(ctx)
		if err != nil {
			attempt := int(b.Attempt())
			maxAttempt := c.config.MaxRetryCount
			if maxAttempt >= 0 && attempt >= maxAttempt {
				c.log.ILogf("Giving up after %d attempts: %s", attempt, err)
				c.StartShutdown(err)
				return
			}
			d := b.Duration()
			c.log.ILogf("Connection error: %s (retrying in %s)", err, d)
			select {
			case <-time.After(d):
				continue
			case <-c.quit:
				return
			case <-ctx.Done():
				c.StartShutdown(ctx.Err())
				return
			}
		}
		b.Reset()
		c.installMux(mux)
		err = mux.WaitShutdown()
		c.clearMux()
		if c.IsStartedShutdown() {
			return
		}
		if err != nil {
			c.log.ILogf("Disconnected: %s", err)
		} else {
			c.log.ILogf("Disconnected")
		}
	}
}

// connectOnce performs one WebSocket handshake and wraps it in a mux.
func (c *Client) connectOnce(ctx context.Context) (*wsmux.Multiplexor, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: c.config.HandshakeTimeout,
		Subprotocols:     []string{ProtocolVersion},
	}
	//optionally CONNECT proxy
	if c.httpProxyURL != nil {
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return c.httpProxyURL, nil
		}
	}
	wsHeaders := http.Header{}
	for k, vs := range c.config.Headers {
		for _, v := range vs {
			wsHeaders.Add(k, v)
		}
	}
	if c.config.PSK != "" {
		wsHeaders.Set(PSKHeader, c.config.PSK)
	}
	if c.config.Auth != "" {
		user, pass := ParseAuth(c.config.Auth)
		r := &http.Request{Header: wsHeaders}
		r.SetBasicAuth(user, pass)
	}
	if c.config.HostHeader != "" {
		wsHeaders.Set("Host", c.config.HostHeader)
	}
	t0 := time.Now()
	wsConn, _, err := d.DialContext(ctx, c.server, wsHeaders)
	if err != nil {
		return nil, err
	}
	if proto := wsConn.Subprotocol(); proto != ProtocolVersion {
		wsConn.Close()
		return nil, fmt.Errorf("server selected unexpected subprotocol '%s'", proto)
	}
	c.log.ILogf("Connected (latency %s)", time.Since(t0))
	carrier := wscarrier.NewWebSocketCarrier(wsConn)
	cfg := c.config.Mux
	cfg.Role = wsmux.RoleClient
	return wsmux.NewMultiplexor(c.log, carrier, cfg), nil
}

func (c *Client) installMux(mux *wsmux.Multiplexor) {
	c.Lock.Lock()
	c.mux = mux
	ready := c.muxReady
	c.Lock.Unlock()
	close(ready)
}

func (c *Client) clearMux() {
	c.Lock.Lock()
	c.mux = nil
	c.muxReady = make(chan struct{})
	c.Lock.Unlock()
}

// currentMux blocks until a live mux session is available. Remote handlers
// call it for every new local connection, so they transparently span
// reconnects.
func (c *Client) currentMux(ctx context.Context) (*wsmux.Multiplexor, error) {
	for {
		c.Lock.Lock()
		mux := c.mux
		ready := c.muxReady
		c.Lock.Unlock()
		if mux != nil && !mux.IsStartedShutdown() {
			return mux, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, wsmux.ErrClosed
		}
	}
}

// openStream opens one stream to host:port through the current session.
func (c *Client) openStream(ctx context.Context, host string, port uint16) (*wsmux.Stream, error) {
	mux, err := c.currentMux(ctx)
	if err != nil {
		return nil, err
	}
	return mux.OpenStream(ctx, host, port)
}
