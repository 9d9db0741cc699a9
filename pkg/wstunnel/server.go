package wstunnel

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wscarrier"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// ServerConfig is the configuration for a tunnel server.
type ServerConfig struct {
	// Host and Port are the HTTP listen address.
	Host string
	Port string

	// PSK, when nonempty, must be presented by clients in the PSK header;
	// requests without it are indistinguishable from ordinary HTTP.
	PSK string

	// Auth is an optional single inline "user:pass" credential; AuthFile
	// is an optional credentials file (see UserIndex) reloaded on change.
	// When either is set, upgrade requests require HTTP Basic auth.
	Auth     string
	AuthFile string

	// Backend, when nonempty, is the URL that non-tunnel requests are
	// reverse-proxied to. Otherwise they receive a 404 with NotFoundBody.
	Backend      string
	NotFoundBody string

	// AllowUDPBind lets clients bind remote UDP sockets on this server.
	AllowUDPBind bool

	Debug bool

	// Mux overrides mux tuning; Role is forced to RoleServer.
	Mux wsmux.Config
}

// Server is a tunnel server: an HTTP server whose correctly keyed WebSocket
// upgrades each become one multiplexed tunnel session.
type Server struct {
	*asyncobj.Helper
	log logger.Logger

	config       *ServerConfig
	httpServer   *HTTPServer
	reverseProxy *httputil.ReverseProxy
	users        *UserIndex
	upgrader     websocket.Upgrader
	connStats    ConnStats
	sessionStats ConnStats
}

// NewServer creates and returns a new tunnel server.
func NewServer(config *ServerConfig) (*Server, error) {
	logLevel := logger.LogLevelInfo
	if config.Debug {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(logger.WithPrefix("server"), logger.WithLogLevel(logLevel))
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:        lg,
		config:     config,
		httpServer: NewHTTPServer(lg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{ProtocolVersion},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.Helper = asyncobj.NewHelper(lg, s)
	s.SetIsActivated()
	s.users = NewUserIndex(lg)
	if config.AuthFile != "" {
		if err := s.users.LoadUsers(config.AuthFile); err != nil {
			return nil, err
		}
	}
	if config.Auth != "" {
		u := &User{Addrs: nil}
		u.Name, u.Pass = ParseAuth(config.Auth)
		if u.Name != "" {
			s.users.AddUser(u)
		}
	}
	if config.Backend != "" {
		u, err := url.Parse(config.Backend)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, s.log.Errorf("Backend URL missing host (%s)", config.Backend)
		}
		s.reverseProxy = httputil.NewSingleHostReverseProxy(u)
		//always use backend host
		director := s.reverseProxy.Director
		s.reverseProxy.Director = func(r *http.Request) {
			director(r)
			r.Host = u.Host
		}
	}
	if config.AllowUDPBind {
		lg.ILogf("Remote UDP bind enabled")
	}
	return s, nil
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.users.Close()
	err := s.httpServer.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Run starts the server and blocks until it shuts down.
func (s *Server) Run(ctx context.Context) error {
	if s.users.Len() > 0 {
		s.log.ILogf("User authentication enabled")
	}
	if s.reverseProxy != nil {
		s.log.ILogf("Reverse proxy enabled")
	}
	s.log.ILogf("Listening on %s:%s...", s.config.Host, s.config.Port)

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ctx, w, r)
	}))
	if s.config.Debug {
		h = requestlog.Wrap(h)
	}
	err := s.httpServer.ListenAndServe(ctx, s.config.Host+":"+s.config.Port, h)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

// handleRequest routes one HTTP request: a correctly keyed upgrade becomes
// a tunnel session, everything else falls through to the backend proxy or
// the 404 body without betraying that a tunnel endpoint exists.
func (s *Server) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.isTunnelRequest(r) {
		s.handleUpgrade(ctx, w, r)
		return
	}
	s.handleOther(w, r)
}

// isTunnelRequest checks method, upgrade intent, subprotocol and PSK. Any
// mismatch sends the request down the ordinary HTTP path.
func (s *Server) isTunnelRequest(r *http.Request) bool {
	if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
		return false
	}
	if !headerTokenPresent(r.Header, "Sec-Websocket-Protocol", ProtocolVersion) {
		s.log.DLogf("upgrade request without protocol %s", ProtocolVersion)
		return false
	}
	if s.config.PSK != "" && r.Header.Get(PSKHeader) != s.config.PSK {
		s.log.WLogf("upgrade request with missing or wrong PSK from %s", r.RemoteAddr)
		return false
	}
	return true
}

func headerTokenPresent(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var user *User
	if s.users.Len() > 0 {
		name, pass, ok := r.BasicAuth()
		if ok {
			user, ok = s.users.Authenticate(name, pass)
		}
		if !ok {
			s.log.WLogf("failed auth from %s", r.RemoteAddr)
			// indistinguishable from any other page
			s.handleOther(w, r)
			return
		}
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WLogf("upgrade failed for %s: %s", r.RemoteAddr, err)
		return
	}
	id := s.sessionStats.New()
	s.sessionStats.Open()
	s.log.ILogf("session #%d open from %s", id, r.RemoteAddr)
	go s.serveSession(ctx, id, wsConn, user)
}

// serveSession owns one tunnel session from upgrade to teardown.
func (s *Server) serveSession(ctx context.Context, id int32, wsConn *websocket.Conn, user *User) {
	lg := s.log.ForkLogf("session#%d", id)
	carrier := wscarrier.NewWebSocketCarrier(wsConn)
	cfg := s.config.Mux
	cfg.Role = wsmux.RoleServer
	cfg.AcceptBinds = s.config.AllowUDPBind
	mux := wsmux.NewMultiplexor(lg, carrier, cfg)
	mux.ShutdownOnContext(ctx)

	var allow func(addr string) bool
	if user != nil {
		allow = user.HasAccess
	}
	fw := NewForwarder(lg, mux, &s.connStats, allow, s.config.AllowUDPBind)
	err := fw.Run(ctx)
	s.sessionStats.Close(0, 0)
	if err != nil {
		lg.ILogf("session closed: %s %s", err, s.connStats.String())
	} else {
		lg.ILogf("session closed %s", s.connStats.String())
	}
}

// handleOther serves non-tunnel requests: backend reverse proxy when
// configured, 404 otherwise.
func (s *Server) handleOther(w http.ResponseWriter, r *http.Request) {
	if s.reverseProxy != nil {
		s.reverseProxy.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	body := s.config.NotFoundBody
	if body == "" {
		body = "Not found"
	}
	w.Write([]byte(body))
}

// Addr returns the server's bound listen address, or nil before Run has
// bound it. Useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.httpServer.Addr()
}

// GetUsers exposes the server's user index for programmatic management.
func (s *Server) GetUsers() *UserIndex {
	return s.users
}
