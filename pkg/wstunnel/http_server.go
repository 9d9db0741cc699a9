package wstunnel

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with graceful asynchronous shutdown.
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener

	// quit is closed when shutdown begins, releasing the context monitor.
	quit chan struct{}
}

// NewHTTPServer creates a new HTTPServer.
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
		quit:   make(chan struct{}),
	}
	h.Helper = asyncobj.NewHelper(lg.ForkLogf("http"), h)
	h.SetIsActivated()
	return h
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	close(h.quit)
	h.Lock.Lock()
	l := h.listener
	h.Lock.Unlock()
	if l != nil {
		l.Close()
	}
	if completionErr != nil &&
		(errors.Is(completionErr, http.ErrServerClosed) || errors.Is(completionErr, net.ErrClosed)) {
		completionErr = nil
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either by cancelling the context or by StartShutdown.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		err = h.DLogErrorf("Listen failed: %s", err)
		h.StartShutdown(err)
		return h.WaitShutdown()
	}
	h.Lock.Lock()
	h.listener = l
	h.Lock.Unlock()
	h.Handler = handler
	go func() {
		select {
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		case <-h.quit:
		}
	}()
	go func() {
		h.StartShutdown(h.Serve(l))
	}()
	return h.WaitShutdown()
}

// Addr returns the bound listen address, or nil before ListenAndServe has
// bound it. Useful when listening on port 0.
func (h *HTTPServer) Addr() net.Addr {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close completely shuts down the server, then returns the final
// completion status.
func (h *HTTPServer) Close() error {
	h.StartShutdown(nil)
	return h.WaitShutdown()
}
