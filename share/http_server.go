package wgshare

import (
	"context"
	"net"
	"net/http"
	"time"
)

// httpShutdownGrace bounds how long in-flight requests may take to finish
const httpShutdownGrace = 5 * time.Second

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
	ready    chan struct{}
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{
			ReadHeaderTimeout: 30 * time.Second,
		},
		ready: make(chan struct{}),
	}
	h.InitShutdownHelper(logger.Fork("http"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	err := h.Server.Shutdown(ctx)
	if err != nil {
		h.DLogf("Graceful shutdown failed, closing: %s", err)
		err = h.Server.Close()
	}
	if completionErr == nil || completionErr == context.Canceled {
		completionErr = err
	}
	return completionErr
}

// Addr waits until the server is listening and returns the listening address,
// or nil if it never started listening
func (h *HTTPServer) Addr() net.Addr {
	select {
	case <-h.ready:
		return h.listener.Addr()
	case <-h.ShutdownDoneChan():
		if h.listener != nil {
			return h.listener.Addr()
		}
		return nil
	}
}

// ListenAndServe Runs the HTTP server
// on the given bind address ("host:port" or "unix:<path>"), invoking the provided handler for each
// request. It returns after the server has shutdown. The server can be
// shutdown either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := Listen(h.Logger, addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			close(h.ready)

			go func() {
				err := h.Serve(l)
				if err == http.ErrServerClosed {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	if err == context.Canceled {
		err = nil
	}
	return err
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
