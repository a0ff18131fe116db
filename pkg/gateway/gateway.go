// Package gateway bridges browser WebSocket connections to agents on backend
// hosts. Each connection is split into numbered channels; channel 0 carries
// JSON control messages that open and close the others.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/backend"
	wgshare "github.com/sammck-go/wsgate/share"
)

// Gateway accepts WebSocket connections and runs a Connection for each one
type Gateway struct {
	wgshare.ShutdownHelper
	config    *Config
	resolver  *auth.Resolver
	bridge    backend.Bridge
	upgrader  websocket.Upgrader
	connStats wgshare.ConnStats
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewGateway creates a Gateway that authenticates with resolver and obtains
// transports from bridge
func NewGateway(logger wgshare.Logger, config *Config, resolver *auth.Resolver, bridge backend.Bridge) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   config,
		resolver: resolver,
		bridge:   bridge,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.InitShutdownHelper(logger.Fork("gateway"), g)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{wgshare.ProtocolVersion},
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// HandleOnceShutdown cancels every connection; registered connections are shut
// down as children before shutdown completes
func (g *Gateway) HandleOnceShutdown(completionErr error) error {
	g.DLogf("HandleOnceShutdown")
	g.cancel()
	return completionErr
}

// NumConnections returns the number of running connections
func (g *Gateway) NumConnections() int32 {
	return g.connStats.NumOpen()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(g.config.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	g.WLogf("Rejecting WebSocket from origin %q", origin)
	return false
}

// target resolves the host named in an open request to a host and port
func (g *Gateway) target(host string) (string, int, error) {
	if host == "" {
		host = g.config.DefaultHost
	}
	port := g.config.SSHPort
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("invalid port in host %q", host)
		}
		host, port = h, n
	}
	if host == "" {
		return "", 0, fmt.Errorf("no target host")
	}
	return host, port, nil
}

// startConnection registers a Connection for ws, unless the gateway is shutting down
func (g *Gateway) startConnection(ws *websocket.Conn, header http.Header) (*Connection, error) {
	if err := g.PauseShutdown(); err != nil {
		ws.Close()
		return nil, err
	}
	defer g.ResumeShutdown()
	c := newConnection(g, ws, header)
	g.AddShutdownChild(c)
	return c, nil
}

// ServeHTTP upgrades the request to a WebSocket and services it in the background
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.DLogf("Upgrading to websocket, URL=\"%s\"", r.URL.String())
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	c, err := g.startConnection(ws, r.Header)
	if err != nil {
		g.DLogf("Refusing connection: %s", err)
		return
	}
	go c.Run(g.ctx)
}

// ServeConn performs the WebSocket handshake on a raw connection whose request
// line and header have already been read, then services it until it ends.
// consumed holds any bytes read from conn past the end of the header; they are
// treated as the first bytes of the stream. conn is closed on return.
func (g *Gateway) ServeConn(ctx context.Context, conn net.Conn, header http.Header, consumed []byte) error {
	conn = newPrefixConn(conn, consumed)
	defer conn.Close()
	path := g.config.SocketPath
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: path},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       header.Get("Host"),
		RemoteAddr: remote,
		RequestURI: path,
	}
	ws, err := g.upgrader.Upgrade(newHijackWriter(conn), req.WithContext(ctx), nil)
	if err != nil {
		return g.DLogErrorf("Failed to upgrade to websocket: %s", err)
	}
	c, err := g.startConnection(ws, header)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
