package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/backend"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	wgshare "github.com/sammck-go/wsgate/share"
)

// sessionSweepInterval is how often expired login sessions are removed
const sessionSweepInterval = time.Minute

// Server is the gateway's HTTP front end: the WebSocket endpoint plus login,
// logout, health and version routes
type Server struct {
	wgshare.ShutdownHelper
	config     *Config
	httpServer *wgshare.HTTPServer
	gateway    *Gateway
	users      *auth.UserIndex
	sessions   *auth.SessionStore
	knownHosts *hostkey.KnownHosts
	handler    http.Handler
}

// NewServer creates a Server from config
func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logLevel, _ := config.GetLogLevel()
	return NewServerWithLogger(wgshare.NewLogger("server", logLevel), config)
}

// NewServerWithLogger creates a Server from config that logs to logger
func NewServerWithLogger(logger wgshare.Logger, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CookieName == "" {
		config.CookieName = auth.DefaultCookieName
	}
	s := &Server{
		config:     config,
		httpServer: wgshare.NewHTTPServer(logger),
	}
	s.InitShutdownHelper(logger, s)

	s.users = auth.NewUserIndex(s.Logger)
	if config.AuthFile != "" {
		if err := s.users.LoadUsers(config.AuthFile, config.WatchFiles); err != nil {
			return nil, err
		}
	}
	for _, a := range config.Auth {
		if err := s.users.AddAuth(a); err != nil {
			s.users.Close()
			return nil, err
		}
	}
	s.sessions = auth.NewSessionStore(s.Logger, s.users, config.SessionLifetime.Duration)
	resolver := auth.NewResolver(s.Logger, s.sessions, config.CookieName)

	var bridge backend.Bridge
	if config.SSHPort == 0 {
		s.ILogf("Agents run locally")
		bridge = backend.NewLocalBridge(s.Logger, s.users)
	} else {
		knownHosts, err := hostkey.NewKnownHosts(s.Logger, config.KnownHosts, config.WatchFiles)
		if err != nil {
			s.users.Close()
			return nil, err
		}
		s.knownHosts = knownHosts
		sshConfig := backend.DefaultSSHConfig()
		sshConfig.ConnectRetries = config.ConnectRetries
		sshConfig.MaxRetryInterval = config.MaxRetryInterval.Duration
		sshConfig.ClientVersion = "SSH-2.0-" + wgshare.ProtocolVersion
		bridge = backend.NewSSHBridge(s.Logger, hostkey.NewPolicy(s.Logger, knownHosts), sshConfig)
	}
	s.gateway = NewGateway(s.Logger, config, resolver, bridge)

	h := http.Handler(http.HandlerFunc(s.handleHTTP))
	if s.GetLogLevel() >= wgshare.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s, nil
}

// Handler returns the Server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Gateway returns the WebSocket gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Sessions returns the login session store
func (s *Server) Sessions() *auth.SessionStore {
	return s.sessions
}

// Addr waits for the server to start listening and returns its address
func (s *Server) Addr() net.Addr {
	return s.httpServer.Addr()
}

// Run listens on the configured address and serves until ctx is cancelled or
// the server is shut down
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			if s.users.Len() > 0 {
				s.ILogf("User authentication enabled (%d users)", s.users.Len())
			}
			s.ILogf("Listening on %s...", s.config.Listen)
			s.ShutdownWG().Add(1)
			go s.sweepSessions()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	err = s.httpServer.ListenAndServe(ctx, s.config.Listen, s.handler)
	s.StartShutdown(err)
	return s.WaitShutdown()
}

func (s *Server) sweepSessions() {
	defer s.ShutdownWG().Done()
	t := time.NewTicker(sessionSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ShutdownStartedChan():
			return
		case <-t.C:
			if n := s.sessions.Expire(); n > 0 {
				s.DLogf("Expired %d sessions", n)
			}
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()
	if gwErr := s.gateway.Close(); err == nil {
		err = gwErr
	}
	s.users.Close()
	if s.knownHosts != nil {
		s.knownHosts.Close()
	}
	if completionErr == nil || completionErr == context.Canceled {
		completionErr = err
	}
	if completionErr == context.Canceled {
		completionErr = nil
	}
	return completionErr
}

// handleHTTP is the main http handler for the gateway server
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case s.config.SocketPath:
		s.gateway.ServeHTTP(w, r)
	case "/login":
		s.handleLogin(w, r)
	case "/logout":
		s.handleLogout(w, r)
	case "/health":
		w.Write([]byte("OK\n"))
	case "/version":
		w.Write([]byte(wgshare.BuildVersion))
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="wsgate"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := s.sessions.Login(user, password)
	if err != nil {
		s.ILogf("Login failed for user: %s", user)
		w.Header().Set("WWW-Authenticate", `Basic realm="wsgate"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.ILogf("Login of %s", user)
	cookie := &http.Cookie{
		Name:     s.config.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if s.config.SessionLifetime.Duration > 0 {
		cookie.MaxAge = int(s.config.SessionLifetime.Duration / time.Second)
	}
	http.SetCookie(w, cookie)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.config.CookieName); err == nil {
		s.sessions.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.Write([]byte("OK\n"))
}
