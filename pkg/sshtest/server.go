// Package sshtest provides an in-process SSH server for tests. It accepts
// password logins and runs registered Go functions in place of programs.
package sshtest

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
)

// Program stands in for an executable. It reads the session's stdin, writes its
// stdout, and returns the exit status.
type Program func(stdin io.Reader, stdout io.Writer) int

// Echo copies stdin to stdout until stdin is closed
func Echo(stdin io.Reader, stdout io.Writer) int {
	io.Copy(stdout, stdin)
	return 0
}

// Server is a minimal SSH server listening on a loopback port
type Server struct {
	wgshare.ShutdownHelper
	listener net.Listener
	signer   ssh.Signer
	config   *ssh.ServerConfig

	lock     sync.Mutex
	users    map[string]string
	programs map[string]Program
	conns    map[*ssh.ServerConn]struct{}
	logins   int
}

// HostKeySeed seeds the host key of servers created without a signer, so their
// key and fingerprint are the same from run to run
const HostKeySeed = "sshtest"

// NewServer starts a server on 127.0.0.1 using signer as the host key. If signer
// is nil the key generated from HostKeySeed is used.
func NewServer(logger wgshare.Logger, signer ssh.Signer) (*Server, error) {
	if signer == nil {
		var err error
		signer, err = wgshare.GenerateSigner(HostKeySeed)
		if err != nil {
			return nil, err
		}
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: l,
		signer:   signer,
		users:    make(map[string]string),
		programs: map[string]Program{"echo": Echo},
		conns:    make(map[*ssh.ServerConn]struct{}),
	}
	s.InitShutdownHelper(logger.Fork("sshd"), s)
	s.config = &ssh.ServerConfig{
		PasswordCallback: s.authUser,
		ServerVersion:    "SSH-2.0-sshtest",
	}
	s.config.AddHostKey(signer)
	s.ShutdownWG().Add(1)
	go s.acceptLoop()
	return s, nil
}

// AddUser allows user to log in with password
func (s *Server) AddUser(user, password string) {
	s.lock.Lock()
	s.users[user] = password
	s.lock.Unlock()
}

// Handle registers a program under name
func (s *Server) Handle(name string, p Program) {
	s.lock.Lock()
	s.programs[name] = p
	s.lock.Unlock()
}

// Host returns the listening IP address
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns "host:port"
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// HostKey returns the server's public host key
func (s *Server) HostKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Logins returns the number of successful logins
func (s *Server) Logins() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.logins
}

// KillConnections drops every current SSH connection, as if the server died
func (s *Server) KillConnections() int {
	s.lock.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

func (s *Server) authUser(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	want, ok := s.users[c.User()]
	if !ok || want != string(password) {
		s.DLogf("Login failed for user: %s", c.User())
		return nil, s.Errorf("Invalid authentication for user: %s", c.User())
	}
	s.logins++
	return nil, nil
}

// HandleOnceShutdown stops listening and drops all connections
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.listener.Close()
	s.KillConnections()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) acceptLoop() {
	defer s.ShutdownWG().Done()
	for {
		tcpConn, err := s.listener.Accept()
		if err != nil {
			if !s.IsStartedShutdown() {
				s.DLogf("Accept failed: %s", err)
			}
			return
		}
		go s.handleConn(tcpConn)
	}
}

func (s *Server) handleConn(tcpConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.config)
	if err != nil {
		s.DLogf("Handshake failed: %s", err)
		tcpConn.Close()
		return
	}
	s.lock.Lock()
	s.conns[sshConn] = struct{}{}
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		delete(s.conns, sshConn)
		s.lock.Unlock()
		sshConn.Close()
	}()

	go ssh.DiscardRequests(reqs)
	for ch := range chans {
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			s.DLogf("Channel accept failed: %s", err)
			continue
		}
		go s.handleSession(channel, requests)
	}
}

type execPayload struct {
	Command string
}

type exitStatusPayload struct {
	Status uint32
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	started := false
	for req := range requests {
		if req.Type != "exec" || started {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload execPayload
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		started = true
		req.Reply(true, nil)
		go s.run(channel, payload.Command)
	}
}

func (s *Server) run(channel ssh.Channel, command string) {
	defer channel.Close()
	name := command
	if fields := strings.Fields(command); len(fields) > 0 {
		name = fields[0]
	}
	s.lock.Lock()
	program, ok := s.programs[name]
	s.lock.Unlock()

	status := 127
	if ok {
		s.DLogf("Running %q", command)
		status = program(channel, channel)
	} else {
		s.DLogf("%s: command not found", name)
		io.WriteString(channel.Stderr(), name+": command not found\n")
	}
	channel.CloseWrite()
	channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusPayload{Status: uint32(status)}))
}
