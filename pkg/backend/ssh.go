package backend

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
)

// SSHConfig tunes how SSHBridge connects
type SSHConfig struct {
	// ConnectRetries is the number of times a failed TCP dial is retried
	ConnectRetries int

	// MaxRetryInterval caps the backoff between dial attempts
	MaxRetryInterval time.Duration

	// DialTimeout bounds each TCP dial attempt
	DialTimeout time.Duration

	// HandshakeTimeout bounds the SSH handshake, including authentication
	HandshakeTimeout time.Duration

	// ClientVersion is the SSH client identification string
	ClientVersion string
}

// DefaultSSHConfig returns the settings used when none are configured
func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		ConnectRetries:   2,
		MaxRetryInterval: 2 * time.Second,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		ClientVersion:    "SSH-2.0-wsgate",
	}
}

// SSHBridge runs the agent on the target host over SSH, authenticating with the
// channel's identity and checking the host key with a hostkey.Policy
type SSHBridge struct {
	wgshare.Logger
	config    SSHConfig
	policy    *hostkey.Policy
	connStats wgshare.ConnStats
}

// NewSSHBridge creates an SSHBridge
func NewSSHBridge(logger wgshare.Logger, policy *hostkey.Policy, config SSHConfig) *SSHBridge {
	return &SSHBridge{
		Logger: logger.Fork("ssh"),
		config: config,
		policy: policy,
	}
}

// NumOpen returns the number of open SSH transports
func (b *SSHBridge) NumOpen() int32 {
	return b.connStats.NumOpen()
}

func (b *SSHBridge) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: b.config.DialTimeout}
	bo := &backoff.Backoff{Min: 50 * time.Millisecond, Max: b.config.MaxRetryInterval}
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		attempt := int(bo.Attempt())
		if ctx.Err() != nil || attempt >= b.config.ConnectRetries {
			b.DLogf("Connection to %s failed: %s (Attempt: %d/%d)", addr, err, attempt, b.config.ConnectRetries)
			return nil, wsproto.NewProblem(wsproto.ReasonNoHost, err)
		}
		delay := bo.Duration()
		b.DLogf("Connection to %s failed: %s; retrying in %s...", addr, err, delay)
		select {
		case <-ctx.Done():
			return nil, wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Open connects to req.Host:req.Port, verifies the host key, authenticates as
// req.Identity and starts req.Command
func (b *SSHBridge) Open(ctx context.Context, req *Request) (Transport, error) {
	if req.Identity == nil {
		return nil, wsproto.Problemf(wsproto.ReasonNoSession, "no identity for ssh")
	}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	conn, err := b.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	// the callback runs on the handshake goroutine
	var lock sync.Mutex
	var record *hostkey.Record
	var hostKeyErr error
	verify := b.policy.HostKeyCallback(req.Host, req.Port, req.HostKey, func(r *hostkey.Record) {
		lock.Lock()
		record = r
		lock.Unlock()
	})
	sshConfig := &ssh.ClientConfig{
		User:          req.Identity.User(),
		Auth:          []ssh.AuthMethod{ssh.Password(req.Identity.Password())},
		ClientVersion: b.config.ClientVersion,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := verify(hostname, remote, key)
			lock.Lock()
			hostKeyErr = err
			lock.Unlock()
			return err
		},
	}

	if b.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(b.config.HandshakeTimeout))
	}
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()
	b.DLogf("Handshaking with %s as %s...", addr, req.Identity.User())
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	close(handshakeDone)
	lock.Lock()
	presented, keyErr := record, hostKeyErr
	lock.Unlock()
	if err != nil {
		conn.Close()
		switch {
		case keyErr != nil:
			return nil, keyErr
		case ctx.Err() != nil:
			return nil, wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err())
		case strings.Contains(err.Error(), "unable to authenticate"):
			b.ILogf("Authentication failed for %s@%s", req.Identity.User(), addr)
			b.DLogf("%s", err)
			return nil, wsproto.NewProblem(wsproto.ReasonNotAuthorized, err)
		default:
			b.ILogf("SSH handshake with %s failed: %s", addr, err)
			return nil, wsproto.NewProblem(wsproto.ReasonNoHost, err)
		}
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	t, err := b.startAgent(client, req.Command)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.record = presented
	b.connStats.New()
	b.connStats.Open()
	b.DLogf("Agent started on %s %s", addr, b.connStats.String())
	return t, nil
}

func (b *SSHBridge) startAgent(client *ssh.Client, command []string) (*sshTransport, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, wsproto.NewProblem(wsproto.ReasonNoAgent, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, wsproto.NewProblem(wsproto.ReasonInternalError, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, wsproto.NewProblem(wsproto.ReasonInternalError, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, wsproto.NewProblem(wsproto.ReasonInternalError, err)
	}
	cmd := strings.Join(command, " ")
	if err := session.Start(cmd); err != nil {
		session.Close()
		b.DLogf("Unable to start %q: %s", cmd, err)
		return nil, wsproto.NewProblem(wsproto.ReasonNoAgent, err)
	}
	go logLines(b.Logger.Fork("agent stderr"), stderr)
	return &sshTransport{
		bridge:  b,
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// logLines logs each line of r until it ends. A line too long to scan stops the
// logging, but r is still drained so the agent never blocks writing to it.
func logLines(logger wgshare.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.DLogf("%s", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.DLogf("No longer logging: %s", err)
	}
	io.Copy(io.Discard, r)
}

type sshTransport struct {
	bridge  *SSHBridge
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	record  *hostkey.Record

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (t *sshTransport) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

func (t *sshTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *sshTransport) CloseWrite() error {
	return t.stdin.Close()
}

func (t *sshTransport) Wait() error {
	t.waitOnce.Do(func() {
		t.waitErr = t.session.Wait()
	})
	return t.waitErr
}

func (t *sshTransport) HostKey() *hostkey.Record {
	return t.record
}

// Close ends the session and the SSH connection, which unblocks readers
func (t *sshTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.session.Close()
		err = t.client.Close()
		t.bridge.connStats.Close()
	})
	return err
}
