package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	"github.com/sammck-go/wsgate/pkg/sshtest"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

func testLogger() wgshare.Logger {
	return wgshare.NewLogger("test", wgshare.LogLevelWarning)
}

func newMockSSHD(t *testing.T) *sshtest.Server {
	srv, err := sshtest.NewServer(testLogger(), nil)
	if err != nil {
		t.Fatalf("NewServer failed: %s", err)
	}
	srv.AddUser("scruffy", "zerogravity")
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newSSHBridge() *SSHBridge {
	config := DefaultSSHConfig()
	config.ConnectRetries = 1
	config.MaxRetryInterval = 50 * time.Millisecond
	return NewSSHBridge(testLogger(), hostkey.NewPolicy(testLogger(), nil), config)
}

func requireReason(t *testing.T, err error, want wsproto.Reason) *wsproto.Problem {
	t.Helper()
	var p *wsproto.Problem
	if !errors.As(err, &p) {
		t.Fatalf("expected a %s Problem, got %v", want, err)
	}
	if p.Reason != want {
		t.Fatalf("expected reason %s, got %s (%v)", want, p.Reason, err)
	}
	return p
}

func echoRoundTrip(t *testing.T, tr Transport, size int) {
	t.Helper()
	payload := make([]byte, size)
	rand.Read(payload)
	go func() {
		tr.Write(payload)
	}()
	got := make([]byte, size)
	if _, err := io.ReadFull(tr, got); err != nil {
		t.Fatalf("reading echo failed: %s", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch")
	}
}

func trustedLine(srv *sshtest.Server) string {
	return hostkey.NewRecord(srv.Host(), srv.Port(), srv.HostKey()).Line()
}

func TestSSHBridgeEcho(t *testing.T) {
	srv := newMockSSHD(t)
	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()

	tr, err := b.Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{"echo"},
		Identity: id,
		HostKey:  trustedLine(srv),
	})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if tr.HostKey() == nil || tr.HostKey().Fingerprint() != wgshare.FingerprintKey(srv.HostKey()) {
		t.Fatalf("host key not recorded")
	}
	if b.NumOpen() != 1 {
		t.Fatalf("NumOpen was %d", b.NumOpen())
	}
	echoRoundTrip(t, tr, 100000)

	tr.CloseWrite()
	if _, err := io.ReadAll(tr); err != nil {
		t.Fatalf("reading to EOF failed: %s", err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatalf("echo exited with %v", err)
	}
	tr.Close()
	tr.Close()
	if b.NumOpen() != 0 {
		t.Fatalf("NumOpen was %d after close", b.NumOpen())
	}
}

func TestSSHBridgeUnknownHostKey(t *testing.T) {
	srv := newMockSSHD(t)
	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()

	_, err := b.Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{"echo"},
		Identity: id,
	})
	p := requireReason(t, err, wsproto.ReasonUnknownHostKey)
	if p.Options[wsproto.OptionHostFingerprint] != wgshare.FingerprintKey(srv.HostKey()) {
		t.Fatalf("host-fingerprint was %q", p.Options[wsproto.OptionHostFingerprint])
	}
	if p.Options[wsproto.OptionHostKey] != trustedLine(srv) {
		t.Fatalf("host-key was %q", p.Options[wsproto.OptionHostKey])
	}
	if srv.Logins() != 0 {
		t.Fatalf("credentials were sent to an untrusted host")
	}
}

func TestSSHBridgeNotAuthorized(t *testing.T) {
	srv := newMockSSHD(t)
	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "wrong", auth.SourceInline)
	defer id.Unref()

	_, err := b.Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{"echo"},
		Identity: id,
		HostKey:  trustedLine(srv),
	})
	requireReason(t, err, wsproto.ReasonNotAuthorized)
}

func TestSSHBridgeNoAgent(t *testing.T) {
	srv := newMockSSHD(t)
	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()

	tr, err := b.Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{"no-such-agent"},
		Identity: id,
		HostKey:  trustedLine(srv),
	})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer tr.Close()
	n, _ := io.Copy(io.Discard, tr)
	if reason := EndReason(tr.Wait(), n > 0); reason != wsproto.ReasonNoAgent {
		t.Fatalf("expected no-agent, got %s", reason)
	}
}

func TestSSHBridgeTerminated(t *testing.T) {
	srv := newMockSSHD(t)
	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()

	tr, err := b.Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{"echo"},
		Identity: id,
		HostKey:  trustedLine(srv),
	})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer tr.Close()
	echoRoundTrip(t, tr, 13)
	if srv.KillConnections() != 1 {
		t.Fatalf("expected one connection to kill")
	}
	io.Copy(io.Discard, tr)
	if reason := EndReason(tr.Wait(), true); reason != wsproto.ReasonTerminated {
		t.Fatalf("expected terminated, got %s", reason)
	}
}

func TestSSHBridgeNoHost(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	b := newSSHBridge()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()
	_, err = b.Open(context.Background(), &Request{
		Host:     "127.0.0.1",
		Port:     port,
		Command:  []string{"echo"},
		Identity: id,
	})
	requireReason(t, err, wsproto.ReasonNoHost)
}

func newLocalBridge(t *testing.T) *LocalBridge {
	users := auth.NewUserIndex(testLogger())
	users.AddAuth("scruffy:zerogravity")
	return NewLocalBridge(testLogger(), users)
}

func TestLocalBridgeEcho(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	b := newLocalBridge(t)
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	defer id.Unref()

	tr, err := b.Open(context.Background(), &Request{Host: "localhost", Command: []string{cat}, Identity: id})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if tr.HostKey() != nil {
		t.Fatalf("local transport has a host key")
	}
	echoRoundTrip(t, tr, 1020)
	tr.CloseWrite()
	io.Copy(io.Discard, tr)
	if err := tr.Wait(); err != nil {
		t.Fatalf("cat exited with %v", err)
	}
	tr.Close()
	if b.NumOpen() != 0 {
		t.Fatalf("NumOpen was %d", b.NumOpen())
	}
}

func TestLocalBridgeFailures(t *testing.T) {
	b := newLocalBridge(t)

	bad := auth.NewIdentity("scruffy", "wrong", auth.SourceInline)
	defer bad.Unref()
	_, err := b.Open(context.Background(), &Request{Command: []string{"cat"}, Identity: bad})
	requireReason(t, err, wsproto.ReasonNotAuthorized)

	// session identities were checked at login
	session := auth.NewIdentity("someone", "whatever", auth.SourceSession)
	defer session.Unref()
	_, err = b.Open(context.Background(), &Request{Command: []string{"/non-existent/agent"}, Identity: session})
	requireReason(t, err, wsproto.ReasonNoAgent)

	_, err = b.Open(context.Background(), &Request{Command: []string{"cat"}})
	requireReason(t, err, wsproto.ReasonNoSession)
}

func TestLocalBridgeExit127(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	b := newLocalBridge(t)
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceSession)
	defer id.Unref()
	tr, err := b.Open(context.Background(), &Request{Command: []string{sh, "-c", "exit 127"}, Identity: id})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer tr.Close()
	n, _ := io.Copy(io.Discard, tr)
	if reason := EndReason(tr.Wait(), n > 0); reason != wsproto.ReasonNoAgent {
		t.Fatalf("expected no-agent, got %s", reason)
	}
}

func TestEndReason(t *testing.T) {
	if EndReason(nil, false) != wsproto.ReasonTerminated {
		t.Fatalf("clean exit should be terminated")
	}
	if EndReason(errors.New("connection lost"), false) != wsproto.ReasonTerminated {
		t.Fatalf("lost connection should be terminated")
	}
}

func openSSH(t *testing.T, srv *sshtest.Server, command string) Transport {
	t.Helper()
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceInline)
	t.Cleanup(id.Unref)
	tr, err := newSSHBridge().Open(context.Background(), &Request{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Command:  []string{command},
		Identity: id,
		HostKey:  trustedLine(srv),
	})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	return tr
}

func TestAwaitStartMissingAgent(t *testing.T) {
	srv := newMockSSHD(t)
	tr := openSSH(t, srv, "no-such-agent")
	started, err := AwaitStart(context.Background(), tr, 10*time.Second)
	requireReason(t, err, wsproto.ReasonNoAgent)
	if started != nil {
		t.Fatalf("a transport was returned for a missing agent")
	}
}

func TestAwaitStartReplaysFirstOutput(t *testing.T) {
	srv := newMockSSHD(t)
	srv.Handle("greeter", func(stdin io.Reader, stdout io.Writer) int {
		io.WriteString(stdout, "hello\n")
		io.Copy(stdout, stdin)
		return 0
	})
	tr := openSSH(t, srv, "greeter")
	start := time.Now()
	started, err := AwaitStart(context.Background(), tr, time.Minute)
	if err != nil {
		t.Fatalf("AwaitStart failed: %s", err)
	}
	defer started.Close()
	if time.Since(start) > 30*time.Second {
		t.Fatalf("AwaitStart waited out the grace period despite output")
	}
	got := make([]byte, 6)
	if _, err := io.ReadFull(started, got); err != nil || string(got) != "hello\n" {
		t.Fatalf("first output not replayed: %q %v", got, err)
	}
	echoRoundTrip(t, started, 1020)
}

func TestAwaitStartSilentAgent(t *testing.T) {
	srv := newMockSSHD(t)
	tr := openSSH(t, srv, "echo")
	start := time.Now()
	started, err := AwaitStart(context.Background(), tr, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitStart failed: %s", err)
	}
	defer started.Close()
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("AwaitStart returned before the grace period")
	}
	echoRoundTrip(t, started, 100000)
}

func TestAwaitStartCleanExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	b := newLocalBridge(t)
	id := auth.NewIdentity("scruffy", "zerogravity", auth.SourceSession)
	defer id.Unref()
	tr, err := b.Open(context.Background(), &Request{Command: []string{sh, "-c", "exit 0"}, Identity: id})
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	started, err := AwaitStart(context.Background(), tr, 10*time.Second)
	if err != nil {
		t.Fatalf("an agent that exits cleanly must still open: %s", err)
	}
	defer started.Close()
	n, _ := io.Copy(io.Discard, started)
	if reason := EndReason(started.Wait(), n > 0); reason != wsproto.ReasonTerminated {
		t.Fatalf("expected terminated, got %s", reason)
	}
}

func TestAwaitStartCancelled(t *testing.T) {
	srv := newMockSSHD(t)
	tr := openSSH(t, srv, "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := AwaitStart(ctx, tr, time.Minute)
	requireReason(t, err, wsproto.ReasonNoHost)
}

func TestLogLinesDrainsLongLines(t *testing.T) {
	r, w := io.Pipe()
	go logLines(testLogger(), r)

	done := make(chan error, 1)
	go func() {
		long := bytes.Repeat([]byte("x"), 100*1024)
		if _, err := w.Write(append(long, '\n')); err != nil {
			done <- err
			return
		}
		_, err := io.WriteString(w, "after the long line\n")
		w.Close()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write failed: %s", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("stderr writer blocked after a long line")
	}
}
