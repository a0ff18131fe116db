package backend

import (
	"context"
	"net"
	"os/exec"
	"sync"

	"github.com/prep/socketpair"
	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

// LocalBridge spawns the agent on this machine with one end of a unix
// socketpair as its stdin and stdout. Inline credentials are checked against a
// Verifier, since no SSH server will check them.
type LocalBridge struct {
	wgshare.Logger
	verifier  auth.Verifier
	connStats wgshare.ConnStats
}

// NewLocalBridge creates a LocalBridge. If verifier is nil every inline
// identity is rejected.
func NewLocalBridge(logger wgshare.Logger, verifier auth.Verifier) *LocalBridge {
	return &LocalBridge{
		Logger:   logger.Fork("local"),
		verifier: verifier,
	}
}

// NumOpen returns the number of running local agents
func (b *LocalBridge) NumOpen() int32 {
	return b.connStats.NumOpen()
}

// Open spawns req.Command
func (b *LocalBridge) Open(ctx context.Context, req *Request) (Transport, error) {
	if req.Identity == nil {
		return nil, wsproto.Problemf(wsproto.ReasonNoSession, "no identity for local agent")
	}
	if req.Identity.Source() == auth.SourceInline {
		if b.verifier == nil {
			return nil, wsproto.NewProblem(wsproto.ReasonNotAuthorized, auth.ErrNotAuthorized)
		}
		if err := b.verifier.Verify(req.Identity.User(), req.Identity.Password(), req.Host); err != nil {
			return nil, err
		}
	}
	if len(req.Command) == 0 {
		return nil, wsproto.Problemf(wsproto.ReasonNoAgent, "no agent command")
	}

	ours, theirs, err := socketpair.New("unix")
	if err != nil {
		return nil, wsproto.NewProblem(wsproto.ReasonInternalError, b.Errorf("socketpair failed: %s", err))
	}
	defer theirs.Close()
	theirFile, err := theirs.(*net.UnixConn).File()
	if err != nil {
		ours.Close()
		return nil, wsproto.NewProblem(wsproto.ReasonInternalError, b.Errorf("socketpair file failed: %s", err))
	}
	defer theirFile.Close()

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Stdin = theirFile
	cmd.Stdout = theirFile
	if err := cmd.Start(); err != nil {
		ours.Close()
		b.DLogf("Unable to spawn %q: %s", req.Command[0], err)
		return nil, wsproto.NewProblem(wsproto.ReasonNoAgent, err)
	}
	if ctx.Err() != nil {
		cmd.Process.Kill()
		cmd.Wait()
		ours.Close()
		return nil, wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err())
	}
	b.connStats.New()
	b.connStats.Open()
	b.DLogf("Spawned %s (pid %d) %s", req.Command[0], cmd.Process.Pid, b.connStats.String())
	return &localTransport{
		bridge: b,
		conn:   ours.(*net.UnixConn),
		cmd:    cmd,
	}, nil
}

type localTransport struct {
	bridge *LocalBridge
	conn   *net.UnixConn
	cmd    *exec.Cmd

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (t *localTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *localTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *localTransport) CloseWrite() error {
	return t.conn.CloseWrite()
}

func (t *localTransport) Wait() error {
	t.waitOnce.Do(func() {
		t.waitErr = t.cmd.Wait()
	})
	return t.waitErr
}

func (t *localTransport) HostKey() *hostkey.Record {
	return nil
}

// Close kills the agent and closes our end of the socketpair
func (t *localTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cmd.Process.Kill()
		err = t.conn.Close()
		t.bridge.connStats.Close()
	})
	return err
}
